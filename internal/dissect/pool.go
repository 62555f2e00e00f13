package dissect

import (
	"runtime"
	"sync"

	"github.com/firestige/otuscore/internal/packet"
)

// MaxPasses bounds how many fixed-point iterations a single packet may
// trigger before the worker gives up and stores it as-is. spec.md §9
// leaves the exact cap an open question; 128 is the suggested default.
const MaxPasses = 128

// Context bundles the collaborators a DissectorWorker needs, mirroring
// the teacher's DissectorThread::Context callback-bundle idiom: workers
// never reach into the store or stream dispatcher directly, only
// through these callbacks, which keeps the queue->dissector->stream
// cycle a message-passing graph rather than mutual recursion.
type Context struct {
	// Pop fetches the next raw or partially-dissected packet. It
	// returns otuserr.ErrClosed once the queue is closed and drained.
	Pop func() (packet.Packet, error)
	// StorePacket inserts a fully-dissected packet into the store and
	// returns its assigned seq.
	StorePacket func(packet.Packet) uint32
	// EmitChunks hands stream chunks produced while dissecting the
	// packet at originSeq to the stream dispatcher.
	EmitChunks func(originSeq uint32, chunks []Chunk)
	// Log delivers a non-fatal dissector failure or warning.
	Log func(Log)

	Namespace  string
	Dissectors []Dissector

	// MaxPasses caps dissector re-invocation per packet; zero means
	// the package default (MaxPasses constant).
	MaxPasses int
}

// Pool runs N workers, each looping: pop, dissect to a fixed point,
// store, hand off stream chunks.
type Pool struct {
	ctx       Context
	n         int
	maxPasses int
	wg        sync.WaitGroup
}

// NewPool creates a pool of n workers. n<=0 means hardware parallelism
// minus one, floored at one, per spec.md §4.4.
func NewPool(ctx Context, n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0) - 1
		if n < 1 {
			n = 1
		}
	}
	maxPasses := ctx.MaxPasses
	if maxPasses <= 0 {
		maxPasses = MaxPasses
	}
	return &Pool{ctx: ctx, n: n, maxPasses: maxPasses}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start() {
	p.wg.Add(p.n)
	for i := 0; i < p.n; i++ {
		go p.run()
	}
}

// Wait blocks until every worker has drained the queue and exited,
// which happens once the queue is closed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		pkt, err := p.ctx.Pop()
		if err != nil {
			return
		}
		pkt, chunks := p.dissectToFixedPoint(pkt)
		seq := p.ctx.StorePacket(pkt)
		if len(chunks) > 0 && p.ctx.EmitChunks != nil {
			p.ctx.EmitChunks(seq, chunks)
		}
	}
}

// dissectToFixedPoint repeatedly runs every accepting dissector against
// newly added layers until no dissector fires or MaxPasses is hit.
func (p *Pool) dissectToFixedPoint(pkt packet.Packet) (packet.Packet, []Chunk) {
	var allChunks []Chunk
	frontier := pkt.Layers

	for pass := 0; pass < p.maxPasses; pass++ {
		var newLayers []packet.Layer
		fired := false

		for _, l := range frontier {
			for _, d := range p.ctx.Dissectors {
				if !d.Accepts(l) {
					continue
				}
				fired = true
				layers, chunks, logs, err := d.Invoke(l, p.ctx.Namespace)
				for _, lg := range logs {
					p.ctx.Log(lg)
				}
				if err != nil {
					p.ctx.Log(Log{
						Level:   LevelError,
						Domain:  "dissect",
						Message: err.Error(),
					})
					continue
				}
				newLayers = append(newLayers, layers...)
				allChunks = append(allChunks, chunks...)
			}
		}

		if !fired || len(newLayers) == 0 {
			return pkt, allChunks
		}

		pkt = pkt.WithLayers(newLayers...)
		frontier = newLayers

		if pass == p.maxPasses-1 {
			p.ctx.Log(Log{
				Level:   LevelWarn,
				Domain:  "dissect",
				Message: "dissector re-invocation cap reached",
			})
		}
	}
	return pkt, allChunks
}
