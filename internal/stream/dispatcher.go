// Package stream implements the stream dispatcher (C5): ordered
// TCP-like reassembly of chunks within a flow, invocation of
// stream-dissectors, and loopback of synthesised virtual packets into
// the packet queue. Flows are sharded across a fixed worker set by a
// consistent hash of the flow identifier, the same partitioning
// technique the packet-pipeline's event bus uses to assign work.
package stream

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	"github.com/serialx/hashring"

	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/packet"
)

// DefaultMaxBufferedChunks and DefaultMaxBufferedBytes are the
// per-flow reassembly window bounds from spec.md §4.5's design default.
const (
	DefaultMaxBufferedChunks = 256
	DefaultMaxBufferedBytes  = 4 * 1024 * 1024
	// DefaultIdleTimeout retires a flow that has seen no chunk for this
	// long, per spec.md §4.5's "flow-idle-timeout" retirement clause.
	DefaultIdleTimeout = 30 * time.Second
	// minSweepInterval floors how often a shard scans its flow table for
	// idle entries, so a very small IdleTimeout doesn't spin a shard's
	// sweep loop.
	minSweepInterval = time.Second
)

// Config bundles the dispatcher's collaborators and tunables.
type Config struct {
	Threads           int
	Dissectors        []dissect.StreamDissector
	MaxBufferedChunks int
	MaxBufferedBytes  int
	// IdleTimeout retires a flow's reassembly state once this long has
	// passed since its last chunk, independent of FIN.
	IdleTimeout time.Duration

	// EmitVirtualPacket pushes a freshly synthesised packet's initial
	// layers back onto the packet queue for fresh dissection.
	EmitVirtualPacket func(layers []packet.Layer)
	Log               func(dissect.Log)
}

// Dispatcher owns one shard worker per partition and a consistent-hash
// ring mapping flow identifiers to shards, so a given flow is always
// processed by exactly one goroutine and therefore stays strictly
// ordered.
type Dispatcher struct {
	cfg    Config
	shards []*shard
	ring   *hashring.HashRing
	nodes  []string

	wg sync.WaitGroup
}

// chunkJob is an inbound unit of work for a shard: either a
// dissector-origin chunk batch or a dispatcher-origin chained batch.
type chunkJob struct {
	flowID []byte
	chunks []dissect.Chunk
}

type shard struct {
	id     int
	in     chan chunkJob
	flows  map[string]*flowState
	config Config
}

// flowState holds per-flow reassembly bookkeeping: next expected
// stream-sequence, an out-of-order buffer ordered by stream-sequence,
// whether FIN has been observed, and the last time a chunk arrived so
// the shard's sweep can retire it on idle timeout.
type flowState struct {
	nextSeq      uint64
	pending      pendingChunks
	bufferedSize int
	fin          bool
	lastSeen     time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MaxBufferedChunks <= 0 {
		cfg.MaxBufferedChunks = DefaultMaxBufferedChunks
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	d := &Dispatcher{cfg: cfg}
	d.shards = make([]*shard, cfg.Threads)
	d.nodes = make([]string, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		d.nodes[i] = "shard-" + strconv.Itoa(i)
		d.shards[i] = &shard{
			id:     i,
			in:     make(chan chunkJob, 256),
			flows:  make(map[string]*flowState),
			config: cfg,
		}
	}
	d.ring = hashring.New(d.nodes)
	return d
}

// Start launches one goroutine per shard.
func (d *Dispatcher) Start() {
	d.wg.Add(len(d.shards))
	for _, s := range d.shards {
		go func(s *shard) {
			defer d.wg.Done()
			s.run(d.cfg)
		}(s)
	}
}

// Close closes every shard's inbound channel; Start's goroutines exit
// once each shard has drained its channel.
func (d *Dispatcher) Close() {
	for _, s := range d.shards {
		close(s.in)
	}
}

// Wait blocks until every shard goroutine has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Insert delivers chunks produced by a dissector worker for the
// packet at originSeq. originSeq is accepted for symmetry with the
// dissector-origin entry point described in spec.md §4.5; reassembly
// itself only depends on chunk.FlowID and chunk.StreamSeq.
func (d *Dispatcher) Insert(originSeq uint32, chunks []dissect.Chunk) {
	d.route(chunks)
}

// InsertChained delivers chunks a stream-dissector itself emitted for
// chained reassembly (the second entry point from spec.md §4.5).
func (d *Dispatcher) InsertChained(chunks []dissect.Chunk) {
	d.route(chunks)
}

func (d *Dispatcher) route(chunks []dissect.Chunk) {
	byFlow := make(map[string][]dissect.Chunk)
	order := make([]string, 0, len(chunks))
	for _, c := range chunks {
		key := string(c.FlowID)
		if _, ok := byFlow[key]; !ok {
			order = append(order, key)
		}
		byFlow[key] = append(byFlow[key], c)
	}
	for _, key := range order {
		node, ok := d.ring.GetNode(key)
		if !ok {
			node = d.nodes[0]
		}
		idx := d.shardIndex(node)
		d.shards[idx].in <- chunkJob{flowID: []byte(key), chunks: byFlow[key]}
	}
}

func (d *Dispatcher) shardIndex(node string) int {
	for i, n := range d.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

// run drains inbound jobs and, between jobs, sweeps the shard's flow
// table for entries that have gone idle past cfg.IdleTimeout, mirroring
// the teacher's fragment reassembler's periodic-ticker cleanup loop.
func (s *shard) run(cfg Config) {
	interval := cfg.IdleTimeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case job, ok := <-s.in:
			if !ok {
				return
			}
			s.handleJob(cfg, job)
		case <-ticker.C:
			s.sweepIdle(cfg)
		}
	}
}

func (s *shard) handleJob(cfg Config, job chunkJob) {
	key := string(job.flowID)
	fs, ok := s.flows[key]
	if !ok {
		fs = &flowState{}
		s.flows[key] = fs
	}
	fs.lastSeen = time.Now()

	for _, c := range job.chunks {
		heap.Push(&fs.pending, c)
		fs.bufferedSize += len(c.Payload)
	}

	s.drainContiguous(cfg, job.flowID, fs)
	s.enforceWindow(cfg, fs)

	if fs.fin {
		delete(s.flows, key)
	}
}

// sweepIdle retires flows that have received no chunk for longer than
// cfg.IdleTimeout, per spec.md §4.5's "flow-idle-timeout" clause — the
// FIN path in handleJob only covers flows that close cleanly; a
// one-sided close or dropped final segment would otherwise leak this
// flow's reassembly state for the life of the session.
func (s *shard) sweepIdle(cfg Config) {
	now := time.Now()
	for key, fs := range s.flows {
		if now.Sub(fs.lastSeen) < cfg.IdleTimeout {
			continue
		}
		delete(s.flows, key)
		cfg.Log(dissect.Log{
			Level:   dissect.LevelWarn,
			Domain:  "stream",
			Message: "flow idle timeout, reassembly state retired",
		})
	}
}

// drainContiguous delivers every buffered chunk whose stream-sequence
// is exactly fs.nextSeq, in order, to the matching stream-dissector.
func (s *shard) drainContiguous(cfg Config, flowID []byte, fs *flowState) {
	for len(fs.pending) > 0 && fs.pending[0].StreamSeq == fs.nextSeq {
		c := heap.Pop(&fs.pending).(dissect.Chunk)
		fs.bufferedSize -= len(c.Payload)
		fs.nextSeq++
		if c.Fin {
			fs.fin = true
		}

		for _, sd := range cfg.Dissectors {
			if !sd.Accepts(flowID) {
				continue
			}
			emit, vpLayers, logs, err := sd.Invoke(flowID, c)
			for _, lg := range logs {
				cfg.Log(lg)
			}
			if err != nil {
				cfg.Log(dissect.Log{
					Level:   dissect.LevelError,
					Domain:  "stream",
					Message: err.Error(),
				})
				continue
			}
			if len(emit) > 0 {
				s.routeChained(cfg, emit)
			}
			for _, layers := range vpLayers {
				if cfg.EmitVirtualPacket != nil {
					cfg.EmitVirtualPacket(layers)
				}
			}
		}
	}
}

// routeChained re-enters this same shard directly (not through the
// dispatcher's hash ring) since chained chunks belong to a flow this
// shard already owns.
func (s *shard) routeChained(cfg Config, chunks []dissect.Chunk) {
	byFlow := make(map[string][]dissect.Chunk)
	for _, c := range chunks {
		key := string(c.FlowID)
		byFlow[key] = append(byFlow[key], c)
	}
	for key, cs := range byFlow {
		s.handleJob(cfg, chunkJob{flowID: []byte(key), chunks: cs})
	}
}

// enforceWindow drops the oldest buffered chunks once a flow exceeds
// its window bound and logs a warning, per spec.md §4.5.
func (s *shard) enforceWindow(cfg Config, fs *flowState) {
	for len(fs.pending) > cfg.MaxBufferedChunks || fs.bufferedSize > cfg.MaxBufferedBytes {
		if len(fs.pending) == 0 {
			break
		}
		dropped := heap.Pop(&fs.pending).(dissect.Chunk)
		fs.bufferedSize -= len(dropped.Payload)
		cfg.Log(dissect.Log{
			Level:   dissect.LevelWarn,
			Domain:  "stream",
			Message: "reassembly window overflow, dropped oldest buffered chunk",
		})
	}
}

// pendingChunks is a min-heap of chunks ordered by stream-sequence.
type pendingChunks []dissect.Chunk

func (p pendingChunks) Len() int           { return len(p) }
func (p pendingChunks) Less(i, j int) bool { return p[i].StreamSeq < p[j].StreamSeq }
func (p pendingChunks) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p *pendingChunks) Push(x interface{}) {
	*p = append(*p, x.(dissect.Chunk))
}
func (p *pendingChunks) Pop() interface{} {
	old := *p
	n := len(old)
	v := old[n-1]
	*p = old[:n-1]
	return v
}
