// Package filter implements the per-named-filter worker pool (C6):
// cooperative sequence claiming over the packet store, sandboxed
// predicate evaluation, and an ordered sequence-index view.
package filter

import (
	"sync"
	"sync/atomic"

	"github.com/expr-lang/expr/vm"

	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/packet"
)

// StoreReader is the read-only slice of PacketStore the filter pool
// needs: random access plus the contiguous watermark.
type StoreReader interface {
	Get(seq uint32) (packet.Packet, bool)
	MaxSeq() uint32
}

// Watermark lets a pool block cooperatively instead of busy-waiting
// when its claimed seq has not been produced yet. It is a generation
// channel: each Advance closes the current channel and replaces it, so
// a worker can select on "either the watermark moved or I was
// cancelled" without the lost-wakeup race a bare sync.Cond would have
// against a separately-closed cancellation channel.
type Watermark struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewWatermark() *Watermark {
	return &Watermark{ch: make(chan struct{})}
}

// Advance wakes every worker currently waiting on the watermark.
// Register this as a store.Handler so filter workers resume exactly
// when new packets land instead of polling.
func (w *Watermark) Advance(uint32) {
	w.mu.Lock()
	old := w.ch
	w.ch = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// signal returns the channel that closes on the next Advance.
func (w *Watermark) signal() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Pool is one named filter's set of claim-and-evaluate workers sharing
// an atomic claim cursor and an output View.
type Pool struct {
	name      string
	store     StoreReader
	watermark *Watermark
	program   *vm.Program
	view      *View
	logFn     func(dissect.Log)

	cursor atomic.Uint32
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates (but does not start) a filter pool.
func NewPool(name string, store StoreReader, watermark *Watermark, program *vm.Program, logFn func(dissect.Log)) *Pool {
	return &Pool{
		name:      name,
		store:     store,
		watermark: watermark,
		program:   program,
		view:      NewView(),
		logFn:     logFn,
		done:      make(chan struct{}),
	}
}

// View exposes the pool's ordered match sequence.
func (p *Pool) View() *View { return p.view }

// Start launches n worker goroutines. Each claims the next seq
// cooperatively, waits on the watermark if that seq hasn't arrived
// yet, evaluates the predicate, and resolves the result into the view.
func (p *Pool) Start(n int) {
	if n <= 0 {
		n = 1
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
}

// Cancel signals all workers to exit at their next claim boundary, per
// spec.md §4.6: updating a filter replaces the pool atomically and the
// old pool's workers drain out without tearing down mid-evaluation.
func (p *Pool) Cancel() {
	close(p.done)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		seq := p.cursor.Add(1) - 1
		for {
			// Take the signal channel before reading MaxSeq so an
			// Advance between the two cannot be missed.
			sig := p.watermark.signal()
			if seq < p.store.MaxSeq() {
				break
			}
			select {
			case <-p.done:
				return
			case <-sig:
			}
		}

		// store.MaxSeq() guarantees every seq below it is present.
		pkt, _ := p.store.Get(seq)

		matched, err := Eval(p.program, pkt)
		if err != nil {
			if p.logFn != nil {
				p.logFn(dissect.Log{
					Level:   dissect.LevelError,
					Domain:  "filter." + p.name,
					Message: err.Error(),
				})
			}
			matched = false
		}
		p.view.Resolve(seq, matched)
	}
}
