// Package store implements the sequence-keyed packet store (C3):
// concurrent insert, concurrent random read under a shared read lock
// (reads are not lock-free), and a contiguous-watermark
// change notifier that downstream filter workers and the host bridge
// rely on for an "everything up to X is final" cut point.
package store

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/firestige/otuscore/internal/packet"
)

// Handler is called on every contiguous-watermark advance. Handlers
// run synchronously on the inserting goroutine and must not block.
type Handler func(maxSeq uint32)

// Store is safe for concurrent insert and concurrent Get.
type Store struct {
	nextSeq atomic.Uint32

	mu      sync.RWMutex
	packets []packet.Packet // index i holds seq i once present
	present []bool

	watermark atomic.Uint32 // highest seq s such that [0,s) all present
	pending   pendingHeap   // seqs >= watermark that have arrived out of order

	handlersMu sync.Mutex
	handlers   []Handler
}

func New() *Store {
	return &Store{}
}

// Insert assigns the next sequence atomically, stores pkt, and — if
// this insertion advances the contiguous watermark — notifies
// handlers with the new watermark. It returns the assigned seq.
func (s *Store) Insert(pkt packet.Packet) uint32 {
	seq := s.nextSeq.Add(1) - 1
	pkt = pkt.WithSeq(seq)

	s.mu.Lock()
	if int(seq) >= len(s.packets) {
		grown := make([]packet.Packet, seq+1)
		copy(grown, s.packets)
		s.packets = grown
		grownPresent := make([]bool, seq+1)
		copy(grownPresent, s.present)
		s.present = grownPresent
	}
	s.packets[seq] = pkt
	s.present[seq] = true

	advanced := s.advanceWatermarkLocked(seq)
	s.mu.Unlock()

	if advanced {
		s.notify(s.watermark.Load())
	}
	return seq
}

// advanceWatermarkLocked must be called with s.mu held. It folds seq
// into the pending set and, if seq equals the current watermark,
// drains contiguous arrivals from the pending heap.
func (s *Store) advanceWatermarkLocked(seq uint32) bool {
	wm := s.watermark.Load()
	if seq != wm {
		heap.Push(&s.pending, seq)
		return false
	}
	wm++
	for len(s.pending) > 0 && s.pending[0] == wm {
		heap.Pop(&s.pending)
		wm++
	}
	s.watermark.Store(wm)
	return true
}

// Get returns the packet stored at seq, or (Packet{}, false) if seq
// has not yet been inserted.
func (s *Store) Get(seq uint32) (packet.Packet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(seq) >= len(s.present) || !s.present[seq] {
		return packet.Packet{}, false
	}
	return s.packets[seq], true
}

// MaxSeq returns the highest seq such that every seq in [0, MaxSeq())
// is present — the contiguous high-water mark, not the sparse count
// of packets actually stored.
func (s *Store) MaxSeq() uint32 {
	return s.watermark.Load()
}

// AddHandler registers f to be called, on the inserting goroutine,
// each time the contiguous watermark advances.
func (s *Store) AddHandler(f Handler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, f)
	s.handlersMu.Unlock()
}

func (s *Store) notify(maxSeq uint32) {
	s.handlersMu.Lock()
	handlers := s.handlers
	s.handlersMu.Unlock()
	for _, h := range handlers {
		h(maxSeq)
	}
}

// pendingHeap is a min-heap of out-of-order-arrived sequence numbers,
// mirroring the watermark bookkeeping the store needs to turn
// out-of-order worker completion into a gap-free visible high-water mark.
type pendingHeap []uint32

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
