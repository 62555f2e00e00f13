package filter

import (
	"sort"
	"sync"
)

// View is the ordered sequence of packet seqs matching one named
// filter's predicate. Writers are the filter workers (out of order);
// readers are the session facade and the host bridge. Insertion uses
// the same pending-set / emit-on-contiguous discipline as the packet
// store's watermark, so the exposed slice is always sorted ascending
// even though match results can arrive out of seq order.
type View struct {
	mu       sync.RWMutex
	matched  map[uint32]bool // claimed seqs whose match result is known
	sorted   []uint32        // contiguous-emitted ascending matches
	nextSeq  uint32          // next seq expected to resolve

	handlersMu sync.Mutex
	handlers   []func(size int)
}

func NewView() *View {
	return &View{matched: make(map[uint32]bool)}
}

// Resolve records whether seq matched the predicate. Once every seq
// up to the current resolve frontier is known, newly-contiguous
// matches are appended to the sorted view in order.
func (v *View) Resolve(seq uint32, matched bool) {
	v.mu.Lock()
	v.matched[seq] = matched
	grew := false
	for {
		m, ok := v.matched[v.nextSeq]
		if !ok {
			break
		}
		if m {
			v.sorted = append(v.sorted, v.nextSeq)
			grew = true
		}
		delete(v.matched, v.nextSeq)
		v.nextSeq++
	}
	size := len(v.sorted)
	v.mu.Unlock()

	if grew {
		v.notify(size)
	}
}

// Range returns the strictly ascending subsequence of the view that
// falls within [start, end).
func (v *View) Range(start, end uint32) []uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	lo := sort.Search(len(v.sorted), func(i int) bool { return v.sorted[i] >= start })
	hi := sort.Search(len(v.sorted), func(i int) bool { return v.sorted[i] >= end })
	out := make([]uint32, hi-lo)
	copy(out, v.sorted[lo:hi])
	return out
}

// Len reports the number of matched seqs currently visible.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.sorted)
}

func (v *View) AddHandler(f func(size int)) {
	v.handlersMu.Lock()
	v.handlers = append(v.handlers, f)
	v.handlersMu.Unlock()
}

func (v *View) notify(size int) {
	v.handlersMu.Lock()
	handlers := v.handlers
	v.handlersMu.Unlock()
	for _, h := range handlers {
		h(size)
	}
}
