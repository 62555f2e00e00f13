// Package hostbridge implements the cross-thread, coalescing delivery
// mechanism (C7) that lets worker goroutines notify a single-threaded
// host without blocking it: status snapshots and deduplicated log
// messages, both collapsed between host service cycles.
package hostbridge

import (
	"sync"

	"github.com/firestige/otuscore/internal/dissect"
)

// LogMessage is the host-facing shape of a dissector/stream/filter log
// event, matching spec.md §6's logCb payload.
type LogMessage struct {
	Level        dissect.LogLevel
	Domain       string
	ResourceName string
	SourceLine   string
	Message      string
	LineNumber   *int
	StartPos     *int
	EndPos       *int
	StartColumn  *int
	EndColumn    *int
}

// dedupKey mirrors spec.md §3: (domain, resourceName, line, message).
type dedupKey struct {
	domain, resource, line, message string
}

func keyOf(m LogMessage) dedupKey {
	return dedupKey{domain: m.Domain, resource: m.ResourceName, line: m.SourceLine, message: m.Message}
}

// Status is the host-facing snapshot from spec.md §6's statusCb payload.
type Status struct {
	Capturing bool
	Packets   uint32
	Filtered  map[string]uint32
}

// Bridge coalesces status and log events between host service cycles.
// A "service cycle" is one call to ServiceStatus or ServiceLogs from
// the host thread; any signals raised between two service calls
// collapse into a single delivery, per spec.md §4.7.
type Bridge struct {
	statusMu    sync.Mutex
	statusReady bool
	snapshot    func() Status

	logMu  sync.Mutex
	logs   map[dedupKey]LogMessage

	onStatus func(Status)
	onLog    func(LogMessage)

	closed bool
}

// New creates a bridge. snapshot is called (on the host thread, inside
// ServiceStatus) to capture the latest state when a status signal is pending.
func New(snapshot func() Status) *Bridge {
	return &Bridge{
		snapshot: snapshot,
		logs:     make(map[dedupKey]LogMessage),
	}
}

// SetStatusCallback installs the host's status callback. Safe to call
// before the bridge starts receiving signals.
func (b *Bridge) SetStatusCallback(cb func(Status)) {
	b.statusMu.Lock()
	b.onStatus = cb
	b.statusMu.Unlock()
}

// SetLogCallback installs the host's log callback.
func (b *Bridge) SetLogCallback(cb func(LogMessage)) {
	b.logMu.Lock()
	b.onLog = cb
	b.logMu.Unlock()
}

// SignalStatus is called by any worker (store watermark advance,
// filter view growth, capture start/stop) to request a status
// delivery. It never blocks and collapses with any pending signal.
func (b *Bridge) SignalStatus() {
	b.statusMu.Lock()
	if b.closed {
		b.statusMu.Unlock()
		return
	}
	b.statusReady = true
	b.statusMu.Unlock()
}

// ServiceStatus must be called on the host thread. If a status signal
// is pending it takes a fresh snapshot and invokes the callback
// exactly once; otherwise it is a no-op.
func (b *Bridge) ServiceStatus() {
	b.statusMu.Lock()
	if !b.statusReady || b.closed {
		b.statusMu.Unlock()
		return
	}
	b.statusReady = false
	cb := b.onStatus
	b.statusMu.Unlock()

	if cb == nil {
		return
	}
	snap := b.snapshot()
	safeInvoke(func() { cb(snap) })
}

// Log inserts msg into the dedup map, keyed so that repeated failures
// (a dissector erroring on every packet) collapse to the latest
// occurrence instead of flooding the host.
func (b *Bridge) Log(msg LogMessage) {
	b.logMu.Lock()
	if b.closed {
		b.logMu.Unlock()
		return
	}
	b.logs[keyOf(msg)] = msg
	b.logMu.Unlock()
}

// ServiceLogs must be called on the host thread. It swaps out the
// pending log map and delivers each surviving message exactly once.
func (b *Bridge) ServiceLogs() {
	b.logMu.Lock()
	if b.closed {
		b.logMu.Unlock()
		return
	}
	pending := b.logs
	b.logs = make(map[dedupKey]LogMessage)
	cb := b.onLog
	b.logMu.Unlock()

	if cb == nil || len(pending) == 0 {
		return
	}
	for _, msg := range pending {
		safeInvoke(func() { cb(msg) })
	}
}

// Close cancels pending signals; subsequent Signal/Log calls are
// dropped and Service calls become no-ops.
func (b *Bridge) Close() {
	b.statusMu.Lock()
	b.closed = true
	b.statusReady = false
	b.statusMu.Unlock()

	b.logMu.Lock()
	b.logs = nil
	b.logMu.Unlock()
}

// safeInvoke runs f and recovers any panic so a misbehaving host
// callback cannot corrupt the worker or host thread that invoked it.
func safeInvoke(f func()) {
	defer func() { _ = recover() }()
	f()
}
