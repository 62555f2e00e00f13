// Package session implements the Session facade (C8): the single
// entry point that wires capture, queue, dissector pool, stream
// dispatcher, packet store, filter manager and host bridge into one
// lifecycle, grounded in the original session.cpp's Session::Private
// design (construct once, configure, start/stop repeatably, destroy).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/firestige/otuscore/internal/capture"
	"github.com/firestige/otuscore/internal/config"
	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/filter"
	"github.com/firestige/otuscore/internal/hostbridge"
	logpkg "github.com/firestige/otuscore/internal/log"
	"github.com/firestige/otuscore/internal/otuserr"
	"github.com/firestige/otuscore/internal/packet"
	"github.com/firestige/otuscore/internal/queue"
	"github.com/firestige/otuscore/internal/store"
	"github.com/firestige/otuscore/internal/stream"
)

// State is the session lifecycle from spec.md §5.
type State int

const (
	StateConstructed State = iota
	StateConfigured
	StateRunning
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateConfigured:
		return "Configured"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Session is the facade described by spec.md §6's control surface. All
// public methods are safe for concurrent use; state transitions are
// serialized by mu.
type Session struct {
	mu    sync.Mutex
	state State

	cfg    *config.SessionConfig
	logger *logrus.Logger

	capture    capture.Source
	q          *queue.Queue
	st         *store.Store
	dissectors []dissect.Dissector
	dpool      *dissect.Pool
	sdispatch  *stream.Dispatcher
	watermark  *filter.Watermark
	filters    *filter.Manager
	bridge     *hostbridge.Bridge

	packetsCaptured uint32
}

// New constructs a session from cfg, creates (but does not start) its
// worker pools, applies the capture defaults, and returns it in
// StateConfigured. It does not start capturing; call Start for that.
func New(cfg *config.SessionConfig, dissectors []dissect.Dissector, streamDissectors []dissect.StreamDissector) *Session {
	logger := logpkg.New(logpkg.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File: logpkg.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})

	s := &Session{
		state:      StateConstructed,
		cfg:        cfg,
		logger:     logger,
		capture:    capture.NewPcapSource(),
		q:          queue.New(cfg.QueueCapacity),
		st:         store.New(),
		dissectors: dissectors,
		watermark:  filter.NewWatermark(),
	}
	s.st.AddHandler(s.watermark.Advance)

	s.bridge = hostbridge.New(s.snapshot)
	s.st.AddHandler(func(uint32) { s.bridge.SignalStatus() })

	logFn := func(l dissect.Log) {
		logpkg.MirrorDissectLog(s.logger)(l)
		s.bridge.Log(hostbridge.LogMessage{
			Level:        l.Level,
			Domain:       l.Domain,
			ResourceName: l.ResourceName,
			SourceLine:   l.SourceLine,
			Message:      l.Message,
		})
	}

	s.sdispatch = stream.New(stream.Config{
		Threads:           cfg.Stream.Threads,
		Dissectors:        streamDissectors,
		MaxBufferedChunks: cfg.Stream.Window.MaxChunks,
		MaxBufferedBytes:  cfg.Stream.Window.MaxBytes,
		IdleTimeout:       parseIdleTimeout(cfg.Stream.IdleTimeout, s.logger),
		EmitVirtualPacket: func(layers []packet.Layer) {
			s.enqueueVirtual(layers)
		},
		Log: logFn,
	})

	s.dpool = dissect.NewPool(dissect.Context{
		Pop:         s.q.Pop,
		StorePacket: s.st.Insert,
		EmitChunks: func(originSeq uint32, chunks []dissect.Chunk) {
			s.sdispatch.Insert(originSeq, chunks)
		},
		Log:        logFn,
		Namespace:  cfg.Namespace,
		Dissectors: dissectors,
		MaxPasses:  cfg.DissectorPassCap,
	}, cfg.Threads)

	s.filters = filter.NewManager(s.st, s.watermark, cfg.FilterPrelude, cfg.Threads, logFn)
	s.st.AddHandler(func(uint32) {
		// Filter pool sizes change with every watermark advance; piggyback
		// a status signal so Sizes() in the next ServiceStatus reflects it.
		s.bridge.SignalStatus()
	})

	if cfg.Capture.Interface != "" {
		_ = s.capture.SetInterface(cfg.Capture.Interface)
	}
	_ = s.capture.SetPromiscuous(cfg.Capture.Promiscuous)
	_ = s.capture.SetSnaplen(cfg.Capture.Snaplen)
	if cfg.Capture.BPF != "" {
		_ = s.capture.SetBPF(cfg.Capture.BPF)
	}

	s.state = StateConfigured
	return s
}

// parseIdleTimeout parses cfg.Stream.IdleTimeout ("30s"-style duration
// string); an empty or unparsable value falls back to the stream
// dispatcher's own default rather than failing session construction,
// logging a warning so a typo'd config value isn't silently ignored.
func parseIdleTimeout(raw string, logger *logrus.Logger) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.WithField("value", raw).Warn("invalid stream.idle_timeout, using default")
		return 0
	}
	return d
}

// snapshot builds the host-facing Status, called from within
// hostbridge.Bridge.ServiceStatus on the host thread.
func (s *Session) snapshot() hostbridge.Status {
	s.mu.Lock()
	capturing := s.state == StateRunning
	packets := s.packetsCaptured
	s.mu.Unlock()
	return hostbridge.Status{
		Capturing: capturing,
		Packets:   packets,
		Filtered:  s.filters.Sizes(),
	}
}

// Start begins capturing and launches the worker pools. It is an error
// to call Start from any state other than Configured or Stopped.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigured && s.state != StateStopped {
		return otuserr.New(otuserr.KindBug, "session", fmt.Errorf("start called in state %s", s.state))
	}

	s.dpool.Start()
	s.sdispatch.Start()

	if err := s.capture.Start(s.onRawPacket); err != nil {
		return err
	}

	s.state = StateRunning
	s.bridge.SignalStatus()
	return nil
}

// onRawPacket wraps a captured frame in a raw layer and enqueues it,
// per spec.md §6's analyze() semantics.
func (s *Session) onRawPacket(raw capture.RawPacket) {
	pkt := packet.Packet{
		Timestamp:      raw.Timestamp,
		CapturedLength: raw.CapturedLength,
		OriginalLength: raw.OriginalLength,
		Payload:        raw.Payload,
		Layers:         []packet.Layer{packet.NewRawLayer(s.cfg.Namespace, raw.Payload)},
	}
	if err := s.q.Push(pkt); err != nil {
		return
	}
	s.mu.Lock()
	s.packetsCaptured++
	s.mu.Unlock()
}

// enqueueVirtual pushes a stream-dissector-synthesised packet back into
// the queue for fresh dissection, per spec.md §4.5's loopback design.
func (s *Session) enqueueVirtual(layers []packet.Layer) {
	pkt := packet.Packet{Layers: layers}
	_ = s.q.Push(pkt)
}

// Stop halts capture and drains the pipeline, leaving the store and
// filter views intact for inspection. It does not tear down the
// filter manager; call Destroy for that.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindBug, "session", fmt.Errorf("stop called in state %s", s.state))
	}
	s.state = StateStopped
	s.mu.Unlock()

	_ = s.capture.Stop()
	s.q.Close()
	s.dpool.Wait()
	s.sdispatch.Close()
	s.sdispatch.Wait()
	s.bridge.SignalStatus()
	return nil
}

// Destroy releases all resources. After Destroy the session must not
// be used again.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()
	s.filters.CloseAll()
	s.bridge.Close()
}

// SetInterface configures the capture interface; rejected while Running.
func (s *Session) SetInterface(name string) error { return s.capture.SetInterface(name) }

// SetPromiscuous toggles promiscuous mode for the next Start.
func (s *Session) SetPromiscuous(v bool) error { return s.capture.SetPromiscuous(v) }

// SetSnaplen sets the capture snaplen for the next Start.
func (s *Session) SetSnaplen(n int) error { return s.capture.SetSnaplen(n) }

// SetBPF sets the capture-level filter; it is compiled and applied at
// once while capturing, otherwise when Start activates the capture.
func (s *Session) SetBPF(expr string) error { return s.capture.SetBPF(expr) }

// Filter installs or replaces a named predicate filter over the
// session's packet store, per spec.md §4.6.
func (s *Session) Filter(name, expression string) error {
	return s.filters.Set(name, expression)
}

// Get returns the packet stored at seq.
func (s *Session) Get(seq uint32) (packet.Packet, bool) { return s.st.Get(seq) }

// GetFiltered returns the matching seqs for name within [start, end).
func (s *Session) GetFiltered(name string, start, end uint32) []uint32 {
	view := s.filters.Get(name)
	if view == nil {
		return nil
	}
	return view.Range(start, end)
}

// SetStatusCallback installs the host's status callback.
func (s *Session) SetStatusCallback(cb func(hostbridge.Status)) { s.bridge.SetStatusCallback(cb) }

// SetLogCallback installs the host's log callback.
func (s *Session) SetLogCallback(cb func(hostbridge.LogMessage)) { s.bridge.SetLogCallback(cb) }

// ServiceStatus and ServiceLogs must be called periodically from the
// host thread to drain coalesced bridge deliveries.
func (s *Session) ServiceStatus() { s.bridge.ServiceStatus() }
func (s *Session) ServiceLogs()   { s.bridge.ServiceLogs() }

// Devices lists capturable interfaces.
func Devices() ([]capture.Device, error) { return capture.Devices() }

// Permission reports whether this process can open a capture device.
func Permission() bool { return capture.Permission() }
