// Package capture implements the external capture-source boundary
// contract from spec.md §6 with github.com/google/gopacket/pcap: live
// interface capture, device enumeration, and the BPF compile/apply
// path, grounded in the teacher's afpacket source adapter.
package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/firestige/otuscore/internal/otuserr"
)

// Device mirrors spec.md §6's devices() entry shape.
type Device struct {
	ID          string
	Name        string
	Description string
	Loopback    bool
}

// RawPacket is what the capture source hands to the session's capture
// callback (Session.onRawPacket): the
// frame bytes plus capture metadata. Session wraps this into the
// packet store's Packet/raw-Layer shape; capture itself knows nothing
// about layers.
type RawPacket struct {
	Payload        []byte
	Timestamp      time.Time
	CapturedLength int
	OriginalLength int
}

// Source is the capture-source boundary contract. It is implemented
// here with pcap but the session only depends on this interface, so a
// file-replay or afpacket-fanout source could be substituted.
type Source interface {
	SetInterface(name string) error
	SetPromiscuous(promisc bool) error
	SetSnaplen(snaplen int) error
	SetBPF(expr string) error
	Start(cb func(RawPacket)) error
	Stop() error
}

// PcapSource is the default Source implementation.
type PcapSource struct {
	mu sync.Mutex

	iface     string
	promisc   bool
	snaplen   int
	bpf       string
	handle    *pcap.Handle
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewPcapSource creates an inactive source; call the Set* methods then
// Start to begin capturing.
func NewPcapSource() *PcapSource {
	return &PcapSource{snaplen: 65535}
}

func (s *PcapSource) SetInterface(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return otuserr.New(otuserr.KindCapture, name, fmt.Errorf("cannot change interface while capturing"))
	}
	s.iface = name
	return nil
}

func (s *PcapSource) SetPromiscuous(promisc bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promisc = promisc
	return nil
}

func (s *PcapSource) SetSnaplen(snaplen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaplen = snaplen
	return nil
}

// SetBPF records expr and, if a handle is already active, compiles and
// applies it immediately, returning a compile failure synchronously as
// a BPFError. Before Start no compilation takes place: expr is only
// stored, and an invalid expression is reported as a BPFError by Start.
func (s *PcapSource) SetBPF(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpf = expr
	if s.handle != nil {
		if err := s.handle.SetBPFFilter(expr); err != nil {
			return otuserr.New(otuserr.KindBPF, s.iface, err)
		}
	}
	return nil
}

// Start opens the configured interface and streams packets to cb until Stop.
func (s *PcapSource) Start(cb func(RawPacket)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	inactive, err := pcap.NewInactiveHandle(s.iface)
	if err != nil {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindCapture, s.iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(s.snaplen); err != nil {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindCapture, s.iface, err)
	}
	if err := inactive.SetPromisc(s.promisc); err != nil {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindCapture, s.iface, err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindCapture, s.iface, err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		s.mu.Unlock()
		return otuserr.New(otuserr.KindCapture, s.iface, err)
	}
	if s.bpf != "" {
		if err := handle.SetBPFFilter(s.bpf); err != nil {
			handle.Close()
			s.mu.Unlock()
			return otuserr.New(otuserr.KindBPF, s.iface, err)
		}
	}

	s.handle = handle
	s.stopCh = make(chan struct{})
	s.running = true
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(handle, stopCh, cb)
	return nil
}

func (s *PcapSource) readLoop(handle *pcap.Handle, stopCh chan struct{}, cb func(RawPacket)) {
	defer s.wg.Done()
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()
	for {
		select {
		case <-stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			md := pkt.Metadata()
			cb(RawPacket{
				Payload:        pkt.Data(),
				Timestamp:      md.Timestamp,
				CapturedLength: md.CaptureLength,
				OriginalLength: md.Length,
			})
		}
	}
}

// Stop closes the handle; the read goroutine exits on its next packet
// or stop signal, whichever comes first.
func (s *PcapSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	handle := s.handle
	s.running = false
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	s.wg.Wait()
	return nil
}

// Devices wraps pcap.FindAllDevs for spec.md §6's static devices() probe.
func Devices() ([]Device, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, otuserr.New(otuserr.KindCapture, "", err)
	}
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, Device{
			ID:          d.Name,
			Name:        d.Name,
			Description: d.Description,
			Loopback:    d.Flags&pcap.PcapIfLoopback != 0,
		})
	}
	return out, nil
}

// Permission is the capability probe from spec.md §6: it attempts to
// open the first device inactive-only (no activation, no packets
// read) and reports whether that succeeded.
func Permission() bool {
	devs, err := pcap.FindAllDevs()
	if err != nil || len(devs) == 0 {
		return false
	}
	inactive, err := pcap.NewInactiveHandle(devs[0].Name)
	if err != nil {
		return false
	}
	defer inactive.CleanUp()
	return true
}
