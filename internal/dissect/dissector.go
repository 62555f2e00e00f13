// Package dissect implements the dissector-invocation contract (C4):
// pluggable units that turn one layer into further layers and/or
// stream chunks, and the fixed worker pool that drains the packet
// queue and drives them to a fixed point.
package dissect

import (
	"github.com/firestige/otuscore/internal/packet"
)

// Chunk is a transport-level byte range handed to the stream
// dispatcher for ordered reassembly. It carries no packet seq: the seq
// of the packet that produced it is passed alongside by the caller (the
// originSeq argument of Context.EmitChunks), not set by the dissector.
type Chunk struct {
	FlowID   []byte
	StreamSeq uint64
	Payload  []byte
	Fin      bool
}

// LogLevel mirrors the four levels spec.md's LogMessage recognizes.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Log is the wire shape a dissector or stream-dissector produces;
// DissectorWorker and StreamDispatcher forward these to the session's
// log sink unchanged.
type Log struct {
	Level        LogLevel
	Domain       string
	ResourceName string
	SourceLine   string
	Message      string
}

// Dissector is the external collaborator contract from spec.md §6: a
// pure function of (layer, namespace) that must not retain references
// to the input payload beyond return, and must be safe to call
// concurrently from multiple workers.
type Dissector interface {
	// Accepts reports whether this dissector wants to run against l.
	// Implementations typically match on l.Namespace and l.Name.
	Accepts(l packet.Layer) bool
	// Invoke runs the dissector against l within namespace ns.
	Invoke(l packet.Layer, ns string) (layers []packet.Layer, chunks []Chunk, logs []Log, err error)
}

// StreamDissector is the stream-level counterpart: given the ordered
// chunk stream of one flow, it may emit further chunks (chained
// reassembly) and/or virtual-packet layers to loop back into the queue.
type StreamDissector interface {
	// Accepts reports whether this stream-dissector claims flowID,
	// typically derived from the first chunk's addressing.
	Accepts(flowID []byte) bool
	// Invoke is called once per delivered chunk, in strict
	// stream-sequence order for a given flow.
	Invoke(flowID []byte, c Chunk) (emitChunks []Chunk, virtualPacketLayers [][]packet.Layer, logs []Log, err error)
}
