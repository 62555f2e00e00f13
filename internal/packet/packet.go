// Package packet defines the immutable record types that flow through
// the capture pipeline: Packet, Layer and the tagged attribute values a
// dissector attaches to a layer.
package packet

import "time"

// AttrKind tags the concrete type carried by an AttrValue.
type AttrKind int

const (
	AttrInt AttrKind = iota
	AttrFloat
	AttrBytes
	AttrString
	AttrObject
)

// AttrValue is the closed tagged union a dissector may attach to a
// layer attribute. Exactly one of the typed fields is meaningful,
// selected by Kind; this keeps attribute values serializable across
// the host-bridge boundary instead of leaking arbitrary interface{}
// values dissectors might stash.
type AttrValue struct {
	Kind    AttrKind
	Int     int64
	Float   float64
	Bytes   []byte
	Str     string
	Object  []Attribute
}

func Int(v int64) AttrValue              { return AttrValue{Kind: AttrInt, Int: v} }
func Float(v float64) AttrValue          { return AttrValue{Kind: AttrFloat, Float: v} }
func Bytes(v []byte) AttrValue           { return AttrValue{Kind: AttrBytes, Bytes: v} }
func String(v string) AttrValue          { return AttrValue{Kind: AttrString, Str: v} }
func Object(v []Attribute) AttrValue     { return AttrValue{Kind: AttrObject, Object: v} }

// Attribute is one named entry in a Layer's ordered attribute set.
type Attribute struct {
	Key   string
	Value AttrValue
}

// Layer is a namespaced, immutable protocol view over a packet's bytes.
// Layers form an ordered sequence within a Packet; the first is always
// the "raw" layer inserted by Session.onRawPacket.
type Layer struct {
	Namespace  string
	Name       string
	Payload    []byte
	Attributes []Attribute
	Confidence float64
}

// RawLayerName is the name analyze() assigns to the first layer of
// every packet, before any dissector has run.
const RawLayerName = "raw"

// NewRawLayer builds the initial raw layer for a freshly captured buffer.
func NewRawLayer(namespace string, payload []byte) Layer {
	return Layer{
		Namespace:  namespace,
		Name:       RawLayerName,
		Payload:    payload,
		Confidence: 1,
	}
}

// Packet is an immutable record of one frame. Seq is assigned by the
// store on insertion and is zero (unassigned) while the packet is
// still owned by the queue or a dissector worker.
type Packet struct {
	Seq            uint32
	Timestamp      time.Time
	CapturedLength int
	OriginalLength int
	Layers         []Layer
	Payload        []byte
}

// WithSeq returns a copy of p with Seq set, used by the store at
// insertion time; packets are otherwise never mutated after creation.
func (p Packet) WithSeq(seq uint32) Packet {
	p.Seq = seq
	return p
}

// WithLayers returns a copy of p with an additional layer appended,
// used by dissector workers to accumulate layers across passes
// without mutating a packet another goroutine might still read.
func (p Packet) WithLayers(layers ...Layer) Packet {
	next := make([]Layer, len(p.Layers)+len(layers))
	copy(next, p.Layers)
	copy(next[len(p.Layers):], layers)
	p.Layers = next
	return p
}

// Layer returns the first layer with the given name, or (Layer{}, false).
func (p Packet) Layer(name string) (Layer, bool) {
	for _, l := range p.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

// HasLayer reports whether any layer in p matches namespace and name.
// An empty namespace matches any namespace.
func (p Packet) HasLayer(namespace, name string) bool {
	for _, l := range p.Layers {
		if (namespace == "" || l.Namespace == namespace) && l.Name == name {
			return true
		}
	}
	return false
}
