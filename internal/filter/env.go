package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/firestige/otuscore/internal/packet"
)

// Env is the sandboxed evaluation environment exposed to filter
// expressions and the session's filterScript prelude: the §6 "filter
// script environment" contract, implemented with expr-lang/expr
// instead of a foreign scripting runtime.
type Env struct {
	Packet PacketView
}

// PacketView adapts a stored packet.Packet to the handful of
// accessors a filter expression needs, so expressions never see the
// engine's internal types directly.
type PacketView struct {
	pkt packet.Packet
}

func NewPacketView(pkt packet.Packet) PacketView { return PacketView{pkt: pkt} }

// Layer returns the named layer's attribute view, or a zero-value view
// (whose Exists() is false) if the packet carries no such layer —
// mirroring the original `layer('Eth') != nil` idiom from spec.md's
// worked example via an explicit Exists check instead of nil.
func (p PacketView) Layer(name string) LayerView {
	l, ok := p.pkt.Layer(name)
	return LayerView{layer: l, exists: ok}
}

func (p PacketView) Seq() int64            { return int64(p.pkt.Seq) }
func (p PacketView) CapturedLength() int64 { return int64(p.pkt.CapturedLength) }
func (p PacketView) OriginalLength() int64 { return int64(p.pkt.OriginalLength) }

// LayerView is the per-layer accessor handed to expressions.
type LayerView struct {
	layer  packet.Layer
	exists bool
}

func (l LayerView) Exists() bool    { return l.exists }
func (l LayerView) Name() string    { return l.layer.Name }
func (l LayerView) Namespace() string { return l.layer.Namespace }

// Attr returns an attribute's value by key as an interface{}, or nil
// if absent, so expr's dynamic dispatch can compare/convert it.
func (l LayerView) Attr(key string) interface{} {
	for _, a := range l.layer.Attributes {
		if a.Key != key {
			continue
		}
		switch a.Value.Kind {
		case packet.AttrInt:
			return a.Value.Int
		case packet.AttrFloat:
			return a.Value.Float
		case packet.AttrBytes:
			return a.Value.Bytes
		case packet.AttrString:
			return a.Value.Str
		default:
			return nil
		}
	}
	return nil
}

// Compile compiles a filter's expression string together with the
// session's filterScript prelude into a reusable program. Prelude and
// expression are joined with a statement separator so the prelude may
// declare `let` bindings the expression then references — expr-lang's
// multi-statement form, used here in place of a two-stage "prelude
// then eval" foreign scripting pipeline.
func Compile(prelude, expression string) (*vm.Program, error) {
	full := expression
	if prelude != "" {
		full = prelude + "; " + expression
	}
	program, err := expr.Compile(full, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter expression: %w", err)
	}
	return program, nil
}

// Eval runs program against pkt and returns the boolean match result.
func Eval(program *vm.Program, pkt packet.Packet) (bool, error) {
	out, err := expr.Run(program, Env{Packet: NewPacketView(pkt)})
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression did not evaluate to bool")
	}
	return matched, nil
}
