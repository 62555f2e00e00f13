package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/packet"
	"github.com/firestige/otuscore/internal/store"
)

func TestFilterMatchesOnlyPacketsWithLayer(t *testing.T) {
	s := store.New()
	wm := NewWatermark()
	s.AddHandler(wm.Advance)

	seqWith := s.Insert(packet.Packet{Layers: []packet.Layer{{Name: "Eth"}}})
	seqWithout := s.Insert(packet.Packet{Layers: []packet.Layer{{Name: packet.RawLayerName}}})

	mgr := NewManager(s, wm, "", 2, func(dissect.Log) {})
	require.NoError(t, mgr.Set("http", "Packet.Layer('Eth').Exists()"))

	view := mgr.Get("http")
	require.NotNil(t, view)

	require.Eventually(t, func() bool {
		return view.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	matches := view.Range(0, 2)
	assert.Equal(t, []uint32{seqWith}, matches)
	assert.NotContains(t, matches, seqWithout)

	mgr.CloseAll()
}

func TestFilterSetSameExpressionIsNoOp(t *testing.T) {
	s := store.New()
	wm := NewWatermark()
	s.AddHandler(wm.Advance)
	mgr := NewManager(s, wm, "", 1, func(dissect.Log) {})

	require.NoError(t, mgr.Set("a", "true"))
	first := mgr.Get("a")

	require.NoError(t, mgr.Set("a", "true"))
	second := mgr.Get("a")

	assert.Same(t, first, second)
	mgr.CloseAll()
}

func TestFilterReplaceInstallsNewExpression(t *testing.T) {
	s := store.New()
	wm := NewWatermark()
	s.AddHandler(wm.Advance)
	mgr := NewManager(s, wm, "", 1, func(dissect.Log) {})

	require.NoError(t, mgr.Set("a", "Packet.Seq() >= 100"))
	s.Insert(packet.Packet{})

	require.NoError(t, mgr.Set("a", "Packet.Seq() < 100"))
	view := mgr.Get("a")

	require.Eventually(t, func() bool {
		return view.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint32{0}, view.Range(0, 1))
	mgr.CloseAll()
}

func TestFilterCompileErrorRejectsCreation(t *testing.T) {
	s := store.New()
	wm := NewWatermark()
	mgr := NewManager(s, wm, "", 1, func(dissect.Log) {})

	err := mgr.Set("bad", "this is not valid expr syntax (((")
	assert.Error(t, err)
}
