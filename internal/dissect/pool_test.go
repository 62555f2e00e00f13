package dissect

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/otuscore/internal/packet"
)

// identityDissector fires once on the raw layer and adds an "Eth" layer.
type identityDissector struct{}

func (identityDissector) Accepts(l packet.Layer) bool { return l.Name == packet.RawLayerName }
func (identityDissector) Invoke(l packet.Layer, ns string) ([]packet.Layer, []Chunk, []Log, error) {
	return []packet.Layer{{Namespace: ns, Name: "Eth", Payload: l.Payload, Confidence: 1}}, nil, nil, nil
}

func TestPoolAppendsLayersAndStores(t *testing.T) {
	in := make(chan packet.Packet, 1)
	in <- packet.Packet{Layers: []packet.Layer{packet.NewRawLayer("test", []byte{0xDE, 0xAD})}}
	closed := make(chan struct{})

	var stored []packet.Packet
	var mu sync.Mutex

	ctx := Context{
		Pop: func() (packet.Packet, error) {
			select {
			case p := <-in:
				return p, nil
			case <-closed:
				return packet.Packet{}, assertClosedErr
			}
		},
		StorePacket: func(p packet.Packet) uint32 {
			mu.Lock()
			defer mu.Unlock()
			stored = append(stored, p)
			close(closed)
			return uint32(len(stored) - 1)
		},
		Log:        func(Log) {},
		Namespace:  "test",
		Dissectors: []Dissector{identityDissector{}},
	}

	pool := NewPool(ctx, 1)
	pool.Start()
	pool.Wait()

	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Layers, 2)
	assert.Equal(t, "Eth", stored[0].Layers[1].Name)
}

// cappedDissector always fires and always appends a layer, to exercise
// the MaxPasses safety cap.
type cappedDissector struct{ calls *int }

func (d cappedDissector) Accepts(l packet.Layer) bool { return true }
func (d cappedDissector) Invoke(l packet.Layer, ns string) ([]packet.Layer, []Chunk, []Log, error) {
	*d.calls++
	return []packet.Layer{{Namespace: ns, Name: "loop", Confidence: 1}}, nil, nil, nil
}

func TestPoolStopsAtMaxPassesAndWarns(t *testing.T) {
	in := make(chan packet.Packet, 1)
	in <- packet.Packet{Layers: []packet.Layer{packet.NewRawLayer("test", nil)}}
	done := make(chan struct{})

	var warnLogged bool
	var mu sync.Mutex

	calls := 0
	ctx := Context{
		Pop: func() (packet.Packet, error) {
			select {
			case p := <-in:
				return p, nil
			case <-done:
				return packet.Packet{}, assertClosedErr
			}
		},
		StorePacket: func(p packet.Packet) uint32 {
			close(done)
			return 0
		},
		Log: func(l Log) {
			mu.Lock()
			defer mu.Unlock()
			if l.Level == LevelWarn {
				warnLogged = true
			}
		},
		Namespace:  "test",
		Dissectors: []Dissector{cappedDissector{calls: &calls}},
	}

	pool := NewPool(ctx, 1)
	pool.Start()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, warnLogged)
	assert.Equal(t, MaxPasses, calls)
}

var assertClosedErr = errClosedForTest{}

type errClosedForTest struct{}

func (errClosedForTest) Error() string { return "closed" }
