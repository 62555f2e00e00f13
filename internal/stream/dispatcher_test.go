package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/packet"
)

// concatDissector buffers chunk payloads per flow and, once it has
// seen a FIN chunk, emits one virtual packet with the concatenation.
type concatDissector struct {
	mu  sync.Mutex
	buf map[string][]byte
}

func newConcatDissector() *concatDissector {
	return &concatDissector{buf: make(map[string][]byte)}
}

func (d *concatDissector) Accepts(flowID []byte) bool { return true }

func (d *concatDissector) Invoke(flowID []byte, c dissect.Chunk) ([]dissect.Chunk, [][]packet.Layer, []dissect.Log, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := string(flowID)
	d.buf[key] = append(d.buf[key], c.Payload...)
	if !c.Fin {
		return nil, nil, nil, nil
	}
	payload := d.buf[key]
	return nil, [][]packet.Layer{{{Namespace: "test", Name: packet.RawLayerName, Payload: payload, Confidence: 1}}}, nil, nil
}

func TestReassemblyOrdersOutOfOrderChunks(t *testing.T) {
	d := newConcatDissector()
	var vp [][]packet.Layer
	var mu sync.Mutex
	done := make(chan struct{})

	disp := New(Config{
		Threads:    2,
		Dissectors: []dissect.StreamDissector{d},
		EmitVirtualPacket: func(layers []packet.Layer) {
			mu.Lock()
			vp = append(vp, layers)
			mu.Unlock()
			close(done)
		},
		Log: func(dissect.Log) {},
	})
	disp.Start()

	flow := []byte("flow-A")
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 0, Payload: []byte("AB")}})
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 2, Payload: []byte("EF"), Fin: true}})
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 1, Payload: []byte("CD")}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for virtual packet")
	}

	disp.Close()
	disp.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, vp, 1)
	assert.Equal(t, "ABCDEF", string(vp[0][0].Payload))
}

func TestWindowOverflowDropsOldestAndWarns(t *testing.T) {
	var warned bool
	var mu sync.Mutex

	disp := New(Config{
		Threads:           1,
		MaxBufferedChunks: 2,
		Dissectors:        []dissect.StreamDissector{noopDissector{}},
		Log: func(l dissect.Log) {
			mu.Lock()
			defer mu.Unlock()
			if l.Level == dissect.LevelWarn {
				warned = true
			}
		},
	})
	disp.Start()

	flow := []byte("flow-B")
	// Never send seq 0, so seq 1,2,3 all stay buffered, forcing overflow.
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 1, Payload: []byte("x")}})
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 2, Payload: []byte("x")}})
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 3, Payload: []byte("x")}})

	disp.Close()
	disp.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, warned)
}

func TestIdleFlowIsRetiredWithoutFIN(t *testing.T) {
	var warned bool
	var mu sync.Mutex
	var seqsSeen []uint64

	recorder := recordingDissector{seen: &seqsSeen, mu: &mu}
	disp := New(Config{
		Threads:     1,
		IdleTimeout: 30 * time.Millisecond,
		Dissectors:  []dissect.StreamDissector{recorder},
		Log: func(l dissect.Log) {
			mu.Lock()
			defer mu.Unlock()
			if l.Level == dissect.LevelWarn {
				warned = true
			}
		},
	})
	disp.Start()

	flow := []byte("flow-idle")
	// No FIN on this chunk: only the idle sweep can retire the flow.
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 0, Payload: []byte("x")}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return warned
	}, 2*time.Second, 5*time.Millisecond, "expected idle timeout warning")

	// The flow state was retired, so stream-sequence 0 is expected again.
	disp.Insert(0, []dissect.Chunk{{FlowID: flow, StreamSeq: 0, Payload: []byte("y")}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, s := range seqsSeen {
			if s == 0 {
				count++
			}
		}
		return count == 2
	}, 2*time.Second, 5*time.Millisecond, "expected stream-sequence 0 to be redelivered after retirement")

	disp.Close()
	disp.Wait()
}

type recordingDissector struct {
	seen *[]uint64
	mu   *sync.Mutex
}

func (recordingDissector) Accepts(flowID []byte) bool { return true }
func (d recordingDissector) Invoke(flowID []byte, c dissect.Chunk) ([]dissect.Chunk, [][]packet.Layer, []dissect.Log, error) {
	d.mu.Lock()
	*d.seen = append(*d.seen, c.StreamSeq)
	d.mu.Unlock()
	return nil, nil, nil, nil
}

type noopDissector struct{}

func (noopDissector) Accepts(flowID []byte) bool { return true }
func (noopDissector) Invoke(flowID []byte, c dissect.Chunk) ([]dissect.Chunk, [][]packet.Layer, []dissect.Log, error) {
	return nil, nil, nil, nil
}
