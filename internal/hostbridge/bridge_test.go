package hostbridge

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/firestige/otuscore/internal/dissect"
)

func TestStatusCoalescesBetweenServiceCycles(t *testing.T) {
	var calls int32
	b := New(func() Status { return Status{Capturing: true, Packets: 42} })
	b.SetStatusCallback(func(Status) { atomic.AddInt32(&calls, 1) })

	for i := 0; i < 10; i++ {
		b.SignalStatus()
	}
	b.ServiceStatus()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStatusNoOpWithoutSignal(t *testing.T) {
	var calls int32
	b := New(func() Status { return Status{} })
	b.SetStatusCallback(func(Status) { atomic.AddInt32(&calls, 1) })

	b.ServiceStatus()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestLogDedupDeliversLatestPerKey(t *testing.T) {
	b := New(func() Status { return Status{} })
	var mu sync.Mutex
	var delivered []LogMessage
	b.SetLogCallback(func(m LogMessage) {
		mu.Lock()
		delivered = append(delivered, m)
		mu.Unlock()
	})

	for i := 0; i < 1000; i++ {
		b.Log(LogMessage{Domain: "x", ResourceName: "r", SourceLine: "s", Message: "m"})
	}
	b.ServiceLogs()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 1)
	assert.Equal(t, "x", delivered[0].Domain)
}

func TestLogDedupKeepsDistinctKeysSeparate(t *testing.T) {
	b := New(func() Status { return Status{} })
	var mu sync.Mutex
	var delivered []LogMessage
	b.SetLogCallback(func(m LogMessage) {
		mu.Lock()
		delivered = append(delivered, m)
		mu.Unlock()
	})

	b.Log(LogMessage{Domain: "x", Message: "one"})
	b.Log(LogMessage{Domain: "x", Message: "two"})
	b.ServiceLogs()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 2)
}

func TestCloseDropsPendingSignalsAndLogs(t *testing.T) {
	var statusCalls, logCalls int32
	b := New(func() Status { return Status{} })
	b.SetStatusCallback(func(Status) { atomic.AddInt32(&statusCalls, 1) })
	b.SetLogCallback(func(LogMessage) { atomic.AddInt32(&logCalls, 1) })

	b.SignalStatus()
	b.Log(LogMessage{Domain: "x", Message: "m", Level: dissect.LevelWarn})
	b.Close()

	b.ServiceStatus()
	b.ServiceLogs()

	assert.Equal(t, int32(0), atomic.LoadInt32(&statusCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&logCalls))
}
