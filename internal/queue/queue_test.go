package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/otuscore/internal/otuserr"
	"github.com/firestige/otuscore/internal/packet"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(packet.Packet{OriginalLength: i}))
	}
	for i := 0; i < 3; i++ {
		pkt, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, i, pkt.OriginalLength)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(1)
	done := make(chan packet.Packet)
	go func() {
		pkt, err := q.Pop()
		require.NoError(t, err)
		done <- pkt
	}()
	require.NoError(t, q.Push(packet.Packet{OriginalLength: 42}))
	pkt := <-done
	assert.Equal(t, 42, pkt.OriginalLength)
}

func TestCloseDrainsThenReturnsClosed(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(packet.Packet{OriginalLength: 1}))
	q.Close()

	pkt, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, 1, pkt.OriginalLength)

	_, err = q.Pop()
	assert.ErrorIs(t, err, otuserr.ErrClosed)
}

func TestPushAfterCloseFails(t *testing.T) {
	q := New(2)
	q.Close()
	err := q.Push(packet.Packet{})
	assert.ErrorIs(t, err, otuserr.ErrClosed)
}

func TestConcurrentProducersConsumersDrainFully(t *testing.T) {
	q := New(8)
	const n = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = q.Push(packet.Packet{OriginalLength: i})
		}
	}()

	seen := make(chan int, n)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			pkt, err := q.Pop()
			require.NoError(t, err)
			seen <- pkt.OriginalLength
		}
	}()
	wg.Wait()
	close(seen)
	count := 0
	for range seen {
		count++
	}
	assert.Equal(t, n, count)
}
