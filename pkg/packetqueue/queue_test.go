package packetqueue

import (
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
		},
		Payload: []byte{0x65, 0x01},
	}
}

func TestPushOrdering(t *testing.T) {
	q := New()

	for _, seq := range []uint16{102, 100, 104, 101, 103} {
		require.True(t, q.Push(pkt(seq)))
	}

	require.Equal(t, 5, q.Len())

	for _, expected := range []uint16{100, 101, 102, 103, 104} {
		p, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, expected, p.SequenceNumber)
	}

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestPushDuplicate(t *testing.T) {
	q := New()

	require.True(t, q.Push(pkt(100)))
	require.False(t, q.Push(pkt(100)))
	require.Equal(t, 1, q.Len())
}

func TestOrderingAcrossWrap(t *testing.T) {
	q := New()

	for _, seq := range []uint16{3, 65534, 1, 65535, 0} {
		q.Push(pkt(seq))
	}

	for _, expected := range []uint16{65534, 65535, 0, 1, 3} {
		p, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, expected, p.SequenceNumber)
	}
}

func TestHead(t *testing.T) {
	q := New()

	_, ok := q.Head()
	require.False(t, ok)

	q.Push(pkt(55))
	q.Push(pkt(54))

	p, ok := q.Head()
	require.True(t, ok)
	require.Equal(t, uint16(54), p.SequenceNumber)
	require.Equal(t, 2, q.Len())
}

func TestDiscardBelow(t *testing.T) {
	q := New()

	for _, seq := range []uint16{65533, 65534, 65535, 0, 1, 2} {
		q.Push(pkt(seq))
	}

	require.Equal(t, 4, q.DiscardBelow(1))
	require.Equal(t, 2, q.Len())

	p, ok := q.Head()
	require.True(t, ok)
	require.Equal(t, uint16(1), p.SequenceNumber)
}

func TestSnapshot(t *testing.T) {
	q := New()

	for _, seq := range []uint16{300, 298, 299} {
		q.Push(pkt(seq))
	}

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, uint16(298), snap[0].SequenceNumber)
	require.Equal(t, uint16(300), snap[2].SequenceNumber)

	// snapshot does not consume
	require.Equal(t, 3, q.Len())
}

func TestEnded(t *testing.T) {
	q := New()
	require.False(t, q.Ended())
	q.SetEnded()
	require.True(t, q.Ended())
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			q.Push(pkt(uint16(i)))
		}
		q.SetEnded()
	}()

	got := 0
	for {
		if _, ok := q.Pop(); ok {
			got++
			continue
		}
		if q.Ended() && q.Len() == 0 {
			break
		}
	}

	wg.Wait()
	require.Equal(t, 500, got)
}
