package rtpsource

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func sourcePkt(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x11223344,
		},
		Payload: []byte{0x65, 0x01},
	}
}

func TestInitialize(t *testing.T) {
	s := &Source{}
	require.Error(t, s.Initialize())

	s = &Source{ClockRate: 90000}
	require.NoError(t, s.Initialize())
	require.NotZero(t, s.ID)
	require.Equal(t, 200*time.Millisecond, s.PlayoutDelay)
}

func TestProcessPacketOrdering(t *testing.T) {
	s := &Source{ClockRate: 90000}
	require.NoError(t, s.Initialize())

	base := time.Date(2018, time.February, 20, 20, 0, 0, 0, time.UTC)

	for i, seq := range []uint16{102, 100, 101} {
		err := s.ProcessPacket(sourcePkt(seq, 90000), base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	p, ok := s.Head()
	require.True(t, ok)
	require.Equal(t, uint16(100), p.SequenceNumber)
	require.Len(t, s.Snapshot(), 3)
}

func TestProcessPacketWrongSSRC(t *testing.T) {
	s := &Source{ClockRate: 90000}
	require.NoError(t, s.Initialize())

	base := time.Date(2018, time.February, 20, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.ProcessPacket(sourcePkt(100, 90000), base))

	bad := sourcePkt(101, 90000)
	bad.SSRC = 0x55667788
	require.Error(t, s.ProcessPacket(bad, base))
	require.Len(t, s.Snapshot(), 1)
}

func TestJitterEstimate(t *testing.T) {
	s := &Source{ClockRate: 90000}
	require.NoError(t, s.Initialize())

	base := time.Date(2018, time.February, 20, 20, 0, 0, 0, time.UTC)

	// packets spaced exactly per their timestamps produce zero jitter
	require.NoError(t, s.ProcessPacket(sourcePkt(100, 0), base))
	require.NoError(t, s.ProcessPacket(sourcePkt(101, 3000), base.Add(33333333*time.Nanosecond)))
	require.Less(t, s.Jitter(), 1.0)

	// a late packet raises the estimate
	require.NoError(t, s.ProcessPacket(sourcePkt(102, 6000), base.Add(150*time.Millisecond)))
	require.Greater(t, s.Jitter(), 100.0)
}

func TestPlayoutDeadline(t *testing.T) {
	now := time.Date(2018, time.February, 20, 20, 0, 0, 0, time.UTC)
	s := &Source{
		ClockRate:    90000,
		PlayoutDelay: 100 * time.Millisecond,
		TimeNow:      func() time.Time { return now },
	}
	require.NoError(t, s.Initialize())

	_, ok := s.PlayoutDeadline(100)
	require.False(t, ok)

	require.NoError(t, s.ProcessPacket(sourcePkt(100, 0), now))
	require.NoError(t, s.ProcessPacket(sourcePkt(103, 9000), now.Add(10*time.Millisecond)))

	// deadline of a missing packet is derived from the first pending
	// packet after it: 9000 ticks = 100ms after the last arrival base.
	deadline, ok := s.PlayoutDeadline(101)
	require.True(t, ok)
	require.Equal(t, now.Add(10*time.Millisecond).Add(100*time.Millisecond), deadline)

	// with no pending packet at or after seq, fall back to last arrival
	deadline, ok = s.PlayoutDeadline(200)
	require.True(t, ok)
	require.Equal(t, now.Add(10*time.Millisecond).Add(100*time.Millisecond), deadline)
}

func TestEndOfStream(t *testing.T) {
	s := &Source{ClockRate: 90000}
	require.NoError(t, s.Initialize())

	require.False(t, s.Ended())
	s.StreamEnded()
	require.True(t, s.Ended())
}
