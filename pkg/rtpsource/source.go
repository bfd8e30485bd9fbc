// Package rtpsource contains the receive-side state of a single RTP
// stream: the ordered pending-packet queue, the inter-arrival jitter
// estimate, play-out deadline estimation and rate-limited
// retransmission requests.
package rtpsource

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/streamkit/rtpassembler/pkg/packetqueue"
	"github.com/streamkit/rtpassembler/pkg/rtpseq"
)

// Source is the receive-side state of a single RTP stream. It is safe
// for use by one producer (the transport receive path, through
// ProcessPacket) and one consumer (the assembler) concurrently.
type Source struct {
	// Clock rate of the stream. Mandatory (90000 for video).
	ClockRate int

	// Assumed delay between the arrival of a packet and its play-out.
	// Used to estimate play-out deadlines. It defaults to 200ms.
	PlayoutDelay time.Duration

	// time.Now function. Defaults to time.Now.
	TimeNow func() time.Time

	// ID of the stream, generated by Initialize when zero.
	ID uuid.UUID

	// Nack is the retransmission requester. Optional; when nil,
	// RequestRetransmission reports failure.
	Nack *NackRequester

	queue *packetqueue.Queue

	mutex           sync.Mutex
	firstReceived   bool
	remoteSSRC      uint32
	jitter          float64
	lastTimeRTP     uint32
	lastTimeSystem  time.Time
	lastArrival     time.Time
	timeInitialized bool
}

// Initialize initializes the Source.
func (s *Source) Initialize() error {
	if s.ClockRate <= 0 {
		return fmt.Errorf("invalid ClockRate")
	}

	if s.PlayoutDelay == 0 {
		s.PlayoutDelay = 200 * time.Millisecond
	}

	if s.TimeNow == nil {
		s.TimeNow = time.Now
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	if s.Nack != nil {
		if err := s.Nack.initialize(s.TimeNow); err != nil {
			return err
		}
	}

	s.queue = packetqueue.New()

	return nil
}

// ProcessPacket inserts an incoming RTP packet into the pending queue
// and updates the jitter estimate. The packet must not be mutated
// afterwards.
func (s *Source) ProcessPacket(pkt *rtp.Packet, arrival time.Time) error {
	s.mutex.Lock()

	if !s.firstReceived {
		s.firstReceived = true
		s.remoteSSRC = pkt.SSRC
	} else if pkt.SSRC != s.remoteSSRC {
		s.mutex.Unlock()
		return fmt.Errorf("received packet with wrong SSRC %d, expected %d", pkt.SSRC, s.remoteSSRC)
	}

	if s.timeInitialized {
		// https://tools.ietf.org/html/rfc3550#page-39
		D := arrival.Sub(s.lastTimeSystem).Seconds()*float64(s.ClockRate) -
			(float64(pkt.Timestamp) - float64(s.lastTimeRTP))
		if D < 0 {
			D = -D
		}
		s.jitter += (D - s.jitter) / 16
	}

	s.timeInitialized = true
	s.lastTimeRTP = pkt.Timestamp
	s.lastTimeSystem = arrival
	s.lastArrival = arrival

	if s.Nack != nil {
		s.Nack.setMediaSSRC(s.remoteSSRC)
	}

	s.mutex.Unlock()

	if !s.queue.Push(pkt) {
		logrus.WithFields(logrus.Fields{
			"source": s.ID,
			"seq":    pkt.SequenceNumber,
		}).Debug("discarding duplicate RTP packet")
	}

	return nil
}

// StreamEnded latches the end-of-stream signal.
func (s *Source) StreamEnded() {
	s.queue.SetEnded()
}

// Ended reports whether the end-of-stream signal was received.
func (s *Source) Ended() bool {
	return s.queue.Ended()
}

// Head returns the pending packet with the lowest sequence number
// without removing it.
func (s *Source) Head() (*rtp.Packet, bool) {
	return s.queue.Head()
}

// Pop removes and returns the pending packet with the lowest sequence
// number.
func (s *Source) Pop() (*rtp.Packet, bool) {
	return s.queue.Pop()
}

// Snapshot returns the pending packets in sequence order.
func (s *Source) Snapshot() []*rtp.Packet {
	return s.queue.Snapshot()
}

// DiscardBelow removes every pending packet whose sequence number comes
// before seq in cyclic order.
func (s *Source) DiscardBelow(seq uint16) int {
	return s.queue.DiscardBelow(seq)
}

// Jitter returns the current inter-arrival jitter estimate, in RTP
// clock units.
func (s *Source) Jitter() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.jitter
}

// PlayoutDeadline estimates the time by which the packet with the given
// sequence number must have been consumed to still be useful. The
// estimate is derived from the arrival time and timestamp of the first
// pending packet at or after seq, falling back to the last arrival.
func (s *Source) PlayoutDeadline(seq uint16) (time.Time, bool) {
	s.mutex.Lock()
	lastArrival := s.lastArrival
	lastTimeRTP := s.lastTimeRTP
	initialized := s.timeInitialized
	s.mutex.Unlock()

	if !initialized {
		return time.Time{}, false
	}

	for _, pkt := range s.queue.Snapshot() {
		if !rtpseq.IsBehind(pkt.SequenceNumber, seq) {
			diff := rtpseq.TimestampDiff(pkt.Timestamp, lastTimeRTP)
			offset := time.Duration(diff) * time.Second / time.Duration(s.ClockRate)
			return lastArrival.Add(offset).Add(s.PlayoutDelay), true
		}
	}

	return lastArrival.Add(s.PlayoutDelay), true
}

// RequestRetransmission asks the sender to retransmit the packets in
// the range [first, last]. Requests are rate-limited; it reports
// whether a request was actually emitted.
func (s *Source) RequestRetransmission(first, last uint16) bool {
	if s.Nack == nil {
		return false
	}

	ok := s.Nack.Request(first, last)
	if ok {
		logrus.WithFields(logrus.Fields{
			"source": s.ID,
			"first":  first,
			"last":   last,
		}).Debug("requested retransmission")
	}
	return ok
}
