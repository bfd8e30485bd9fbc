// Package assembler contains the access-unit assembler: it converts a
// stream of possibly out-of-order, possibly-lost RTP packets into
// complete, correctly ordered H264 access units.
package assembler

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/streamkit/rtpassembler/pkg/rtph264"
	"github.com/streamkit/rtpassembler/pkg/rtpseq"
)

// AccessUnit is one assembled access unit: the NAL units of one video
// frame, AVCC-encoded, tagged with their RTP timestamp.
type AccessUnit struct {
	Timestamp uint32
	Data      []byte

	// Complete is false when the access unit was salvaged from a
	// damaged state and may be missing NAL units.
	Complete bool
}

// Source is the packet source consumed by the Assembler.
// It is implemented by rtpsource.Source.
type Source interface {
	// Head returns the pending packet with the lowest sequence number
	// without removing it.
	Head() (*rtp.Packet, bool)

	// Pop removes and returns the pending packet with the lowest
	// sequence number.
	Pop() (*rtp.Packet, bool)

	// Snapshot returns the pending packets in sequence order.
	Snapshot() []*rtp.Packet

	// DiscardBelow removes every pending packet whose sequence number
	// comes before seq in cyclic order.
	DiscardBelow(seq uint16) int

	// Ended reports whether the end-of-stream signal was received.
	Ended() bool

	// Jitter returns the inter-arrival jitter estimate, in RTP clock units.
	Jitter() float64

	// PlayoutDeadline estimates the time by which the packet with the
	// given sequence number must have been consumed to still be useful.
	PlayoutDeadline(seq uint16) (time.Time, bool)

	// RequestRetransmission asks the sender to retransmit the packets
	// in the range [first, last]. It is internally rate-limited.
	RequestRetransmission(first, last uint16) bool
}

// Assembler converts the RTP packets of a single stream into access
// units. AssembleMore must be called by a single goroutine; lifecycle
// signals (StreamEnded, PacketLost) may come from others and are
// observed at the top of the next attempt.
type Assembler struct {
	// Source of packets. Mandatory.
	Source Source

	// Called with each submitted access unit. Delivery is
	// fire-and-forget. Mandatory.
	OnAccessUnit func(*AccessUnit)

	// Clock rate of the stream. Mandatory (90000 for video).
	ClockRate int

	// Multiplier applied to the jitter estimate to obtain the time to
	// wait for a missing packet before skipping it.
	// It defaults to 2.
	JitterMultiplier float64

	// Clamps on the gap wait time.
	// They default to 10ms and 500ms.
	MinGapWait time.Duration
	MaxGapWait time.Duration

	// Minimum ratio between the bytes accumulated in a damaged access
	// unit and the typical access-unit size for the damaged unit to be
	// salvaged and submitted anyway. It defaults to 0.5.
	GoodRatio float64

	// Maximum size of a reconstructed NAL unit.
	// It defaults to h264.MaxAccessUnitSize.
	MaxNALUSize int

	// time.Now function. Defaults to time.Now.
	TimeNow func() time.Time

	decoder rtph264.Decoder

	nextExpectedSeqValid bool
	nextExpectedSeq      uint16
	auTimestampValid     bool
	auTimestamp          uint32
	damaged              bool
	nalUnits             [][]byte
	nalUnitsSize         int

	gapActive bool
	gapSeq    uint16
	gapSince  time.Time

	avgAUSize float64
	finished  bool

	ended     atomic.Bool
	lostCount atomic.Int32
}

// Initialize initializes the Assembler.
func (a *Assembler) Initialize() error {
	if a.Source == nil {
		return fmt.Errorf("Source is mandatory")
	}

	if a.OnAccessUnit == nil {
		return fmt.Errorf("OnAccessUnit is mandatory")
	}

	if a.ClockRate <= 0 {
		return fmt.Errorf("invalid ClockRate")
	}

	if a.JitterMultiplier == 0 {
		a.JitterMultiplier = 2
	}

	if a.MinGapWait == 0 {
		a.MinGapWait = 10 * time.Millisecond
	}

	if a.MaxGapWait == 0 {
		a.MaxGapWait = 500 * time.Millisecond
	}

	if a.GoodRatio == 0 {
		a.GoodRatio = 0.5
	}

	if a.TimeNow == nil {
		a.TimeNow = time.Now
	}

	a.decoder = rtph264.Decoder{MaxNALUSize: a.MaxNALUSize}
	return a.decoder.Init()
}

// StreamEnded latches the end-of-stream signal. The in-progress access
// unit is flushed by the next AssembleMore call.
func (a *Assembler) StreamEnded() {
	a.ended.Store(true)
}

// PacketLost records an externally detected packet loss (as opposed to
// one inferred from a queue gap). The next expected sequence number is
// advanced past the lost packet by the next AssembleMore call.
func (a *Assembler) PacketLost() {
	a.lostCount.Add(1)
}

// AssembleMore consumes as many pending packets as possible and returns
// the outcome of the attempt. It never blocks: waiting for a missing
// packet is expressed by returning StatusNotEnoughData so the caller
// can retry later.
func (a *Assembler) AssembleMore() Status {
	if a.finished {
		return StatusStreamEnded
	}

	for n := a.lostCount.Swap(0); n > 0; n-- {
		if a.nextExpectedSeqValid {
			a.nextExpectedSeq++
			if a.buildingAccessUnit() {
				a.damaged = true
			}
		}
	}

	if a.ended.Load() || a.Source.Ended() {
		return a.flush()
	}

	for {
		status, stop := a.addNALUnit()
		if stop {
			return status
		}
	}
}

// buildingAccessUnit reports whether an access unit is in progress.
func (a *Assembler) buildingAccessUnit() bool {
	return len(a.nalUnits) > 0 || a.decoder.FragmentActive() || a.damaged
}

func (a *Assembler) addNALUnit() (Status, bool) {
	head, ok := a.Source.Head()
	if !ok {
		return StatusNotEnoughData, true
	}

	if !a.nextExpectedSeqValid {
		a.nextExpectedSeqValid = true
		a.nextExpectedSeq = head.SequenceNumber
	} else if a.Source.DiscardBelow(a.nextExpectedSeq) > 0 {
		// duplicate or stale packets, dropped without affecting state
		head, ok = a.Source.Head()
		if !ok {
			return StatusNotEnoughData, true
		}
	}

	if head.SequenceNumber != a.nextExpectedSeq {
		return a.handleGap(head)
	}
	a.gapActive = false

	// a timestamp change closes the in-progress access unit before the
	// new one opens.
	if a.auTimestampValid && head.Timestamp != a.auTimestamp && a.buildingAccessUnit() {
		if a.decoder.FragmentActive() {
			a.damaged = true
			a.decoder.Reset()
		}
		return a.completeAccessUnit(), true
	}

	pkt, ok := a.Source.Pop()
	if !ok {
		return StatusNotEnoughData, true
	}

	// the producer may have inserted a stale packet below the inspected
	// head in the meantime; drop it without affecting state.
	if pkt.SequenceNumber != a.nextExpectedSeq {
		return StatusNotEnoughData, false
	}

	a.nextExpectedSeq = pkt.SequenceNumber + 1

	if !a.buildingAccessUnit() {
		a.auTimestampValid = true
		a.auTimestamp = pkt.Timestamp
	}

	nalus, err := a.decoder.Decode(pkt)

	switch {
	case err == nil:
		for _, nalu := range nalus {
			a.nalUnits = append(a.nalUnits, nalu)
			a.nalUnitsSize += len(nalu)
		}

	case errors.Is(err, rtph264.ErrMorePacketsNeeded):

	case errors.Is(err, rtph264.ErrMalformedPacket):
		logrus.WithFields(logrus.Fields{
			"seq": pkt.SequenceNumber,
			"err": err,
		}).Warn("malformed RTP payload")
		a.damaged = true
		a.completeAccessUnit()
		return StatusMalformed, true

	case errors.Is(err, rtph264.ErrFragmentDiscontinuity),
		errors.Is(err, rtph264.ErrNonStartingFragment):
		logrus.WithFields(logrus.Fields{
			"seq": pkt.SequenceNumber,
			"err": err,
		}).Debug("discarding fragment")
		if a.buildingAccessUnit() {
			a.damaged = true
		}
	}

	// a sender that never sets the marker must not grow the in-progress
	// access unit without bound. in-flight fragment bytes count too.
	if (a.nalUnitsSize+a.decoder.PendingFragmentSize()) > h264.MaxAccessUnitSize ||
		len(a.nalUnits) > h264.MaxNALUsPerAccessUnit {
		logrus.WithFields(logrus.Fields{
			"timestamp": a.auTimestamp,
			"size":      a.nalUnitsSize + a.decoder.PendingFragmentSize(),
			"count":     len(a.nalUnits),
		}).Warn("access unit exceeds maximum size, discarding")
		a.nalUnits = nil
		a.nalUnitsSize = 0
		a.damaged = false
		a.auTimestampValid = false
		a.decoder.Reset()
		return StatusMalformed, true
	}

	if pkt.Marker {
		// a marker with an unfinished fragment means the end fragment
		// was never sent; the unit cannot be completed intact.
		if a.decoder.FragmentActive() {
			a.damaged = true
		}
		return a.completeAccessUnit(), true
	}

	return StatusNotEnoughData, false
}

func (a *Assembler) gapWait() time.Duration {
	wait := time.Duration(a.JitterMultiplier * a.Source.Jitter() /
		float64(a.ClockRate) * float64(time.Second))
	return lo.Clamp(wait, a.MinGapWait, a.MaxGapWait)
}

func (a *Assembler) handleGap(head *rtp.Packet) (Status, bool) {
	now := a.TimeNow()

	if !a.gapActive || a.gapSeq != a.nextExpectedSeq {
		a.gapActive = true
		a.gapSeq = a.nextExpectedSeq
		a.gapSince = now
	}

	// ask for a retransmission while waiting; the requester suppresses
	// repeats for the same range.
	a.Source.RequestRetransmission(a.nextExpectedSeq, head.SequenceNumber-1)

	if now.Before(a.gapSince.Add(a.gapWait())) {
		return StatusNotEnoughData, true
	}

	// the missing packets are declared lost. skip to the best
	// resumption point and resume assembly there.
	resume := a.pickProperSeq(now, head)

	logrus.WithFields(logrus.Fields{
		"expected": a.nextExpectedSeq,
		"resume":   resume,
	}).Warn("sequence gap deadline passed, skipping ahead")

	if a.buildingAccessUnit() {
		a.damaged = true
	}
	a.decoder.Reset()
	a.gapActive = false
	a.nextExpectedSeq = resume
	a.Source.DiscardBelow(resume)

	return StatusNotEnoughData, false
}

// pickProperSeq selects the lowest pending sequence number that begins
// an independently decodable unit and is not itself already past its
// play-out deadline. It falls back to the queue head.
func (a *Assembler) pickProperSeq(now time.Time, head *rtp.Packet) uint16 {
	starts := lo.Filter(a.Source.Snapshot(), func(pkt *rtp.Packet, _ int) bool {
		return !rtpseq.IsBehind(pkt.SequenceNumber, a.nextExpectedSeq) &&
			rtph264.StartsNewUnit(pkt.Payload)
	})

	for _, pkt := range starts {
		if deadline, ok := a.Source.PlayoutDeadline(pkt.SequenceNumber); ok && now.After(deadline) {
			continue
		}
		return pkt.SequenceNumber
	}

	return head.SequenceNumber
}

func (a *Assembler) completeAccessUnit() Status {
	nalUnits := a.nalUnits
	size := a.nalUnitsSize
	damaged := a.damaged
	timestamp := a.auTimestamp

	a.nalUnits = nil
	a.nalUnitsSize = 0
	a.damaged = false
	a.auTimestampValid = false
	a.decoder.Reset()

	if len(nalUnits) == 0 {
		return StatusDamaged
	}

	if !damaged {
		data, err := h264.AVCC(nalUnits).Marshal()
		if err != nil {
			return StatusDamaged
		}

		if a.avgAUSize == 0 {
			a.avgAUSize = float64(size)
		} else {
			a.avgAUSize += (float64(size) - a.avgAUSize) / 8
		}

		a.OnAccessUnit(&AccessUnit{
			Timestamp: timestamp,
			Data:      data,
			Complete:  true,
		})
		return StatusSuccess
	}

	if a.avgAUSize > 0 && float64(size) >= a.GoodRatio*a.avgAUSize {
		data, err := h264.AVCC(nalUnits).Marshal()
		if err != nil {
			return StatusDamaged
		}

		logrus.WithFields(logrus.Fields{
			"timestamp": timestamp,
			"size":      size,
		}).Warn("submitting salvaged partial access unit")

		a.OnAccessUnit(&AccessUnit{
			Timestamp: timestamp,
			Data:      data,
			Complete:  false,
		})
		return StatusPartialSuccess
	}

	logrus.WithFields(logrus.Fields{
		"timestamp": timestamp,
		"size":      size,
	}).Debug("dropping damaged access unit")

	return StatusDamaged
}

// flush performs the final completion decision for the in-progress
// access unit, then permanently disables the assembler for this stream.
func (a *Assembler) flush() Status {
	a.finished = true

	if !a.buildingAccessUnit() {
		return StatusStreamEnded
	}

	// the marker packet never arrived, so even an undamaged unit is
	// incomplete at end of stream. run it through the salvage decision.
	a.damaged = true
	return a.completeAccessUnit()
}
