package rtpsource

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/streamkit/rtpassembler/pkg/rtpseq"
)

// NackRequester emits rate-limited RTCP transport-layer NACKs.
// Repeated requests overlapping the previously requested range within
// the suppression window are dropped, to avoid feedback storms when the
// assembler re-evaluates the same gap on every attempt.
type NackRequester struct {
	// SSRC of the local receiver, used as sender SSRC in feedback.
	LocalSSRC uint32

	// Called when a NACK is ready to be written. Mandatory.
	WritePacketRTCP func(rtcp.Packet)

	// Maximum number of packets requested at once.
	// It defaults to 64.
	MaxRange int

	// Window during which overlapping requests are suppressed.
	// It defaults to 300ms.
	SuppressionWindow time.Duration

	timeNow func() time.Time

	mutex     sync.Mutex
	mediaSSRC uint32
	hasLast   bool
	lastFirst uint16
	lastLast  uint16
	lastSent  time.Time
}

func (n *NackRequester) initialize(timeNow func() time.Time) error {
	if n.WritePacketRTCP == nil {
		return fmt.Errorf("WritePacketRTCP is mandatory")
	}

	if n.MaxRange == 0 {
		n.MaxRange = 64
	}

	if n.SuppressionWindow == 0 {
		n.SuppressionWindow = 300 * time.Millisecond
	}

	n.timeNow = timeNow

	return nil
}

func (n *NackRequester) setMediaSSRC(ssrc uint32) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.mediaSSRC = ssrc
}

func rangesOverlap(a1, b1, a2, b2 uint16) bool {
	return !rtpseq.IsAhead(a2, b1) && !rtpseq.IsAhead(a1, b2)
}

// Request emits a NACK for the range [first, last], unless suppressed.
func (n *NackRequester) Request(first, last uint16) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if rtpseq.IsBehind(last, first) {
		return false
	}

	// bound the range
	if int(rtpseq.Diff(last, first)) >= n.MaxRange {
		last = first + uint16(n.MaxRange) - 1
	}

	now := n.timeNow()

	if n.hasLast &&
		now.Sub(n.lastSent) < n.SuppressionWindow &&
		rangesOverlap(first, last, n.lastFirst, n.lastLast) {
		return false
	}

	count := int(rtpseq.Diff(last, first)) + 1
	seqs := make([]uint16, count)
	for i := range seqs {
		seqs[i] = first + uint16(i)
	}

	n.WritePacketRTCP(&rtcp.TransportLayerNack{
		SenderSSRC: n.LocalSSRC,
		MediaSSRC:  n.mediaSSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(seqs),
	})

	n.hasLast = true
	n.lastFirst = first
	n.lastLast = last
	n.lastSent = now

	return true
}
