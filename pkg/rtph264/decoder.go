// Package rtph264 contains a RTP/H264 payload decoder.
// Specification: https://datatracker.ietf.org/doc/html/rfc6184
package rtph264

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrMorePacketsNeeded is returned when the packet was consumed but more
// packets are needed to complete the NAL unit.
var ErrMorePacketsNeeded = errors.New("need more packets")

// ErrMalformedPacket is returned when a payload violates the structural
// constraints of RFC 6184. Malformed input is an expected condition on a
// lossy network, not a defect.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrFragmentDiscontinuity is returned when a sequence-number gap is
// detected inside a fragmented NAL unit. The in-progress fragment is
// discarded.
var ErrFragmentDiscontinuity = errors.New("sequence gap inside fragmented NAL unit")

// ErrNonStartingFragment is returned when a FU-A continuation arrives
// while no fragment is in progress.
var ErrNonStartingFragment = errors.New("non-starting fragment without a previous starting fragment")

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func joinFragments(fragments [][]byte, size int) []byte {
	ret := make([]byte, size)
	n := 0
	for _, p := range fragments {
		n += copy(ret[n:], p)
	}
	return ret
}

// StartsNewUnit reports whether the payload begins an independently
// decodable unit: a single NAL unit, a STAP-A, or a FU-A carrying the
// start bit. Used to pick a resumption point after a loss.
func StartsNewUnit(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	switch typ := h264.NALUType(payload[0] & 0x1F); typ {
	case h264.NALUTypeFUA:
		return len(payload) >= 2 && (payload[1]>>7) == 1

	case h264.NALUTypeSTAPA:
		return true

	case h264.NALUTypeSTAPB, h264.NALUTypeMTAP16,
		h264.NALUTypeMTAP24, h264.NALUTypeFUB:
		return false

	default:
		return typ >= 1 && typ <= 23
	}
}

// Decoder is a RTP/H264 payload decoder. It reconstructs byte-exact NAL
// units from single-NALU, STAP-A and FU-A payloads. It holds the state
// of at most one in-progress fragmented NAL unit; grouping NAL units
// into access units is left to the caller.
type Decoder struct {
	// maximum size of a reconstructed NAL unit.
	// It defaults to h264.MaxAccessUnitSize.
	MaxNALUSize int

	fragments          [][]byte
	fragmentsSize      int
	fragmentNextSeqNum uint16
}

// Init initializes the decoder.
func (d *Decoder) Init() error {
	if d.MaxNALUSize == 0 {
		d.MaxNALUSize = h264.MaxAccessUnitSize
	}
	if d.MaxNALUSize < 0 {
		return fmt.Errorf("invalid MaxNALUSize")
	}
	return nil
}

// Reset discards the in-progress fragmented NAL unit, if any.
func (d *Decoder) Reset() {
	d.fragments = d.fragments[:0]
	d.fragmentsSize = 0
}

// FragmentActive reports whether a fragmented NAL unit is in progress.
func (d *Decoder) FragmentActive() bool {
	return d.fragmentsSize != 0
}

// PendingFragmentSize returns the byte size accumulated so far for the
// in-progress fragmented NAL unit.
func (d *Decoder) PendingFragmentSize() int {
	return d.fragmentsSize
}

// Decode processes the payload of one RTP packet and returns the NAL
// units it completes. It returns ErrMorePacketsNeeded when the packet
// was consumed but the fragmented NAL unit it belongs to is not
// finished yet. The packet is never mutated.
func (d *Decoder) Decode(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 1 {
		d.Reset()
		return nil, fmt.Errorf("empty payload: %w", ErrMalformedPacket)
	}

	typ := h264.NALUType(pkt.Payload[0] & 0x1F)

	switch typ {
	case h264.NALUTypeFUA:
		return d.decodeFUA(pkt)

	case h264.NALUTypeSTAPA:
		d.Reset()
		return d.decodeSTAPA(pkt.Payload[1:])

	case h264.NALUTypeSTAPB, h264.NALUTypeMTAP16,
		h264.NALUTypeMTAP24, h264.NALUTypeFUB:
		d.Reset()
		return nil, fmt.Errorf("packet type not supported (%v): %w", typ, ErrMalformedPacket)

	default:
		d.Reset()
		return [][]byte{pkt.Payload}, nil
	}
}

func (d *Decoder) decodeFUA(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 2 {
		d.Reset()
		return nil, fmt.Errorf("invalid FU-A packet (invalid size): %w", ErrMalformedPacket)
	}

	start := pkt.Payload[1] >> 7
	end := (pkt.Payload[1] >> 6) & 0x01

	if start == 1 {
		d.Reset()

		nri := (pkt.Payload[0] >> 5) & 0x03
		origTyp := pkt.Payload[1] & 0x1F
		d.fragmentsSize = len(pkt.Payload[1:])
		d.fragments = append(d.fragments, []byte{(nri << 5) | origTyp}, pkt.Payload[2:])
		d.fragmentNextSeqNum = pkt.SequenceNumber + 1

		// RFC 6184 states that the start bit and the end bit must not
		// both be set in the same FU header, but some cameras have been
		// observed to emit such payloads for small frames anyway.
		if end == 1 {
			nalu := joinFragments(d.fragments, d.fragmentsSize)
			d.Reset()
			return [][]byte{nalu}, nil
		}

		return nil, ErrMorePacketsNeeded
	}

	if d.fragmentsSize == 0 {
		return nil, ErrNonStartingFragment
	}

	if pkt.SequenceNumber != d.fragmentNextSeqNum {
		d.Reset()
		return nil, ErrFragmentDiscontinuity
	}

	d.fragmentsSize += len(pkt.Payload[2:])

	if d.fragmentsSize > d.MaxNALUSize {
		size := d.fragmentsSize
		d.Reset()
		return nil, fmt.Errorf("NALU size (%d) is too big, maximum is %d: %w",
			size, d.MaxNALUSize, ErrMalformedPacket)
	}

	d.fragments = append(d.fragments, pkt.Payload[2:])
	d.fragmentNextSeqNum++

	if end != 1 {
		return nil, ErrMorePacketsNeeded
	}

	nalu := joinFragments(d.fragments, d.fragmentsSize)
	d.Reset()
	return [][]byte{nalu}, nil
}

func (d *Decoder) decodeSTAPA(payload []byte) ([][]byte, error) {
	var nalus [][]byte

	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("invalid STAP-A packet (invalid size): %w", ErrMalformedPacket)
		}

		size := int(uint16(payload[0])<<8 | uint16(payload[1]))
		payload = payload[2:]

		if size == 0 {
			// discard padding
			if isAllZero(payload) {
				break
			}
			return nil, fmt.Errorf("invalid STAP-A packet (NALU size zero): %w", ErrMalformedPacket)
		}

		if size > len(payload) {
			return nil, fmt.Errorf("invalid STAP-A packet (NALU size %d exceeds remaining payload %d): %w",
				size, len(payload), ErrMalformedPacket)
		}

		nalus = append(nalus, payload[:size])
		payload = payload[size:]
	}

	if nalus == nil {
		return nil, fmt.Errorf("STAP-A packet doesn't contain any NALU: %w", ErrMalformedPacket)
	}

	return nalus, nil
}
