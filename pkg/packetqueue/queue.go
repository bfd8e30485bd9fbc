// Package packetqueue contains a thread-safe, sequence-ordered RTP
// packet queue. It sits between the transport receive path (producer)
// and the access-unit assembler (consumer): insertion keeps packets
// sorted by sequence number with wraparound-aware ordering, duplicates
// are rejected, entries are never mutated in place.
package packetqueue

import (
	"sync"

	"github.com/huandu/skiplist"
	"github.com/pion/rtp"

	"github.com/streamkit/rtpassembler/pkg/rtpseq"
)

// Queue is a sequence-ordered RTP packet queue.
type Queue struct {
	mutex     sync.Mutex
	list      *skiplist.SkipList
	unwrapper rtpseq.Unwrapper
	ended     bool
}

// New allocates a Queue.
func New() *Queue {
	return &Queue{
		list: skiplist.New(skiplist.Int64),
	}
}

// Push inserts a packet, keeping the queue ordered by sequence number.
// It returns false when the packet is a duplicate of a queued one.
func (q *Queue) Push(pkt *rtp.Packet) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	key := q.unwrapper.Unwrap(pkt.SequenceNumber)

	if q.list.Get(key) != nil {
		return false
	}

	q.list.Set(key, pkt)
	return true
}

// Head returns the packet with the lowest sequence number without
// removing it.
func (q *Queue) Head() (*rtp.Packet, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	front := q.list.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*rtp.Packet), true
}

// Pop removes and returns the packet with the lowest sequence number.
func (q *Queue) Pop() (*rtp.Packet, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	front := q.list.RemoveFront()
	if front == nil {
		return nil, false
	}
	return front.Value.(*rtp.Packet), true
}

// Snapshot returns the queued packets in sequence order. The returned
// slice is owned by the caller; the packets are shared and must not be
// mutated.
func (q *Queue) Snapshot() []*rtp.Packet {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	ret := make([]*rtp.Packet, 0, q.list.Len())
	for el := q.list.Front(); el != nil; el = el.Next() {
		ret = append(ret, el.Value.(*rtp.Packet))
	}
	return ret
}

// DiscardBelow removes every queued packet whose sequence number comes
// before seq in cyclic order and returns how many were removed.
func (q *Queue) DiscardBelow(seq uint16) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := 0
	for {
		front := q.list.Front()
		if front == nil {
			break
		}
		if !rtpseq.IsBehind(front.Value.(*rtp.Packet).SequenceNumber, seq) {
			break
		}
		q.list.RemoveFront()
		n++
	}
	return n
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.list.Len()
}

// SetEnded latches the end-of-stream signal.
func (q *Queue) SetEnded() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.ended = true
}

// Ended reports whether the end-of-stream signal was received.
func (q *Queue) Ended() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.ended
}
