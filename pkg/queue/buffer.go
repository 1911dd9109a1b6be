package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// Buffer holds the per-destination queues of a producer under one lock, so
// purge, drain and completion are atomic with respect to each other. Each
// queue keeps submission order end to end: pending messages drain in order,
// and the in-flight window is bounded by maxInFlight per partition.
type Buffer struct {
	mu          sync.Mutex
	capacity    int
	maxInFlight int

	nextID      uint64
	queues      map[types.TopicPartition]*partitionQueue
	order       []types.TopicPartition
	nonTerminal int
}

type partitionQueue struct {
	tp       types.TopicPartition
	pending  []*Message
	inflight []*Message
	nextSeq  int32
}

// NewBuffer creates a buffer with a total message capacity and a
// per-partition in-flight window.
func NewBuffer(capacity, maxInFlight int) *Buffer {
	if capacity <= 0 {
		capacity = 100000
	}
	if maxInFlight <= 0 {
		maxInFlight = 5
	}
	return &Buffer{
		capacity:    capacity,
		maxInFlight: maxInFlight,
		queues:      make(map[types.TopicPartition]*partitionQueue),
	}
}

func (b *Buffer) queue(tp types.TopicPartition) *partitionQueue {
	pq, ok := b.queues[tp]
	if !ok {
		pq = &partitionQueue{tp: tp}
		b.queues[tp] = pq
		b.order = append(b.order, tp)
	}
	return pq
}

// Enqueue appends a message in state queued, in submission order. Fails with
// ErrQueueFull when the buffer holds capacity non-terminal messages.
func (b *Buffer) Enqueue(tp types.TopicPartition, payload []byte, opaque interface{}) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nonTerminal >= b.capacity {
		return nil, types.ErrQueueFull
	}

	b.nextID++
	m := &Message{
		ID:             b.nextID,
		TopicPartition: tp,
		Payload:        payload,
		Opaque:         opaque,
		Enqueued:       time.Now(),
		state:          types.StateQueued,
	}
	b.queue(tp).pending = append(b.queue(tp).pending, m)
	b.nonTerminal++
	return m, nil
}

// Drainable returns the partitions that currently have queued messages and
// room in their in-flight window. The unassigned queue never drains.
func (b *Buffer) Drainable() []types.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.TopicPartition
	for _, tp := range b.order {
		if tp.Partition == types.PartitionAny {
			continue
		}
		pq := b.queues[tp]
		if len(pq.pending) > 0 && len(pq.inflight) < b.maxInFlight {
			out = append(out, tp)
		}
	}
	return out
}

// Drain moves up to max queued messages to in flight, bounded by the window,
// assigning idempotent sequence numbers. Returns them in submission order.
// Only the driver goroutine calls Drain.
func (b *Buffer) Drain(tp types.TopicPartition, max int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	pq, ok := b.queues[tp]
	if !ok {
		return nil
	}
	room := b.maxInFlight - len(pq.inflight)
	if room <= 0 {
		return nil
	}
	n := len(pq.pending)
	if n > max {
		n = max
	}
	if n > room {
		n = room
	}
	if n == 0 {
		return nil
	}

	batch := pq.pending[:n]
	pq.pending = pq.pending[n:]
	for _, m := range batch {
		m.state = types.StateInFlight
		m.seq = pq.nextSeq
		pq.nextSeq++
	}
	pq.inflight = append(pq.inflight, batch...)

	out := make([]*Message, n)
	copy(out, batch)
	return out
}

// Complete transitions a message to its terminal state: delivered when err is
// nil, failed otherwise. Completing an already-terminal message is a
// programming error and panics.
func (b *Buffer) Complete(m *Message, offset int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeLocked(m, offset, err)
}

// CompleteDelivered marks the batch members still in flight as delivered,
// assigning each its offset by position in the batch from baseOffset, which
// matches the record positions of the produce request the batch was built
// from. Members resolved while the request was outstanding (purged, aborted,
// failed) keep their earlier outcome. The filter and the completion happen
// under one lock acquisition, so a concurrent Purge or FailAll either wins a
// message entirely or loses it entirely. Returns the completed messages for
// dispatch.
func (b *Buffer) CompleteDelivered(batch []*Message, baseOffset int64) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for i, m := range batch {
		if m.state != types.StateInFlight {
			continue
		}
		b.completeLocked(m, baseOffset+int64(i), nil)
		out = append(out, m)
	}
	return out
}

// CompleteFailed marks the batch members still in flight as failed with err,
// skipping members resolved in the meantime, under one lock acquisition.
func (b *Buffer) CompleteFailed(batch []*Message, err error) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for _, m := range batch {
		if m.state != types.StateInFlight {
			continue
		}
		b.completeLocked(m, 0, err)
		out = append(out, m)
	}
	return out
}

func (b *Buffer) completeLocked(m *Message, offset int64, err error) {
	if m.state.IsTerminal() {
		panic(fmt.Sprintf("queue: message %d completed twice (state %s)", m.ID, m.state))
	}
	b.detachLocked(m)
	if err == nil {
		m.state = types.StateDelivered
		m.offset = offset
	} else {
		m.state = types.StateFailed
		m.err = err
	}
	b.nonTerminal--
}

// detachLocked removes a non-terminal message from its queue's lists.
func (b *Buffer) detachLocked(m *Message) {
	pq := b.queues[m.TopicPartition]
	if pq == nil {
		return
	}
	if m.state == types.StateQueued {
		pq.pending = remove(pq.pending, m)
	} else {
		pq.inflight = remove(pq.inflight, m)
	}
}

func remove(list []*Message, m *Message) []*Message {
	for i, cur := range list {
		if cur == m {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Len counts non-terminal messages: all of them when scope is nil, one
// destination otherwise. Purge effects are visible the moment Purge returns.
func (b *Buffer) Len(scope *types.TopicPartition) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if scope == nil {
		return b.nonTerminal
	}
	pq, ok := b.queues[*scope]
	if !ok {
		return 0
	}
	return len(pq.pending) + len(pq.inflight)
}

// InFlight returns how many messages are in flight for one destination.
func (b *Buffer) InFlight(tp types.TopicPartition) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pq, ok := b.queues[tp]; ok {
		return len(pq.inflight)
	}
	return 0
}

// Queued returns how many messages are queued for one destination.
func (b *Buffer) Queued(tp types.TopicPartition) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pq, ok := b.queues[tp]; ok {
		return len(pq.pending)
	}
	return 0
}

// Purge cancels messages by their state at this moment: the queue flag takes
// every queued message (including the unassigned queue), the inflight flag
// every in-flight message. Returns the purged messages in submission order
// per destination, for synchronous dispatch by the caller. Holding the lock
// for the whole sweep makes purge atomic against Drain: a message cannot be
// both drained and purged.
func (b *Buffer) Purge(flags types.PurgeFlags) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var purged []*Message
	for _, tp := range b.order {
		pq := b.queues[tp]
		if flags&types.PurgeInflight != 0 {
			for _, m := range pq.inflight {
				m.state = types.StatePurgedInflight
				m.err = types.ErrPurgeInflight
				b.nonTerminal--
				purged = append(purged, m)
			}
			pq.inflight = nil
		}
		if flags&types.PurgeQueue != 0 {
			for _, m := range pq.pending {
				m.state = types.StatePurgedQueue
				m.err = types.ErrPurgeQueue
				b.nonTerminal--
				purged = append(purged, m)
			}
			pq.pending = nil
		}
	}
	if len(purged) > 0 {
		util.Debug("buffer: purged %d messages (flags 0x%x)", len(purged), flags)
	}
	return purged
}

// FailAll completes every non-terminal message with err, queued and in
// flight alike. Used for transaction abort and fatal teardown; in-flight
// broker responses arriving later are ignored.
func (b *Buffer) FailAll(err error) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var failed []*Message
	for _, tp := range b.order {
		pq := b.queues[tp]
		for _, m := range pq.inflight {
			m.state = types.StateFailed
			m.err = err
			b.nonTerminal--
			failed = append(failed, m)
		}
		pq.inflight = nil
		for _, m := range pq.pending {
			m.state = types.StateFailed
			m.err = err
			b.nonTerminal--
			failed = append(failed, m)
		}
		pq.pending = nil
	}
	return failed
}

// StillInFlight returns the batch members that are still in flight, leaving
// the batch itself untouched. The answer is advisory: only the CompleteXxx
// batch operations decide a message's fate, and they re-check under the same
// lock that Purge and FailAll hold.
func (b *Buffer) StillInFlight(batch []*Message) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for _, m := range batch {
		if m.state == types.StateInFlight {
			out = append(out, m)
		}
	}
	return out
}

// ResetSequences zeroes the per-partition sequence counters after an epoch
// change.
func (b *Buffer) ResetSequences() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pq := range b.queues {
		pq.nextSeq = 0
	}
}
