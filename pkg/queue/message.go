package queue

import (
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-producer/pkg/types"
)

// Message is one application-submitted record. The buffer owns it exclusively
// until it reaches a terminal state; ownership then passes to the delivery
// dispatcher for a single callback invocation.
type Message struct {
	ID             uint64
	TopicPartition types.TopicPartition
	Payload        []byte
	Opaque         interface{}
	Enqueued       time.Time

	// Guarded by the owning Buffer's lock while non-terminal. Stable after
	// the terminal transition, so the dispatcher reads them without locking.
	state  types.DeliveryState
	err    error
	offset int64
	seq    int32

	dispatched atomic.Bool
}

// State returns the delivery state at the last completed transition.
func (m *Message) State() types.DeliveryState { return m.state }

// Err returns the final error, set once on the terminal transition.
func (m *Message) Err() error { return m.err }

// Offset returns the broker-assigned offset, valid only when delivered.
func (m *Message) Offset() int64 { return m.offset }

// Sequence returns the idempotent sequence number assigned at drain time.
func (m *Message) Sequence() int32 { return m.seq }

// MarkDispatched flips the one-shot dispatch guard, returning false if the
// message was already handed to the delivery callback.
func (m *Message) MarkDispatched() bool {
	return m.dispatched.CompareAndSwap(false, true)
}

// Report builds the delivery report for the terminal outcome.
func (m *Message) Report() types.DeliveryReport {
	return types.DeliveryReport{
		TopicPartition: m.TopicPartition,
		MessageID:      m.ID,
		Offset:         m.offset,
		Enqueued:       m.Enqueued,
		Err:            m.err,
		Opaque:         m.Opaque,
	}
}
