package types

import (
	"fmt"
	"time"
)

// PartitionAny marks a message whose partition has not been assigned yet.
// Unassigned messages sit in their own queue until purged or assigned.
const PartitionAny int32 = -1

// TopicPartition identifies one delivery destination.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	if tp.Partition == PartitionAny {
		return fmt.Sprintf("%s[any]", tp.Topic)
	}
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// DeliveryState tracks a message through its lifecycle. Terminal states are
// Delivered, Failed, PurgedQueue and PurgedInflight; once terminal the
// message is handed to the delivery dispatcher and never touched again.
type DeliveryState int

const (
	StateQueued DeliveryState = iota
	StateInFlight
	StateDelivered
	StateFailed
	StatePurgedQueue
	StatePurgedInflight
)

func (s DeliveryState) IsTerminal() bool {
	return s != StateQueued && s != StateInFlight
}

func (s DeliveryState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in-flight"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StatePurgedQueue:
		return "purged-queue"
	case StatePurgedInflight:
		return "purged-inflight"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PurgeFlags selects which message categories an explicit purge cancels.
type PurgeFlags int

const (
	PurgeQueue PurgeFlags = 1 << iota
	PurgeInflight
)

// DeliveryReport is the final outcome of one message, delivered exactly once
// through the registered delivery callback.
type DeliveryReport struct {
	TopicPartition TopicPartition
	MessageID      uint64
	Offset         int64
	Enqueued       time.Time
	Err            error
	Opaque         interface{}
}

// ProducerIdentity is the idempotency identity the broker uses to
// deduplicate retried sends. Undefined until acquired.
type ProducerIdentity struct {
	ID    int64
	Epoch int16
}

func (pi ProducerIdentity) String() string {
	return fmt.Sprintf("pid-%d/epoch-%d", pi.ID, pi.Epoch)
}

// GroupOffset is one consumer offset enlisted in a transaction.
type GroupOffset struct {
	Topic     string
	Partition int32
	Offset    int64
	Metadata  string
}
