package protocol

import (
	"time"

	"github.com/downfa11-org/go-producer/pkg/types"
)

// RequestKind identifies the request types the engine issues. Wire-level
// encoding is out of scope; requests travel as typed structs.
type RequestKind int

const (
	KindProduce RequestKind = iota
	KindInitProducerID
	KindAddPartitionsToTxn
	KindAddOffsetsToTxn
	KindTxnOffsetCommit
	KindEndTxn
)

// Kinds lists every request kind, in order.
var Kinds = []RequestKind{
	KindProduce,
	KindInitProducerID,
	KindAddPartitionsToTxn,
	KindAddOffsetsToTxn,
	KindTxnOffsetCommit,
	KindEndTxn,
}

func (k RequestKind) String() string {
	switch k {
	case KindProduce:
		return "Produce"
	case KindInitProducerID:
		return "InitProducerId"
	case KindAddPartitionsToTxn:
		return "AddPartitionsToTxn"
	case KindAddOffsetsToTxn:
		return "AddOffsetsToTxn"
	case KindTxnOffsetCommit:
		return "TxnOffsetCommit"
	case KindEndTxn:
		return "EndTxn"
	default:
		return "Unknown"
	}
}

// Request is implemented by every request struct.
type Request interface {
	Kind() RequestKind
}

// Record is one message inside a produce batch.
type Record struct {
	ID      uint64
	Payload []byte
}

type ProduceRequest struct {
	TopicPartition types.TopicPartition
	ProducerID     int64
	ProducerEpoch  int16
	BaseSequence   int32
	Records        []Record
}

func (*ProduceRequest) Kind() RequestKind { return KindProduce }

type InitProducerIDRequest struct {
	TransactionalID    string
	TransactionTimeout time.Duration
	// Current identity, for epoch bumps; -1/-1 on first acquisition.
	ProducerID    int64
	ProducerEpoch int16
}

func (*InitProducerIDRequest) Kind() RequestKind { return KindInitProducerID }

type AddPartitionsToTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Partitions      []types.TopicPartition
}

func (*AddPartitionsToTxnRequest) Kind() RequestKind { return KindAddPartitionsToTxn }

type AddOffsetsToTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	GroupID         string
}

func (*AddOffsetsToTxnRequest) Kind() RequestKind { return KindAddOffsetsToTxn }

type TxnOffsetCommitRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	GroupID         string
	Offsets         []types.GroupOffset
}

func (*TxnOffsetCommitRequest) Kind() RequestKind { return KindTxnOffsetCommit }

type EndTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Commit          bool
}

func (*EndTxnRequest) Kind() RequestKind { return KindEndTxn }

// Response carries the broker outcome for any request kind. Fields beyond
// Code are populated per kind.
type Response struct {
	Code ErrorCode

	// InitProducerId
	ProducerID    int64
	ProducerEpoch int16

	// Produce
	BaseOffset int64
}
