package protocol

// Classification decides how a retrying component reacts to a broker error.
// It is the single shared mapping used by every retry loop; per-call-site
// branching on raw codes is deliberately avoided.
type Classification int

const (
	// ClassNone: no error, proceed.
	ClassNone Classification = iota
	// ClassRetrySame: resend the same request to the same destination
	// after a backoff.
	ClassRetrySame
	// ClassRetryRefresh: re-resolve the coordinator (or partition leader)
	// before resending.
	ClassRetryRefresh
	// ClassAbortable: the open transaction must be aborted; the producer
	// itself stays usable.
	ClassAbortable
	// ClassFatal: the producer instance is permanently unusable.
	ClassFatal
)

func (c Classification) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetrySame:
		return "retry"
	case ClassRetryRefresh:
		return "retry-refresh"
	case ClassAbortable:
		return "abortable"
	case ClassFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// kindOverrides lists the (kind, code) pairs that deviate from the code's
// default class. DuplicateSequenceNumber on Produce means the broker already
// has the batch from an earlier attempt, so the retry succeeded.
var kindOverrides = map[RequestKind]map[ErrorCode]Classification{
	KindProduce: {
		ErrDuplicateSequenceNumber: ClassNone,
	},
}

var defaultClass = map[ErrorCode]Classification{
	ErrNone: ClassNone,

	ErrCoordinatorNotAvailable: ClassRetryRefresh,
	ErrNotCoordinator:          ClassRetryRefresh,
	ErrUnknownTopicOrPartition: ClassRetryRefresh,

	ErrCoordinatorLoadInProgress:    ClassRetrySame,
	ErrConcurrentTransactions:       ClassRetrySame,
	ErrRequestTimedOut:              ClassRetrySame,
	ErrNotEnoughReplicas:            ClassRetrySame,
	ErrNotEnoughReplicasAfterAppend: ClassRetrySame,

	ErrUnknownProducerID:        ClassAbortable,
	ErrInvalidProducerIDMapping: ClassAbortable,
	ErrGroupAuthorizationFailed: ClassAbortable,
	ErrTopicAuthorizationFailed: ClassAbortable,

	ErrUnknownServerError:       ClassFatal,
	ErrOutOfOrderSequenceNumber: ClassFatal,
	ErrDuplicateSequenceNumber:  ClassFatal,
	ErrInvalidProducerEpoch:     ClassFatal,
	ErrInvalidTxnState:          ClassFatal,
	ErrTxnIDAuthorizationFailed: ClassFatal,
	ErrProducerFenced:           ClassFatal,
}

// Classify maps (request kind, broker error code) to a retry class. The
// mapping is total: codes outside the known taxonomy classify as fatal, and
// the result never changes between invocations for the same pair.
func Classify(kind RequestKind, code ErrorCode) Classification {
	if overrides, ok := kindOverrides[kind]; ok {
		if class, ok := overrides[code]; ok {
			return class
		}
	}
	if class, ok := defaultClass[code]; ok {
		return class
	}
	return ClassFatal
}
