package protocol

import "fmt"

// ErrorCode is the broker-side error taxonomy, numbered like the Kafka
// protocol codes so logs line up with broker documentation.
type ErrorCode int16

const (
	ErrNone                    ErrorCode = 0
	ErrUnknownServerError      ErrorCode = -1
	ErrUnknownTopicOrPartition ErrorCode = 3
	ErrRequestTimedOut         ErrorCode = 7

	ErrCoordinatorLoadInProgress ErrorCode = 14
	ErrCoordinatorNotAvailable   ErrorCode = 15
	ErrNotCoordinator            ErrorCode = 16

	ErrNotEnoughReplicas            ErrorCode = 19
	ErrNotEnoughReplicasAfterAppend ErrorCode = 20

	ErrTopicAuthorizationFailed ErrorCode = 29
	ErrGroupAuthorizationFailed ErrorCode = 30

	ErrOutOfOrderSequenceNumber ErrorCode = 45
	ErrDuplicateSequenceNumber  ErrorCode = 46
	ErrInvalidProducerEpoch     ErrorCode = 47
	ErrInvalidTxnState          ErrorCode = 48
	ErrInvalidProducerIDMapping ErrorCode = 49

	ErrConcurrentTransactions ErrorCode = 51

	ErrTxnIDAuthorizationFailed ErrorCode = 53
	ErrUnknownProducerID        ErrorCode = 59
	ErrProducerFenced           ErrorCode = 90
)

var errorNames = map[ErrorCode]string{
	ErrNone:                         "NONE",
	ErrUnknownServerError:           "UNKNOWN_SERVER_ERROR",
	ErrUnknownTopicOrPartition:      "UNKNOWN_TOPIC_OR_PARTITION",
	ErrRequestTimedOut:              "REQUEST_TIMED_OUT",
	ErrCoordinatorLoadInProgress:    "COORDINATOR_LOAD_IN_PROGRESS",
	ErrCoordinatorNotAvailable:      "COORDINATOR_NOT_AVAILABLE",
	ErrNotCoordinator:               "NOT_COORDINATOR",
	ErrNotEnoughReplicas:            "NOT_ENOUGH_REPLICAS",
	ErrNotEnoughReplicasAfterAppend: "NOT_ENOUGH_REPLICAS_AFTER_APPEND",
	ErrTopicAuthorizationFailed:     "TOPIC_AUTHORIZATION_FAILED",
	ErrGroupAuthorizationFailed:     "GROUP_AUTHORIZATION_FAILED",
	ErrOutOfOrderSequenceNumber:     "OUT_OF_ORDER_SEQUENCE_NUMBER",
	ErrDuplicateSequenceNumber:      "DUPLICATE_SEQUENCE_NUMBER",
	ErrInvalidProducerEpoch:         "INVALID_PRODUCER_EPOCH",
	ErrInvalidTxnState:              "INVALID_TXN_STATE",
	ErrInvalidProducerIDMapping:     "INVALID_PRODUCER_ID_MAPPING",
	ErrConcurrentTransactions:       "CONCURRENT_TRANSACTIONS",
	ErrTxnIDAuthorizationFailed:     "TRANSACTIONAL_ID_AUTHORIZATION_FAILED",
	ErrUnknownProducerID:            "UNKNOWN_PRODUCER_ID",
	ErrProducerFenced:               "PRODUCER_FENCED",
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int16(c))
}

// BrokerError wraps a non-zero ErrorCode as a Go error so it can travel
// through delivery reports and %w chains.
type BrokerError struct {
	Code ErrorCode
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error: %s", e.Code)
}

// NewBrokerError returns nil for ErrNone.
func NewBrokerError(code ErrorCode) error {
	if code == ErrNone {
		return nil
	}
	return &BrokerError{Code: code}
}
