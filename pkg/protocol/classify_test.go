package protocol

import "testing"

var allCodes = []ErrorCode{
	ErrNone,
	ErrUnknownServerError,
	ErrUnknownTopicOrPartition,
	ErrRequestTimedOut,
	ErrCoordinatorLoadInProgress,
	ErrCoordinatorNotAvailable,
	ErrNotCoordinator,
	ErrNotEnoughReplicas,
	ErrNotEnoughReplicasAfterAppend,
	ErrTopicAuthorizationFailed,
	ErrGroupAuthorizationFailed,
	ErrOutOfOrderSequenceNumber,
	ErrDuplicateSequenceNumber,
	ErrInvalidProducerEpoch,
	ErrInvalidTxnState,
	ErrInvalidProducerIDMapping,
	ErrConcurrentTransactions,
	ErrTxnIDAuthorizationFailed,
	ErrUnknownProducerID,
	ErrProducerFenced,
}

func TestClassifyTotal(t *testing.T) {
	for _, kind := range Kinds {
		for _, code := range allCodes {
			class := Classify(kind, code)
			if class < ClassNone || class > ClassFatal {
				t.Fatalf("Classify(%s, %s) = %d, outside the class range", kind, code, class)
			}
			if code == ErrNone && class != ClassNone {
				t.Fatalf("Classify(%s, NONE) = %s, expected none", kind, class)
			}
		}
	}
}

func TestClassifyStable(t *testing.T) {
	for _, kind := range Kinds {
		for _, code := range allCodes {
			first := Classify(kind, code)
			for i := 0; i < 3; i++ {
				if got := Classify(kind, code); got != first {
					t.Fatalf("Classify(%s, %s) changed from %s to %s", kind, code, first, got)
				}
			}
		}
	}
}

func TestClassifyUnknownCodeIsFatal(t *testing.T) {
	for _, kind := range Kinds {
		if got := Classify(kind, ErrorCode(9999)); got != ClassFatal {
			t.Errorf("Classify(%s, 9999) = %s, expected fatal", kind, got)
		}
	}
}

func TestClassifyRetryableSet(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want Classification
	}{
		{ErrCoordinatorLoadInProgress, ClassRetrySame},
		{ErrConcurrentTransactions, ClassRetrySame},
		{ErrNotEnoughReplicas, ClassRetrySame},
		{ErrRequestTimedOut, ClassRetrySame},
		{ErrCoordinatorNotAvailable, ClassRetryRefresh},
		{ErrNotCoordinator, ClassRetryRefresh},
		{ErrUnknownTopicOrPartition, ClassRetryRefresh},
		{ErrUnknownProducerID, ClassAbortable},
		{ErrInvalidProducerIDMapping, ClassAbortable},
		{ErrProducerFenced, ClassFatal},
		{ErrInvalidTxnState, ClassFatal},
		{ErrOutOfOrderSequenceNumber, ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(KindEndTxn, tc.code); got != tc.want {
			t.Errorf("Classify(EndTxn, %s) = %s, expected %s", tc.code, got, tc.want)
		}
	}
}

func TestClassifyDuplicateSequenceOverride(t *testing.T) {
	if got := Classify(KindProduce, ErrDuplicateSequenceNumber); got != ClassNone {
		t.Fatalf("duplicate sequence on produce = %s, expected none (already delivered)", got)
	}
	if got := Classify(KindEndTxn, ErrDuplicateSequenceNumber); got != ClassFatal {
		t.Fatalf("duplicate sequence on EndTxn = %s, expected fatal", got)
	}
}

func TestBrokerError(t *testing.T) {
	if err := NewBrokerError(ErrNone); err != nil {
		t.Fatalf("NewBrokerError(NONE) = %v, expected nil", err)
	}
	err := NewBrokerError(ErrProducerFenced)
	be, ok := err.(*BrokerError)
	if !ok {
		t.Fatalf("expected *BrokerError, got %T", err)
	}
	if be.Code != ErrProducerFenced {
		t.Fatalf("code = %s, expected PRODUCER_FENCED", be.Code)
	}
}
