package txn

import "testing"

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateReady, StateInTransaction, true},
		{StateInTransaction, StateCommitting, true},
		{StateInTransaction, StateAborting, true},
		{StateCommitting, StateCommitted, true},
		{StateCommitting, StateCommitting, true},
		{StateCommitting, StateAborting, true},
		{StateAborting, StateAborted, true},
		{StateAborting, StateAborting, true},
		{StateCommitted, StateReady, true},
		{StateAborted, StateReady, true},

		{StateReady, StateCommitting, false},
		{StateReady, StateAborting, false},
		{StateInTransaction, StateReady, false},
		{StateCommitted, StateInTransaction, false},
		{StateAborted, StateCommitting, false},
		{StateFatal, StateReady, false},
		{StateFatal, StateInTransaction, false},
	}
	for _, tc := range cases {
		if got := validTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("validTransition(%s, %s) = %v, expected %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestFatalReachableFromEverywhere(t *testing.T) {
	all := []State{StateReady, StateInTransaction, StateCommitting, StateCommitted,
		StateAborting, StateAborted, StateFatal}
	for _, from := range all {
		if !validTransition(from, StateFatal) {
			t.Errorf("fatal not reachable from %s", from)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateInTransaction.String() != "IN_TRANSACTION" {
		t.Fatalf("unexpected name %q", StateInTransaction.String())
	}
	if StateFatal.String() != "FATAL_ERROR" {
		t.Fatalf("unexpected name %q", StateFatal.String())
	}
	if State(42).String() != "INVALID" {
		t.Fatalf("unexpected name for out-of-range state")
	}
}
