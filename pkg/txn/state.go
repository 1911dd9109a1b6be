package txn

// State is the transaction coordinator's position in the
// begin/commit/abort lifecycle. Committed and Aborted are passed through on
// the way back to Ready; Fatal is terminal for the producer instance.
type State int

const (
	StateReady State = iota
	StateInTransaction
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateInTransaction:
		return "IN_TRANSACTION"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	case StateFatal:
		return "FATAL_ERROR"
	default:
		return "INVALID"
	}
}

// transitions lists the allowed state changes. Committing and Aborting allow
// self-transitions so a timed-out commit or abort can be re-entered.
var transitions = map[State][]State{
	StateReady:         {StateInTransaction, StateFatal},
	StateInTransaction: {StateCommitting, StateAborting, StateFatal},
	StateCommitting:    {StateCommitting, StateCommitted, StateAborting, StateFatal},
	StateCommitted:     {StateReady, StateFatal},
	StateAborting:      {StateAborting, StateAborted, StateFatal},
	StateAborted:       {StateReady, StateFatal},
	StateFatal:         {StateFatal},
}

func validTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
