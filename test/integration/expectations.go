package integration

import (
	"errors"
	"fmt"

	"github.com/downfa11-org/go-producer/pkg/txn"
	"github.com/downfa11-org/go-producer/pkg/types"
)

// Expectation is one verifiable outcome of a scenario (Then phase).
type Expectation func(ctx *Context) error

type Consequences struct {
	ctx *Context
}

func (c *Consequences) Expect(e Expectation) *Consequences {
	if err := e(c.ctx); err != nil {
		c.ctx.t.Fatalf("Expectation failed: %v", err)
	}
	return c
}

func (c *Consequences) And(e Expectation) *Consequences {
	return c.Expect(e)
}

// QueueIsEmpty verifies no message is left in a non-terminal state.
func QueueIsEmpty() Expectation {
	return func(ctx *Context) error {
		if n := ctx.prod.Len(nil); n != 0 {
			return fmt.Errorf("expected empty queue, %d messages remain", n)
		}
		return nil
	}
}

// QueueHolds verifies the non-terminal message count.
func QueueHolds(n int) Expectation {
	return func(ctx *Context) error {
		if got := ctx.prod.Len(nil); got != n {
			return fmt.Errorf("expected %d queued messages, got %d", n, got)
		}
		return nil
	}
}

// CallbacksFired verifies every produced message resolved through the
// delivery callback exactly once.
func CallbacksFired() Expectation {
	return func(ctx *Context) error {
		got := len(ctx.snapshot())
		if got != ctx.numMessages {
			return fmt.Errorf("expected %d delivery callbacks, got %d", ctx.numMessages, got)
		}
		if n := ctx.prod.Dispatched(); n != uint64(ctx.numMessages) {
			return fmt.Errorf("dispatch count %d does not match %d messages", n, ctx.numMessages)
		}
		return nil
	}
}

// AllDelivered verifies every report carries a nil error.
func AllDelivered() Expectation {
	return func(ctx *Context) error {
		for _, r := range ctx.snapshot() {
			if r.Err != nil {
				return fmt.Errorf("message %d failed: %v", r.MessageID, r.Err)
			}
		}
		return nil
	}
}

// AllPurgedFromQueue verifies every report resolved with the queued-purge error.
func AllPurgedFromQueue() Expectation {
	return func(ctx *Context) error {
		for _, r := range ctx.snapshot() {
			if !errors.Is(r.Err, types.ErrPurgeQueue) {
				return fmt.Errorf("message %d resolved with %v, expected purge-queue", r.MessageID, r.Err)
			}
		}
		return nil
	}
}

// PurgedCounts verifies how many reports carry each purge error.
func PurgedCounts(queued, inflight int) Expectation {
	return func(ctx *Context) error {
		gotQueued, gotInflight := 0, 0
		for _, r := range ctx.snapshot() {
			switch {
			case errors.Is(r.Err, types.ErrPurgeQueue):
				gotQueued++
			case errors.Is(r.Err, types.ErrPurgeInflight):
				gotInflight++
			}
		}
		if gotQueued != queued || gotInflight != inflight {
			return fmt.Errorf("purge outcomes queued=%d inflight=%d, expected %d/%d",
				gotQueued, gotInflight, queued, inflight)
		}
		return nil
	}
}

// AllAborted verifies every report resolved with the abort error.
func AllAborted() Expectation {
	return func(ctx *Context) error {
		for _, r := range ctx.snapshot() {
			if !errors.Is(r.Err, types.ErrAborted) {
				return fmt.Errorf("message %d resolved with %v, expected aborted", r.MessageID, r.Err)
			}
		}
		return nil
	}
}

// TransactionCommitted verifies exactly one committing EndTxn reached the
// cluster and the coordinator returned to READY.
func TransactionCommitted() Expectation {
	return func(ctx *Context) error {
		if ctx.lastErr != nil {
			return fmt.Errorf("commit returned %v", ctx.lastErr)
		}
		results := ctx.cluster.EndTxnResults()
		if len(results) != 1 || !results[0] {
			return fmt.Errorf("EndTxn outcomes = %v, expected one commit", results)
		}
		if st := ctx.prod.TransactionState(); st != txn.StateReady {
			return fmt.Errorf("transaction state %s, expected READY", st)
		}
		return nil
	}
}

// TransactionAborted verifies exactly one aborting EndTxn reached the cluster.
func TransactionAborted() Expectation {
	return func(ctx *Context) error {
		if ctx.lastErr != nil {
			return fmt.Errorf("abort returned %v", ctx.lastErr)
		}
		results := ctx.cluster.EndTxnResults()
		if len(results) != 1 || results[0] {
			return fmt.Errorf("EndTxn outcomes = %v, expected one abort", results)
		}
		if st := ctx.prod.TransactionState(); st != txn.StateReady {
			return fmt.Errorf("transaction state %s, expected READY", st)
		}
		return nil
	}
}

// OffsetsCommitted verifies the group's offset landed with the cluster.
func OffsetsCommitted(group string, offset int64) Expectation {
	return func(ctx *Context) error {
		got := ctx.cluster.CommittedOffset(group, ctx.destination())
		if got != offset {
			return fmt.Errorf("group %s offset = %d, expected %d", group, got, offset)
		}
		return nil
	}
}

// PurgeRefused verifies the last purge was rejected as an invalid-state call.
func PurgeRefused() Expectation {
	return func(ctx *Context) error {
		if !errors.Is(ctx.lastErr, types.ErrInvalidState) {
			return fmt.Errorf("purge returned %v, expected invalid-state refusal", ctx.lastErr)
		}
		return nil
	}
}

// ProduceRequestsAtLeast verifies the cluster saw at least n produce
// requests, counting retries.
func ProduceRequestsAtLeast(n int) Expectation {
	return func(ctx *Context) error {
		if got := ctx.cluster.ProduceRequestCount(); got < n {
			return fmt.Errorf("cluster saw %d produce requests, expected at least %d", got, n)
		}
		return nil
	}
}
