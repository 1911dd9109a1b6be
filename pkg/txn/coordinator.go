package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/downfa11-org/go-producer/pkg/identity"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// Coordinator drives the multi-step transactional protocol: partition and
// offset enlistment while a transaction is open, then the end-transaction
// exchange on commit or abort. Every broker error goes through
// protocol.Classify; transient errors are retried inside the coordinator up
// to the caller's deadline and never surface individually.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	client protocol.Client
	ids    *identity.Manager
	clock  clock.Clock

	txnID      string
	backoff    time.Duration
	backoffMax time.Duration

	partitions map[types.TopicPartition]struct{}
	offsets    map[string][]types.GroupOffset
	attempts   uint64

	abortableErr error
	fatalErr     error
	epochBump    bool

	// flush waits until every enlisted-destination send is terminal;
	// failPending completes the transaction's still-pending messages.
	// Both are wired by the producer.
	flush       func(ctx context.Context) error
	failPending func(err error)
}

func NewCoordinator(client protocol.Client, ids *identity.Manager, cl clock.Clock,
	txnID string, backoff, backoffMax time.Duration) *Coordinator {
	if cl == nil {
		cl = clock.New()
	}
	return &Coordinator{
		state:      StateReady,
		client:     client,
		ids:        ids,
		clock:      cl,
		txnID:      txnID,
		backoff:    backoff,
		backoffMax: backoffMax,
		partitions: make(map[types.TopicPartition]struct{}),
		offsets:    make(map[string][]types.GroupOffset),
	}
}

// SetHooks wires the producer-side flush and fail-pending callbacks.
func (c *Coordinator) SetHooks(flush func(ctx context.Context) error, failPending func(err error)) {
	c.flush = flush
	c.failPending = failPending
}

func (c *Coordinator) transitionLocked(to State) error {
	if !validTransition(c.state, to) {
		return fmt.Errorf("%w: cannot move transaction from %s to %s",
			types.ErrInvalidState, c.state, to)
	}
	util.Debug("txn [%s]: %s -> %s", c.txnID, c.state, to)
	c.state = to
	return nil
}

// State returns the current transaction state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the monotonic transaction-attempt counter.
func (c *Coordinator) Attempts() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// FatalErr returns the sticky fatal error, if any.
func (c *Coordinator) FatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// AbortableErr returns the error forcing an abort of the open transaction.
func (c *Coordinator) AbortableErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortableErr
}

// Begin opens a transaction. Local bookkeeping only; no broker round-trip.
func (c *Coordinator) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatalErr != nil {
		return c.fatalErr
	}
	if c.state != StateReady {
		return fmt.Errorf("%w: begin requires READY, transaction is %s",
			types.ErrInvalidState, c.state)
	}
	if err := c.transitionLocked(StateInTransaction); err != nil {
		return err
	}
	c.attempts++
	util.Info("txn [%s]: transaction #%d started", c.txnID, c.attempts)
	return nil
}

// EnsurePartition enlists a destination with the transaction coordinator
// before the first send to it inside the current transaction. Idempotent per
// partition per transaction. Allowed while committing so that messages
// produced before commit but drained late still enlist.
func (c *Coordinator) EnsurePartition(ctx context.Context, tp types.TopicPartition) error {
	c.mu.Lock()
	if c.fatalErr != nil {
		c.mu.Unlock()
		return c.fatalErr
	}
	if c.abortableErr != nil {
		err := c.abortableErr
		c.mu.Unlock()
		return err
	}
	if c.state != StateInTransaction && c.state != StateCommitting {
		c.mu.Unlock()
		return fmt.Errorf("%w: no open transaction to enlist %s into",
			types.ErrInvalidState, tp)
	}
	if _, ok := c.partitions[tp]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	resp, err := c.retryRequest(ctx, protocol.CoordinatorTxn, c.txnID, protocol.KindAddPartitionsToTxn,
		func(id types.ProducerIdentity) protocol.Request {
			return &protocol.AddPartitionsToTxnRequest{
				TransactionalID: c.txnID,
				ProducerID:      id.ID,
				ProducerEpoch:   id.Epoch,
				Partitions:      []types.TopicPartition{tp},
			}
		})
	if err != nil {
		return c.handleTerminal(protocol.KindAddPartitionsToTxn, resp, err)
	}

	c.mu.Lock()
	c.partitions[tp] = struct{}{}
	c.mu.Unlock()
	util.Debug("txn [%s]: enlisted %s", c.txnID, tp)
	return nil
}

// Partitions returns the destinations enlisted in the open transaction.
func (c *Coordinator) Partitions() []types.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TopicPartition, 0, len(c.partitions))
	for tp := range c.partitions {
		out = append(out, tp)
	}
	return out
}

// SendOffsets enlists consumer-group offsets in the open transaction:
// AddOffsetsToTxn with the transaction coordinator, then TxnOffsetCommit
// with the group coordinator. Both steps retry per classification.
func (c *Coordinator) SendOffsets(ctx context.Context, offsets []types.GroupOffset, groupID string) error {
	c.mu.Lock()
	if c.fatalErr != nil {
		c.mu.Unlock()
		return c.fatalErr
	}
	if c.abortableErr != nil {
		err := c.abortableErr
		c.mu.Unlock()
		return err
	}
	if c.state != StateInTransaction {
		c.mu.Unlock()
		return fmt.Errorf("%w: offsets require an open transaction, state is %s",
			types.ErrInvalidState, c.state)
	}
	c.mu.Unlock()

	resp, err := c.retryRequest(ctx, protocol.CoordinatorTxn, c.txnID, protocol.KindAddOffsetsToTxn,
		func(id types.ProducerIdentity) protocol.Request {
			return &protocol.AddOffsetsToTxnRequest{
				TransactionalID: c.txnID,
				ProducerID:      id.ID,
				ProducerEpoch:   id.Epoch,
				GroupID:         groupID,
			}
		})
	if err != nil {
		return c.handleTerminal(protocol.KindAddOffsetsToTxn, resp, err)
	}

	resp, err = c.retryRequest(ctx, protocol.CoordinatorGroup, groupID, protocol.KindTxnOffsetCommit,
		func(id types.ProducerIdentity) protocol.Request {
			return &protocol.TxnOffsetCommitRequest{
				TransactionalID: c.txnID,
				ProducerID:      id.ID,
				ProducerEpoch:   id.Epoch,
				GroupID:         groupID,
				Offsets:         offsets,
			}
		})
	if err != nil {
		return c.handleTerminal(protocol.KindTxnOffsetCommit, resp, err)
	}

	c.mu.Lock()
	c.offsets[groupID] = append(c.offsets[groupID], offsets...)
	c.mu.Unlock()
	util.Info("txn [%s]: enlisted %d offsets for group %q", c.txnID, len(offsets), groupID)
	return nil
}

// Commit finishes the transaction: waits for every enlisted send to reach a
// terminal state, then issues EndTxn(commit) with the documented retryable
// set (coordinator-not-available, not-coordinator, coordinator-load-in-
// progress) retried up to the deadline. An EndTxn retry repeats only the
// EndTxn call, never enlistment or sends. On client-side timeout the state
// stays COMMITTING and a later Commit observes the eventual outcome.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	if c.fatalErr != nil {
		c.mu.Unlock()
		return c.fatalErr
	}
	if c.abortableErr != nil {
		err := c.abortableErr
		c.mu.Unlock()
		return fmt.Errorf("commit refused, transaction requires abort: %w", err)
	}
	if c.state != StateInTransaction && c.state != StateCommitting {
		c.mu.Unlock()
		return fmt.Errorf("%w: commit requires an open transaction, state is %s",
			types.ErrInvalidState, c.state)
	}
	if err := c.transitionLocked(StateCommitting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if c.flush != nil {
		if err := c.flush(ctx); err != nil {
			return err
		}
	}

	// Sends may have failed while flushing.
	c.mu.Lock()
	if c.fatalErr != nil {
		err := c.fatalErr
		c.mu.Unlock()
		return err
	}
	if c.abortableErr != nil {
		err := c.abortableErr
		c.mu.Unlock()
		return fmt.Errorf("commit refused, transaction requires abort: %w", err)
	}
	hasWork := len(c.partitions) > 0 || len(c.offsets) > 0
	c.mu.Unlock()

	// An empty transaction never reached the broker; nothing to end there.
	if hasWork {
		if err := c.endTxn(ctx, true); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(StateCommitted); err != nil {
		return err
	}
	c.resetLocked()
	util.Info("txn [%s]: transaction #%d committed", c.txnID, c.attempts)
	return nil
}

// Abort rolls the transaction back: still-pending messages complete with an
// abort error, then EndTxn(abort) runs with the same retry classification as
// commit.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	if c.fatalErr != nil {
		c.mu.Unlock()
		return c.fatalErr
	}
	switch c.state {
	case StateInTransaction, StateCommitting, StateAborting:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: abort requires an open transaction, state is %s",
			types.ErrInvalidState, c.state)
	}
	if err := c.transitionLocked(StateAborting); err != nil {
		c.mu.Unlock()
		return err
	}
	hadPartitions := len(c.partitions) > 0
	c.mu.Unlock()

	if c.failPending != nil {
		c.failPending(types.ErrAborted)
	}

	// A transaction with no enlisted partitions has nothing to end on the
	// broker side.
	if hadPartitions {
		if err := c.endTxn(ctx, false); err != nil {
			return err
		}
	}

	c.mu.Lock()
	bump := c.epochBump
	if err := c.transitionLocked(StateAborted); err != nil {
		c.mu.Unlock()
		return err
	}
	c.resetLocked()
	c.mu.Unlock()

	if bump {
		c.ids.Invalidate()
	}
	util.Info("txn [%s]: transaction aborted", c.txnID)
	return nil
}

func (c *Coordinator) endTxn(ctx context.Context, commit bool) error {
	resp, err := c.retryRequest(ctx, protocol.CoordinatorTxn, c.txnID, protocol.KindEndTxn,
		func(id types.ProducerIdentity) protocol.Request {
			return &protocol.EndTxnRequest{
				TransactionalID: c.txnID,
				ProducerID:      id.ID,
				ProducerEpoch:   id.Epoch,
				Commit:          commit,
			}
		})
	if err != nil {
		return c.handleTerminal(protocol.KindEndTxn, resp, err)
	}
	return nil
}

// resetLocked returns the coordinator to READY for the next transaction.
func (c *Coordinator) resetLocked() {
	c.state = StateReady
	c.partitions = make(map[types.TopicPartition]struct{})
	c.offsets = make(map[string][]types.GroupOffset)
	c.abortableErr = nil
	c.epochBump = false
}

// retryRequest resolves the coordinator, sends, and retries per the shared
// classification until success, deadline, or a terminal (abortable/fatal)
// class. Terminal classes come back as a BrokerError with the response.
func (c *Coordinator) retryRequest(ctx context.Context, coordType protocol.CoordinatorType,
	coordID string, kind protocol.RequestKind,
	build func(id types.ProducerIdentity) protocol.Request) (*protocol.Response, error) {

	for attempt := 0; ; attempt++ {
		id, err := c.ids.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		broker, err := c.client.Coordinator(ctx, coordType, coordID)
		if err != nil {
			if serr := c.sleep(ctx, attempt, kind); serr != nil {
				return nil, serr
			}
			continue
		}

		resp, err := c.client.Send(ctx, broker, build(id))
		if err != nil {
			c.client.RefreshCoordinator(coordType, coordID)
			if serr := c.sleep(ctx, attempt, kind); serr != nil {
				return nil, serr
			}
			continue
		}

		switch protocol.Classify(kind, resp.Code) {
		case protocol.ClassNone:
			return resp, nil
		case protocol.ClassRetrySame:
			util.Debug("txn [%s]: retrying %s after %s", c.txnID, kind, resp.Code)
		case protocol.ClassRetryRefresh:
			util.Debug("txn [%s]: refreshing %s coordinator after %s", c.txnID, coordType, resp.Code)
			c.client.RefreshCoordinator(coordType, coordID)
		default:
			return resp, protocol.NewBrokerError(resp.Code)
		}

		if serr := c.sleep(ctx, attempt, kind); serr != nil {
			return nil, serr
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, attempt int, kind protocol.RequestKind) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s retries exhausted: %v", types.ErrTimeout, kind, ctx.Err())
	case <-c.clock.After(util.Backoff(attempt, c.backoff, c.backoffMax)):
		return nil
	}
}

// handleTerminal maps a terminal retryRequest outcome onto coordinator
// state: timeouts pass through, abortable errors arm the forced abort, and
// fatal errors poison the producer.
func (c *Coordinator) handleTerminal(kind protocol.RequestKind, resp *protocol.Response, err error) error {
	if errors.Is(err, types.ErrTimeout) || resp == nil {
		return err
	}
	switch protocol.Classify(kind, resp.Code) {
	case protocol.ClassAbortable:
		return c.setAbortable(resp.Code, err)
	default:
		return c.setFatal(kind, err)
	}
}

func (c *Coordinator) setAbortable(code protocol.ErrorCode, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortableErr == nil {
		c.abortableErr = err
	}
	// These two mean the broker lost our producer id; recover by bumping
	// the epoch after the abort instead of failing the producer.
	if code == protocol.ErrUnknownProducerID || code == protocol.ErrInvalidProducerIDMapping {
		c.epochBump = true
	}
	util.Warn("txn [%s]: abortable error, transaction must be aborted: %v", c.txnID, err)
	return c.abortableErr
}

func (c *Coordinator) setFatal(kind protocol.RequestKind, err error) error {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = fmt.Errorf("%w: %s: %v", types.ErrFatal, kind, err)
	}
	c.state = StateFatal
	ferr := c.fatalErr
	c.mu.Unlock()

	c.ids.Fail(ferr)
	if c.failPending != nil {
		c.failPending(ferr)
	}
	util.Error("txn [%s]: fatal error, producer unusable: %v", c.txnID, ferr)
	return ferr
}

// OnSendError feeds a produce-side classification into the transaction, so
// failed transactional sends force an abort or poison the producer.
func (c *Coordinator) OnSendError(class protocol.Classification, code protocol.ErrorCode, err error) {
	switch class {
	case protocol.ClassAbortable:
		_ = c.setAbortable(code, err)
	case protocol.ClassFatal:
		_ = c.setFatal(protocol.KindProduce, err)
	}
}
