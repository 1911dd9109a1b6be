package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/downfa11-org/go-producer/pkg/config"
	"github.com/downfa11-org/go-producer/pkg/delivery"
	"github.com/downfa11-org/go-producer/pkg/identity"
	"github.com/downfa11-org/go-producer/pkg/metrics"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/queue"
	"github.com/downfa11-org/go-producer/pkg/txn"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// Producer is the delivery engine: application threads enqueue messages and
// invoke control operations, a single background driver goroutine drains
// queues, sends produce requests and routes responses. Every message resolves
// with exactly one outcome through the delivery callback.
type Producer struct {
	cfg    *config.Config
	client protocol.Client
	clock  clock.Clock

	buf  *queue.Buffer
	disp *delivery.Dispatcher
	ids  *identity.Manager
	txn  *txn.Coordinator

	wakeCh chan struct{}
	respCh chan sendResult
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	fatalErr  error
	closed    bool
	acquiring bool
}

// New builds a producer over the given broker client and starts its driver.
// cb receives every delivery report; nil disables reporting.
func New(cfg *config.Config, client protocol.Client, cb delivery.Callback) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cl := clock.New()
	p := &Producer{
		cfg:    cfg,
		client: client,
		clock:  cl,
		buf:    queue.NewBuffer(cfg.QueueCapacity, cfg.MaxInFlight),
		disp:   delivery.NewDispatcher(cb),
		wakeCh: make(chan struct{}, 1),
		respCh: make(chan sendResult, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	p.ids = identity.NewManager(client, cl, cfg.TransactionalID,
		time.Duration(cfg.TransactionTimeoutMS)*time.Millisecond,
		time.Duration(cfg.RetryBackoffMS)*time.Millisecond,
		time.Duration(cfg.RetryBackoffMaxMS)*time.Millisecond)

	if cfg.Transactional() {
		p.txn = txn.NewCoordinator(client, p.ids, cl, cfg.TransactionalID,
			time.Duration(cfg.RetryBackoffMS)*time.Millisecond,
			time.Duration(cfg.RetryBackoffMaxMS)*time.Millisecond)
		p.txn.SetHooks(p.flushCtx, p.failPending)
	}

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	go p.run()
	util.Info("producer: started (transactional=%v idempotent=%v max_in_flight=%d)",
		cfg.Transactional(), cfg.EnableIdempotence, cfg.MaxInFlight)
	return p, nil
}

// Produce appends a message to the destination's queue in submission order.
// Fails fast with ErrQueueFull at capacity. Transactional producers must
// have an open transaction.
func (p *Producer) Produce(tp types.TopicPartition, payload []byte, opaque interface{}) (*queue.Message, error) {
	if err := p.checkFatal(); err != nil {
		return nil, err
	}
	if p.txn != nil && p.txn.State() != txn.StateInTransaction {
		return nil, fmt.Errorf("%w: produce requires an open transaction, state is %s",
			types.ErrInvalidState, p.txn.State())
	}

	m, err := p.buf.Enqueue(tp, payload, opaque)
	if err != nil {
		return nil, err
	}
	metrics.MessagesEnqueued.Inc()
	metrics.QueueDepth.Set(float64(p.buf.Len(nil)))
	p.wake()
	return m, nil
}

// Len counts non-terminal messages, producer-wide when scope is nil. The
// count reflects a purge the moment Purge returns.
func (p *Producer) Len(scope *types.TopicPartition) int {
	return p.buf.Len(scope)
}

// Purge cancels messages by their state at this moment and dispatches their
// delivery callbacks before returning, so a single Len call afterwards sees
// the final count. Succeeds even when nothing matched. While a transaction
// is open and healthy, purge is refused with ErrInvalidState: cancelling
// enlisted messages underneath a live transaction would break its
// all-or-nothing contract, so abort is the supported path. Purge is allowed
// again once the transaction is in abortable or fatal error.
func (p *Producer) Purge(flags types.PurgeFlags) error {
	if flags == 0 || flags&^(types.PurgeQueue|types.PurgeInflight) != 0 {
		return fmt.Errorf("%w: invalid purge flags 0x%x", types.ErrInvalidState, flags)
	}

	if p.txn != nil {
		state := p.txn.State()
		open := state == txn.StateInTransaction || state == txn.StateCommitting
		if open && p.txn.AbortableErr() == nil && p.txn.FatalErr() == nil && p.checkFatal() == nil {
			return fmt.Errorf("%w: purge refused while transaction is %s",
				types.ErrInvalidState, state)
		}
	}

	purged := p.buf.Purge(flags)
	for _, m := range purged {
		switch m.State() {
		case types.StatePurgedQueue:
			metrics.MessagesPurged.WithLabelValues("queue").Inc()
		case types.StatePurgedInflight:
			metrics.MessagesPurged.WithLabelValues("inflight").Inc()
		}
	}
	p.disp.DispatchAll(purged)
	metrics.QueueDepth.Set(float64(p.buf.Len(nil)))
	return nil
}

// Flush blocks until every message has reached a terminal state or the
// timeout elapses.
func (p *Producer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.flushCtx(ctx)
}

func (p *Producer) flushCtx(ctx context.Context) error {
	for {
		if p.buf.Len(nil) == 0 {
			return nil
		}
		p.wake()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: flush: %v", types.ErrTimeout, ctx.Err())
		case <-p.clock.After(5 * time.Millisecond):
		}
	}
}

// InitTransactions acquires the producer identity from the transaction
// coordinator, retrying transient errors up to the timeout. Idempotent after
// success.
func (p *Producer) InitTransactions(timeout time.Duration) error {
	if p.txn == nil {
		return fmt.Errorf("%w: no transactional id configured", types.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := p.ids.Acquire(ctx)
	if err != nil && errors.Is(err, types.ErrFatal) {
		p.markFatal(err)
	}
	return err
}

// BeginTransaction opens a transaction. Requires InitTransactions first.
func (p *Producer) BeginTransaction() error {
	if p.txn == nil {
		return fmt.Errorf("%w: no transactional id configured", types.ErrInvalidState)
	}
	if err := p.checkFatal(); err != nil {
		return err
	}
	if _, ok := p.ids.Identity(); !ok {
		return fmt.Errorf("%w: InitTransactions has not completed", types.ErrInvalidState)
	}
	return p.txn.Begin()
}

// SendOffsetsToTransaction enlists consumer-group offsets in the open
// transaction; they commit atomically with the produced messages.
func (p *Producer) SendOffsetsToTransaction(offsets []types.GroupOffset, groupID string, timeout time.Duration) error {
	if p.txn == nil {
		return fmt.Errorf("%w: no transactional id configured", types.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.txn.SendOffsets(ctx, offsets, groupID)
}

// CommitTransaction flushes enlisted sends and completes the transaction.
// On ErrTimeout the commit may still finish broker-side; calling again
// observes the outcome.
func (p *Producer) CommitTransaction(timeout time.Duration) error {
	if p.txn == nil {
		return fmt.Errorf("%w: no transactional id configured", types.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.txn.Commit(ctx); err != nil {
		return err
	}
	metrics.TxnCommits.Inc()
	return nil
}

// AbortTransaction rolls back the open transaction; its pending messages
// complete with ErrAborted.
func (p *Producer) AbortTransaction(timeout time.Duration) error {
	if p.txn == nil {
		return fmt.Errorf("%w: no transactional id configured", types.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.txn.Abort(ctx); err != nil {
		return err
	}
	metrics.TxnAborts.Inc()
	return nil
}

// TransactionState exposes the coordinator state, mainly for tests and
// operational logging.
func (p *Producer) TransactionState() txn.State {
	if p.txn == nil {
		return txn.StateReady
	}
	return p.txn.State()
}

// Dispatched returns the lifetime count of delivery callbacks invoked.
func (p *Producer) Dispatched() uint64 {
	return p.disp.Dispatched()
}

// Close stops the driver and resolves every remaining message through a
// purge, so no callback is ever skipped.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	leftover := p.buf.Purge(types.PurgeQueue | types.PurgeInflight)
	p.disp.DispatchAll(leftover)
	metrics.QueueDepth.Set(0)
	util.Info("producer: closed (%d messages purged on close)", len(leftover))
}

// FatalErr returns the sticky fatal error, if any.
func (p *Producer) FatalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

func (p *Producer) checkFatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatalErr != nil {
		return p.fatalErr
	}
	if err := p.ids.FatalErr(); err != nil {
		p.fatalErr = err
		return err
	}
	return nil
}

// markFatal records the fatal error without touching pending messages.
func (p *Producer) markFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatalErr == nil {
		if !errors.Is(err, types.ErrFatal) {
			err = fmt.Errorf("%w: %v", types.ErrFatal, err)
		}
		p.fatalErr = err
	}
}

// setFatal poisons the producer and resolves every pending message with the
// fatal error. Reported once; later operations fail fast.
func (p *Producer) setFatal(err error) {
	p.markFatal(err)
	ferr := p.FatalErr()
	p.ids.Fail(ferr)
	p.failPending(ferr)
	util.Error("producer: fatal error, instance unusable: %v", ferr)
}

// failPending completes and dispatches every non-terminal message.
func (p *Producer) failPending(err error) {
	failed := p.buf.FailAll(err)
	for range failed {
		metrics.MessagesFailed.Inc()
	}
	p.disp.DispatchAll(failed)
	metrics.QueueDepth.Set(float64(p.buf.Len(nil)))
}

func (p *Producer) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}
