package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

const (
	noProducerID    int64 = -1
	noProducerEpoch int16 = -1
)

// Manager acquires and caches the producer's idempotency identity from the
// transaction coordinator, retrying transient coordinator errors. It is the
// single writer of the identity; everything else reads through Identity.
type Manager struct {
	mu     sync.Mutex
	client protocol.Client
	clock  clock.Clock

	txnID      string
	txnTimeout time.Duration
	backoff    time.Duration
	backoffMax time.Duration

	id       types.ProducerIdentity
	acquired bool
	fatalErr error

	// Non-nil while one coordinator exchange is running; closed when it
	// finishes so concurrent acquirers can wait without holding mu.
	inflight chan struct{}
}

func NewManager(client protocol.Client, cl clock.Clock, txnID string,
	txnTimeout, backoff, backoffMax time.Duration) *Manager {
	if cl == nil {
		cl = clock.New()
	}
	return &Manager{
		client:     client,
		clock:      cl,
		txnID:      txnID,
		txnTimeout: txnTimeout,
		backoff:    backoff,
		backoffMax: backoffMax,
		id:         types.ProducerIdentity{ID: noProducerID, Epoch: noProducerEpoch},
	}
}

// Acquire returns the cached identity, or contacts the coordinator until it
// succeeds, the context deadline passes, or a fatal error surfaces. Repeated
// calls after success are free. After an Invalidate the current identity is
// sent along so the coordinator bumps the epoch instead of assigning a new id.
// The lock is held only around the cached state, never across the network
// exchange, so Identity and FatalErr answer immediately while the coordinator
// is slow; concurrent acquirers share one exchange instead of racing.
func (m *Manager) Acquire(ctx context.Context) (types.ProducerIdentity, error) {
	for {
		m.mu.Lock()
		if m.fatalErr != nil {
			err := m.fatalErr
			m.mu.Unlock()
			return types.ProducerIdentity{}, err
		}
		if m.acquired {
			id := m.id
			m.mu.Unlock()
			return id, nil
		}
		if m.inflight == nil {
			break
		}
		wait := m.inflight
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.ProducerIdentity{}, fmt.Errorf("%w: acquiring producer identity: %v",
				types.ErrTimeout, ctx.Err())
		case <-wait:
			// Re-check what the exchange produced.
		}
	}

	m.inflight = make(chan struct{})
	req := &protocol.InitProducerIDRequest{
		TransactionalID:    m.txnID,
		TransactionTimeout: m.txnTimeout,
		ProducerID:         m.id.ID,
		ProducerEpoch:      m.id.Epoch,
	}
	m.mu.Unlock()

	id, err := m.exchange(ctx, req)

	m.mu.Lock()
	close(m.inflight)
	m.inflight = nil
	switch {
	case err == nil:
		m.id = id
		m.acquired = true
		util.Info("identity: acquired %s for transactional id %q", m.id, m.txnID)
	case errors.Is(err, types.ErrFatal):
		if m.fatalErr == nil {
			m.fatalErr = err
		}
	}
	m.mu.Unlock()
	return id, err
}

// exchange runs the InitProducerId retry loop. Called without the lock.
func (m *Manager) exchange(ctx context.Context, req *protocol.InitProducerIDRequest) (types.ProducerIdentity, error) {
	for attempt := 0; ; attempt++ {
		broker, err := m.client.Coordinator(ctx, protocol.CoordinatorTxn, m.txnID)
		if err != nil {
			if serr := m.sleep(ctx, attempt); serr != nil {
				return types.ProducerIdentity{}, serr
			}
			continue
		}

		resp, err := m.client.Send(ctx, broker, req)
		if err != nil {
			// Transport failure: the coordinator may have moved.
			m.client.RefreshCoordinator(protocol.CoordinatorTxn, m.txnID)
			if serr := m.sleep(ctx, attempt); serr != nil {
				return types.ProducerIdentity{}, serr
			}
			continue
		}

		if resp.Code == protocol.ErrNone {
			return types.ProducerIdentity{ID: resp.ProducerID, Epoch: resp.ProducerEpoch}, nil
		}

		switch protocol.Classify(protocol.KindInitProducerID, resp.Code) {
		case protocol.ClassRetrySame:
			util.Debug("identity: retrying InitProducerId after %s", resp.Code)
		case protocol.ClassRetryRefresh:
			util.Debug("identity: refreshing coordinator after %s", resp.Code)
			m.client.RefreshCoordinator(protocol.CoordinatorTxn, m.txnID)
		default:
			// No transaction exists at this step, so abortable escalates
			// to fatal alongside the truly fatal codes.
			ferr := fmt.Errorf("%w: InitProducerId failed: %s", types.ErrFatal, resp.Code)
			util.Error("identity: %v", ferr)
			return types.ProducerIdentity{}, ferr
		}

		if serr := m.sleep(ctx, attempt); serr != nil {
			return types.ProducerIdentity{}, serr
		}
	}
}

func (m *Manager) sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: acquiring producer identity: %v", types.ErrTimeout, ctx.Err())
	case <-m.clock.After(util.Backoff(attempt, m.backoff, m.backoffMax)):
		return nil
	}
}

// Identity returns the cached identity without contacting the broker.
func (m *Manager) Identity() (types.ProducerIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.acquired
}

// Invalidate forces the next dependent operation to re-acquire, keeping the
// current id so the coordinator performs an epoch bump.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		util.Warn("identity: %s invalidated, epoch bump required", m.id)
	}
	m.acquired = false
}

// Fail marks the identity permanently unusable; every later Acquire returns
// the same fatal error.
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
}

// FatalErr returns the sticky fatal error, if any.
func (m *Manager) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}
