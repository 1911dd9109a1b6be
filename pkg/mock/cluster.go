package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// Cluster is an in-process broker cluster implementing protocol.Client.
// It exists for verification and benchmarking: tests inject error responses
// for upcoming requests, observe requests as they are sent, hold produce
// responses to pin messages in flight, and move coordinators between brokers.
type Cluster struct {
	mu      sync.Mutex
	brokers int32

	txnCoordinator   int32
	groupCoordinator int32

	// FIFO of injected error codes per request kind; each Send of that
	// kind pops one until the queue is empty.
	injected map[protocol.RequestKind][]protocol.ErrorCode

	observers []func(kind protocol.RequestKind, broker int32)

	nextPID int64
	epochs  map[string]int16

	logEnd    map[types.TopicPartition]int64
	committed map[string]map[types.TopicPartition]int64

	enlisted   map[types.TopicPartition]struct{}
	endTxns    []bool
	produceCnt int

	holding   bool
	releaseCh chan struct{}

	offline bool
	rtt     time.Duration
}

// NewCluster creates a mock cluster with the given broker count. Broker ids
// are 0..brokers-1; both coordinators start on broker 0.
func NewCluster(brokers int32) *Cluster {
	if brokers <= 0 {
		brokers = 1
	}
	return &Cluster{
		brokers:   brokers,
		injected:  make(map[protocol.RequestKind][]protocol.ErrorCode),
		epochs:    make(map[string]int16),
		logEnd:    make(map[types.TopicPartition]int64),
		committed: make(map[string]map[types.TopicPartition]int64),
		enlisted:  make(map[types.TopicPartition]struct{}),
	}
}

// PushRequestErrors queues error responses for the next len(codes) requests
// of the given kind, in order.
func (c *Cluster) PushRequestErrors(kind protocol.RequestKind, codes ...protocol.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injected[kind] = append(c.injected[kind], codes...)
}

// OnRequestSent registers an observer invoked for every request before its
// response is produced, including held and error-injected requests.
func (c *Cluster) OnRequestSent(fn func(kind protocol.RequestKind, broker int32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// HoldProduce makes subsequent produce requests block until ReleaseProduce,
// keeping their messages in flight.
func (c *Cluster) HoldProduce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		return
	}
	c.holding = true
	c.releaseCh = make(chan struct{})
}

// ReleaseProduce unblocks held produce requests.
func (c *Cluster) ReleaseProduce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.holding {
		return
	}
	c.holding = false
	close(c.releaseCh)
	c.releaseCh = nil
}

// SetTxnCoordinator moves the transaction coordinator to another broker,
// as happens after a NOT_COORDINATOR redirect.
func (c *Cluster) SetTxnCoordinator(broker int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txnCoordinator = broker % c.brokers
}

// SetOffline makes the cluster unreachable: coordinator and leader
// resolution and sends all fail at the transport level, so an idempotent
// producer never acquires an identity and its messages stay queued.
func (c *Cluster) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

// SetRTT adds artificial latency to every request.
func (c *Cluster) SetRTT(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtt = d
}

// EnlistedPartitions returns the partitions added to the current transaction.
func (c *Cluster) EnlistedPartitions() []types.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TopicPartition, 0, len(c.enlisted))
	for tp := range c.enlisted {
		out = append(out, tp)
	}
	return out
}

// CommittedOffset returns the transactionally committed offset for a group
// and partition, or -1 when none was committed.
func (c *Cluster) CommittedOffset(group string, tp types.TopicPartition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offsets, ok := c.committed[group]; ok {
		if off, ok := offsets[tp]; ok {
			return off
		}
	}
	return -1
}

// EndTxnResults returns the commit flags of completed EndTxn requests, in
// arrival order.
func (c *Cluster) EndTxnResults() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.endTxns...)
}

// ProduceRequestCount returns how many produce requests reached the cluster.
func (c *Cluster) ProduceRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produceCnt
}

// LogEndOffset returns the next offset that would be assigned for a partition.
func (c *Cluster) LogEndOffset(tp types.TopicPartition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logEnd[tp]
}

// Coordinator implements protocol.Client.
func (c *Cluster) Coordinator(ctx context.Context, typ protocol.CoordinatorType, id string) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return -1, fmt.Errorf("cluster unreachable")
	}
	if typ == protocol.CoordinatorGroup {
		return c.groupCoordinator, nil
	}
	return c.txnCoordinator, nil
}

// RefreshCoordinator implements protocol.Client. The mock resolves fresh on
// every Coordinator call, so there is no cache to drop.
func (c *Cluster) RefreshCoordinator(typ protocol.CoordinatorType, id string) {}

// Leader implements protocol.Client, spreading partitions over brokers by
// hash. PartitionAny has no leader; the engine never sends to it.
func (c *Cluster) Leader(ctx context.Context, tp types.TopicPartition) (int32, error) {
	if tp.Partition == types.PartitionAny {
		return -1, fmt.Errorf("partition not assigned: %s", tp)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return -1, fmt.Errorf("cluster unreachable")
	}
	h := fnv.New32a()
	h.Write([]byte(tp.Topic))
	return (int32(h.Sum32())&0x7fffffff + tp.Partition) % c.brokers, nil
}

// Send implements protocol.Client.
func (c *Cluster) Send(ctx context.Context, broker int32, req protocol.Request) (*protocol.Response, error) {
	kind := req.Kind()

	c.mu.Lock()
	for _, fn := range c.observers {
		fn(kind, broker)
	}
	if kind == protocol.KindProduce {
		c.produceCnt++
	}

	var injectedCode protocol.ErrorCode
	haveInjected := false
	if queue := c.injected[kind]; len(queue) > 0 {
		injectedCode = queue[0]
		c.injected[kind] = queue[1:]
		haveInjected = true
	}

	hold := c.releaseCh
	holding := c.holding && kind == protocol.KindProduce
	offline := c.offline
	rtt := c.rtt
	c.mu.Unlock()

	if offline {
		return nil, fmt.Errorf("cluster unreachable")
	}

	if rtt > 0 {
		select {
		case <-time.After(rtt):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if holding {
		util.Debug("mock: holding %s response on broker %d", kind, broker)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if haveInjected {
		util.Debug("mock: injecting %s for %s on broker %d", injectedCode, kind, broker)
		return &protocol.Response{Code: injectedCode}, nil
	}

	return c.handle(req)
}

func (c *Cluster) handle(req protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r := req.(type) {
	case *protocol.InitProducerIDRequest:
		epoch := c.epochs[r.TransactionalID]
		c.epochs[r.TransactionalID] = epoch + 1
		pid := r.ProducerID
		if pid < 0 {
			// First acquisition gets a fresh id; re-acquisition with a
			// known id is an epoch bump and keeps it.
			c.nextPID++
			pid = c.nextPID
		}
		return &protocol.Response{
			Code:          protocol.ErrNone,
			ProducerID:    pid,
			ProducerEpoch: epoch,
		}, nil

	case *protocol.ProduceRequest:
		base := c.logEnd[r.TopicPartition]
		c.logEnd[r.TopicPartition] = base + int64(len(r.Records))
		return &protocol.Response{Code: protocol.ErrNone, BaseOffset: base}, nil

	case *protocol.AddPartitionsToTxnRequest:
		for _, tp := range r.Partitions {
			c.enlisted[tp] = struct{}{}
		}
		return &protocol.Response{Code: protocol.ErrNone}, nil

	case *protocol.AddOffsetsToTxnRequest:
		return &protocol.Response{Code: protocol.ErrNone}, nil

	case *protocol.TxnOffsetCommitRequest:
		offsets, ok := c.committed[r.GroupID]
		if !ok {
			offsets = make(map[types.TopicPartition]int64)
			c.committed[r.GroupID] = offsets
		}
		for _, o := range r.Offsets {
			offsets[types.TopicPartition{Topic: o.Topic, Partition: o.Partition}] = o.Offset
		}
		return &protocol.Response{Code: protocol.ErrNone}, nil

	case *protocol.EndTxnRequest:
		c.endTxns = append(c.endTxns, r.Commit)
		c.enlisted = make(map[types.TopicPartition]struct{})
		return &protocol.Response{Code: protocol.ErrNone}, nil

	default:
		return nil, fmt.Errorf("mock cluster: unsupported request %T", req)
	}
}
