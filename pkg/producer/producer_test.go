package producer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/go-producer/pkg/config"
	"github.com/downfa11-org/go-producer/pkg/mock"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/txn"
	"github.com/downfa11-org/go-producer/pkg/types"
)

var testTP = types.TopicPartition{Topic: "orders", Partition: 0}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.QueueCapacity = 1000
	cfg.BatchSize = 10
	cfg.MaxInFlight = 10
	cfg.LingerMS = 1
	cfg.RetryBackoffMS = 1
	cfg.RetryBackoffMaxMS = 5
	cfg.RequestTimeoutMS = 200
	cfg.MessageTimeoutMS = 2000
	return cfg
}

func txnConfig() *config.Config {
	cfg := testConfig()
	cfg.TransactionalID = "txn-test"
	return cfg
}

// reportSink collects delivery reports across goroutines.
type reportSink struct {
	mu      sync.Mutex
	reports []types.DeliveryReport
}

func (s *reportSink) cb(r types.DeliveryReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *reportSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *reportSink) snapshot() []types.DeliveryReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DeliveryReport(nil), s.reports...)
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPurgeWithoutConnection(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.SetOffline(true)

	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := p.Produce(testTP, []byte("m"), i); err != nil {
			t.Fatalf("produce %d failed: %v", i, err)
		}
	}
	if got := p.Len(nil); got != n {
		t.Fatalf("len = %d before purge, expected %d", got, n)
	}

	if err := p.Purge(types.PurgeQueue | types.PurgeInflight); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	// Purge dispatches synchronously: one Len call sees the final count.
	if got := p.Len(nil); got != 0 {
		t.Fatalf("len = %d after purge", got)
	}
	reports := sink.snapshot()
	if len(reports) != n {
		t.Fatalf("%d delivery reports, expected %d", len(reports), n)
	}
	for _, r := range reports {
		if !errors.Is(r.Err, types.ErrPurgeQueue) {
			t.Fatalf("report err = %v, expected purge-queue", r.Err)
		}
	}
	if p.Dispatched() != n {
		t.Fatalf("dispatched = %d", p.Dispatched())
	}
}

func TestPurgeAcrossDestinationsIncludingUnassigned(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.SetOffline(true)

	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	dests := []types.TopicPartition{
		{Topic: "orders", Partition: types.PartitionAny},
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
		{Topic: "orders", Partition: 2},
	}
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := p.Produce(dests[i%len(dests)], []byte("m"), nil); err != nil {
			t.Fatalf("produce %d failed: %v", i, err)
		}
	}

	// Nothing is in flight, so an inflight purge touches nothing.
	if err := p.Purge(types.PurgeInflight); err != nil {
		t.Fatalf("inflight purge failed: %v", err)
	}
	if got := p.Len(nil); got != n {
		t.Fatalf("len = %d after inflight purge, expected %d", got, n)
	}
	if got := sink.len(); got != 0 {
		t.Fatalf("%d callbacks from a no-op purge", got)
	}

	// The queue purge takes all of them, the unassigned queue included.
	if err := p.Purge(types.PurgeQueue); err != nil {
		t.Fatalf("queue purge failed: %v", err)
	}
	if got := p.Len(nil); got != 0 {
		t.Fatalf("len = %d after queue purge", got)
	}
	reports := sink.snapshot()
	if len(reports) != n {
		t.Fatalf("%d reports, expected %d", len(reports), n)
	}
	perDest := make(map[types.TopicPartition]int)
	for _, r := range reports {
		if !errors.Is(r.Err, types.ErrPurgeQueue) {
			t.Fatalf("report err = %v, expected purge-queue", r.Err)
		}
		perDest[r.TopicPartition]++
	}
	for _, tp := range dests {
		if perDest[tp] != n/len(dests) {
			t.Fatalf("destination %s resolved %d messages, expected %d", tp, perDest[tp], n/len(dests))
		}
	}
}

func TestProduceNotBlockedByIdentityRetries(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.SetOffline(true)

	cfg := testConfig()
	cfg.RequestTimeoutMS = 1500
	p, err := New(cfg, cluster, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	// Let the background identity acquisition start retrying against the
	// unreachable cluster.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Produce blocked %v behind the identity retry loop", elapsed)
	}
}

func TestPurgeSeparatesQueuedAndInflight(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.HoldProduce()

	sink := &reportSink{}
	cfg := testConfig()
	p, err := New(cfg, cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
			t.Fatalf("produce failed: %v", err)
		}
	}

	// One batch of 10 goes in flight and blocks; the other 10 stay queued.
	waitUntil(t, time.Second, "first batch in flight", func() bool {
		return cluster.ProduceRequestCount() >= 1
	})

	if err := p.Purge(types.PurgeQueue); err != nil {
		t.Fatalf("purge queue failed: %v", err)
	}
	if got := p.Len(nil); got != cfg.MaxInFlight {
		t.Fatalf("len after queue purge = %d, expected %d in flight", got, cfg.MaxInFlight)
	}
	for _, r := range sink.snapshot() {
		if !errors.Is(r.Err, types.ErrPurgeQueue) {
			t.Fatalf("queued message purged with %v", r.Err)
		}
	}

	if err := p.Purge(types.PurgeInflight); err != nil {
		t.Fatalf("purge inflight failed: %v", err)
	}
	if got := p.Len(nil); got != 0 {
		t.Fatalf("len after inflight purge = %d", got)
	}

	inflightPurged := 0
	for _, r := range sink.snapshot() {
		if errors.Is(r.Err, types.ErrPurgeInflight) {
			inflightPurged++
		}
	}
	if inflightPurged != cfg.MaxInFlight {
		t.Fatalf("%d inflight-purge reports, expected %d", inflightPurged, cfg.MaxInFlight)
	}

	// The stalled response must not trigger a second callback round.
	cluster.ReleaseProduce()
	time.Sleep(20 * time.Millisecond)
	if got := sink.len(); got != n {
		t.Fatalf("%d reports after release, expected exactly %d", got, n)
	}
}

func TestDeliverySucceeds(t *testing.T) {
	cluster := mock.NewCluster(3)
	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := p.Produce(testTP, []byte("m"), i); err != nil {
			t.Fatalf("produce failed: %v", err)
		}
	}
	if err := p.Flush(2 * time.Second); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	reports := sink.snapshot()
	if len(reports) != n {
		t.Fatalf("%d reports, expected %d", len(reports), n)
	}
	offsets := make(map[int64]bool)
	for i, r := range reports {
		if r.Err != nil {
			t.Fatalf("report %d err = %v", i, r.Err)
		}
		offsets[r.Offset] = true
	}
	for off := int64(0); off < n; off++ {
		if !offsets[off] {
			t.Fatalf("offset %d never reported: %v", off, offsets)
		}
	}
	if got := cluster.LogEndOffset(testTP); got != n {
		t.Fatalf("log end offset = %d, expected %d", got, n)
	}
}

func TestProduceRetriesTransientError(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.PushRequestErrors(protocol.KindProduce, protocol.ErrNotEnoughReplicas)

	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	if err := p.Flush(2 * time.Second); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if cluster.ProduceRequestCount() != 2 {
		t.Fatalf("%d produce requests, expected a retry", cluster.ProduceRequestCount())
	}
	reports := sink.snapshot()
	if len(reports) != 1 || reports[0].Err != nil {
		t.Fatalf("reports after retry: %+v", reports)
	}
}

func TestFatalProduceErrorPoisons(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.PushRequestErrors(protocol.KindProduce, protocol.ErrOutOfOrderSequenceNumber)

	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	waitUntil(t, time.Second, "fatal error", func() bool { return p.FatalErr() != nil })

	if !errors.Is(p.FatalErr(), types.ErrFatal) {
		t.Fatalf("fatal err = %v", p.FatalErr())
	}
	if _, err := p.Produce(testTP, []byte("m"), nil); !errors.Is(err, types.ErrFatal) {
		t.Fatalf("produce after fatal = %v", err)
	}
	waitUntil(t, time.Second, "pending message failed", func() bool { return sink.len() == 1 })
	if r := sink.snapshot()[0]; !errors.Is(r.Err, types.ErrFatal) {
		t.Fatalf("report err = %v", r.Err)
	}
}

func TestTransactionCommit(t *testing.T) {
	cluster := mock.NewCluster(3)
	sink := &reportSink{}
	p, err := New(txnConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.InitTransactions(time.Second); err != nil {
		t.Fatalf("init transactions: %v", err)
	}
	if err := p.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
			t.Fatalf("produce failed: %v", err)
		}
	}
	offsets := []types.GroupOffset{{Topic: "orders", Partition: 0, Offset: 42}}
	if err := p.SendOffsetsToTransaction(offsets, "group-1", time.Second); err != nil {
		t.Fatalf("send offsets: %v", err)
	}
	if err := p.CommitTransaction(2 * time.Second); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := sink.len(); got != n {
		t.Fatalf("%d reports, expected %d", got, n)
	}
	for _, r := range sink.snapshot() {
		if r.Err != nil {
			t.Fatalf("transactional delivery failed: %v", r.Err)
		}
	}
	if results := cluster.EndTxnResults(); len(results) != 1 || !results[0] {
		t.Fatalf("EndTxn outcomes = %v", results)
	}
	if got := cluster.CommittedOffset("group-1", testTP); got != 42 {
		t.Fatalf("committed offset = %d", got)
	}
	if p.TransactionState() != txn.StateReady {
		t.Fatalf("state = %s after commit", p.TransactionState())
	}

	// The producer is ready for the next transaction.
	if err := p.BeginTransaction(); err != nil {
		t.Fatalf("begin after commit: %v", err)
	}
}

func TestTransactionCommitRetriesEndTxn(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.PushRequestErrors(protocol.KindInitProducerID,
		protocol.ErrCoordinatorLoadInProgress,
		protocol.ErrCoordinatorNotAvailable,
		protocol.ErrNotCoordinator)
	cluster.PushRequestErrors(protocol.KindProduce, protocol.ErrNotEnoughReplicas)
	cluster.PushRequestErrors(protocol.KindAddPartitionsToTxn, protocol.ErrConcurrentTransactions)
	cluster.PushRequestErrors(protocol.KindEndTxn,
		protocol.ErrCoordinatorNotAvailable,
		protocol.ErrNotCoordinator,
		protocol.ErrCoordinatorLoadInProgress)

	sink := &reportSink{}
	p, err := New(txnConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.InitTransactions(2 * time.Second); err != nil {
		t.Fatalf("init transactions failed despite retryable errors: %v", err)
	}
	if err := p.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	if err := p.CommitTransaction(5 * time.Second); err != nil {
		t.Fatalf("commit failed despite retryable errors: %v", err)
	}

	if results := cluster.EndTxnResults(); len(results) != 1 || !results[0] {
		t.Fatalf("EndTxn outcomes = %v", results)
	}
	reports := sink.snapshot()
	if len(reports) != 1 || reports[0].Err != nil {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestTransactionAbort(t *testing.T) {
	cluster := mock.NewCluster(3)
	sink := &reportSink{}
	p, err := New(txnConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.InitTransactions(time.Second); err != nil {
		t.Fatalf("init transactions: %v", err)
	}
	if err := p.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	cluster.HoldProduce()
	const n = 3
	for i := 0; i < n; i++ {
		if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
			t.Fatalf("produce failed: %v", err)
		}
	}
	waitUntil(t, time.Second, "batch in flight", func() bool {
		return cluster.ProduceRequestCount() >= 1
	})

	if err := p.AbortTransaction(2 * time.Second); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if got := sink.len(); got != n {
		t.Fatalf("%d reports after abort, expected %d", got, n)
	}
	for _, r := range sink.snapshot() {
		if !errors.Is(r.Err, types.ErrAborted) {
			t.Fatalf("aborted message resolved with %v", r.Err)
		}
	}
	if results := cluster.EndTxnResults(); len(results) != 1 || results[0] {
		t.Fatalf("EndTxn outcomes = %v, expected one abort", results)
	}
	if p.TransactionState() != txn.StateReady {
		t.Fatalf("state = %s after abort", p.TransactionState())
	}

	// The held response arrives after the abort and must be dropped.
	cluster.ReleaseProduce()
	time.Sleep(20 * time.Millisecond)
	if got := p.Dispatched(); got != n {
		t.Fatalf("dispatched = %d after late response, expected %d", got, n)
	}
}

func TestProduceRequiresOpenTransaction(t *testing.T) {
	cluster := mock.NewCluster(3)
	p, err := New(txnConfig(), cluster, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.InitTransactions(time.Second); err != nil {
		t.Fatalf("init transactions: %v", err)
	}
	if _, err := p.Produce(testTP, []byte("m"), nil); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("produce outside transaction = %v, expected ErrInvalidState", err)
	}
}

func TestPurgeRefusedDuringOpenTransaction(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.HoldProduce()

	sink := &reportSink{}
	p, err := New(txnConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.InitTransactions(time.Second); err != nil {
		t.Fatalf("init transactions: %v", err)
	}
	if err := p.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
		t.Fatalf("produce failed: %v", err)
	}

	if err := p.Purge(types.PurgeQueue | types.PurgeInflight); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("purge during open transaction = %v, expected ErrInvalidState", err)
	}

	if err := p.AbortTransaction(2 * time.Second); err != nil {
		t.Fatalf("abort: %v", err)
	}
	cluster.ReleaseProduce()

	// With no transaction open, purge is a no-op that succeeds.
	if err := p.Purge(types.PurgeQueue | types.PurgeInflight); err != nil {
		t.Fatalf("purge after abort = %v", err)
	}
}

func TestPurgeInvalidFlags(t *testing.T) {
	p, err := New(testConfig(), mock.NewCluster(1), nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	if err := p.Purge(0); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("purge(0) = %v", err)
	}
	if err := p.Purge(types.PurgeFlags(0x80)); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("purge(unknown flag) = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.SetOffline(true)

	cfg := testConfig()
	cfg.QueueCapacity = 3
	p, err := New(cfg, cluster, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()

	for i := 0; i < 3; i++ {
		if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
			t.Fatalf("produce %d failed: %v", i, err)
		}
	}
	if _, err := p.Produce(testTP, []byte("m"), nil); !errors.Is(err, types.ErrQueueFull) {
		t.Fatalf("produce at capacity = %v, expected ErrQueueFull", err)
	}
}

func TestCloseResolvesPending(t *testing.T) {
	cluster := mock.NewCluster(3)
	cluster.SetOffline(true)

	sink := &reportSink{}
	p, err := New(testConfig(), cluster, sink.cb)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := p.Produce(testTP, []byte("m"), nil); err != nil {
			t.Fatalf("produce failed: %v", err)
		}
	}
	p.Close()

	if got := sink.len(); got != 4 {
		t.Fatalf("%d reports after close, expected 4", got)
	}
	// Close twice is safe.
	p.Close()
}
