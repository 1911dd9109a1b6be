package integration

import (
	"fmt"
	"sync"
	"testing"

	"github.com/downfa11-org/go-producer/pkg/config"
	"github.com/downfa11-org/go-producer/pkg/mock"
	"github.com/downfa11-org/go-producer/pkg/producer"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/google/uuid"
)

// Context carries one scenario's cluster, producer and observed delivery
// reports through the Given/When/Then chain.
type Context struct {
	t *testing.T

	cluster *mock.Cluster
	prod    *producer.Producer
	cfg     *config.Config

	topic       string
	partition   int32
	numMessages int

	mu      sync.Mutex
	reports []types.DeliveryReport

	lastErr error
}

func Given(t *testing.T) *Context {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 10
	cfg.MaxInFlight = 10
	cfg.LingerMS = 1
	cfg.RetryBackoffMS = 1
	cfg.RetryBackoffMaxMS = 5
	cfg.RequestTimeoutMS = 500
	cfg.MessageTimeoutMS = 5000

	return &Context{
		t:           t,
		cluster:     mock.NewCluster(3),
		cfg:         cfg,
		topic:       fmt.Sprintf("test-topic-%s", uuid.New().String()[:8]),
		numMessages: 10,
	}
}

func (c *Context) WithTopic(topic string) *Context {
	c.topic = topic
	return c
}

func (c *Context) WithNumMessages(n int) *Context {
	c.numMessages = n
	return c
}

func (c *Context) WithTransactionalID(id string) *Context {
	c.cfg.TransactionalID = id
	return c
}

func (c *Context) WithOfflineCluster() *Context {
	c.cluster.SetOffline(true)
	return c
}

func (c *Context) WithStalledBroker() *Context {
	c.cluster.HoldProduce()
	return c
}

func (c *Context) WithInjectedErrors(kind protocol.RequestKind, codes ...protocol.ErrorCode) *Context {
	c.cluster.PushRequestErrors(kind, codes...)
	return c
}

func (c *Context) When() *Actions {
	return &Actions{ctx: c}
}

func (c *Context) Cleanup() {
	c.cluster.ReleaseProduce()
	if c.prod != nil {
		c.prod.Close()
	}
}

func (c *Context) destination() types.TopicPartition {
	return types.TopicPartition{Topic: c.topic, Partition: c.partition}
}

func (c *Context) record(r types.DeliveryReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *Context) snapshot() []types.DeliveryReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.DeliveryReport(nil), c.reports...)
}
