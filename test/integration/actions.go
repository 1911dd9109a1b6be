package integration

import (
	"time"

	"github.com/downfa11-org/go-producer/pkg/producer"
	"github.com/downfa11-org/go-producer/pkg/types"
)

// Actions is the When phase: operations against the producer under test.
type Actions struct {
	ctx *Context
}

func (a *Actions) StartProducer() *Actions {
	p, err := producer.New(a.ctx.cfg, a.ctx.cluster, a.ctx.record)
	if err != nil {
		a.ctx.t.Fatalf("Failed to start producer: %v", err)
	}
	a.ctx.prod = p
	return a
}

func (a *Actions) InitTransactions() *Actions {
	a.ctx.t.Log("Initializing transactions...")
	if err := a.ctx.prod.InitTransactions(5 * time.Second); err != nil {
		a.ctx.t.Fatalf("InitTransactions failed: %v", err)
	}
	return a
}

func (a *Actions) BeginTransaction() *Actions {
	if err := a.ctx.prod.BeginTransaction(); err != nil {
		a.ctx.t.Fatalf("BeginTransaction failed: %v", err)
	}
	return a
}

func (a *Actions) ProduceMessages() *Actions {
	a.ctx.t.Logf("Producing %d messages to %s...", a.ctx.numMessages, a.ctx.destination())
	for i := 0; i < a.ctx.numMessages; i++ {
		if _, err := a.ctx.prod.Produce(a.ctx.destination(), []byte("integration-payload"), i); err != nil {
			a.ctx.t.Fatalf("Produce %d failed: %v", i, err)
		}
	}
	return a
}

// WaitForInflight blocks until at least one produce request reached the
// cluster, so a purge or abort afterwards finds messages in flight.
func (a *Actions) WaitForInflight() *Actions {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.ctx.cluster.ProduceRequestCount() >= 1 {
			return a
		}
		time.Sleep(2 * time.Millisecond)
	}
	a.ctx.t.Fatalf("no produce request reached the cluster")
	return a
}

func (a *Actions) PurgeAll() *Actions {
	a.ctx.lastErr = a.ctx.prod.Purge(types.PurgeQueue | types.PurgeInflight)
	return a
}

func (a *Actions) PurgeQueued() *Actions {
	a.ctx.lastErr = a.ctx.prod.Purge(types.PurgeQueue)
	return a
}

func (a *Actions) PurgeInflight() *Actions {
	a.ctx.lastErr = a.ctx.prod.Purge(types.PurgeInflight)
	return a
}

func (a *Actions) ReleaseBroker() *Actions {
	a.ctx.cluster.ReleaseProduce()
	// Give stalled responses time to come back and be discarded.
	time.Sleep(20 * time.Millisecond)
	return a
}

func (a *Actions) SendOffsets(group string, offset int64) *Actions {
	offsets := []types.GroupOffset{{Topic: a.ctx.topic, Partition: a.ctx.partition, Offset: offset}}
	if err := a.ctx.prod.SendOffsetsToTransaction(offsets, group, 5*time.Second); err != nil {
		a.ctx.t.Fatalf("SendOffsetsToTransaction failed: %v", err)
	}
	return a
}

func (a *Actions) CommitTransaction() *Actions {
	a.ctx.lastErr = a.ctx.prod.CommitTransaction(10 * time.Second)
	return a
}

func (a *Actions) AbortTransaction() *Actions {
	a.ctx.lastErr = a.ctx.prod.AbortTransaction(10 * time.Second)
	return a
}

func (a *Actions) Flush() *Actions {
	if err := a.ctx.prod.Flush(10 * time.Second); err != nil {
		a.ctx.t.Fatalf("Flush failed: %v", err)
	}
	return a
}

func (a *Actions) Then() *Consequences {
	return &Consequences{ctx: a.ctx}
}
