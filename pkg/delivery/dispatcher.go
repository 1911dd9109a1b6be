package delivery

import (
	"fmt"
	"sync/atomic"

	"github.com/downfa11-org/go-producer/pkg/queue"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// Callback receives the final outcome of one message. It runs on the
// goroutine that completed the message: the driver for broker outcomes, the
// calling thread for purge, abort and fatal paths.
type Callback func(report types.DeliveryReport)

// Dispatcher invokes the registered completion callback exactly once per
// message. Double dispatch is a correctness fault, not a recoverable
// condition, and panics.
type Dispatcher struct {
	cb    Callback
	count atomic.Uint64
}

func NewDispatcher(cb Callback) *Dispatcher {
	return &Dispatcher{cb: cb}
}

// Dispatch hands a terminal message to the callback. The message must not be
// dispatched again afterwards; it no longer belongs to the engine.
func (d *Dispatcher) Dispatch(m *queue.Message) {
	if !m.State().IsTerminal() {
		panic(fmt.Sprintf("delivery: dispatch of non-terminal message %d (state %s)", m.ID, m.State()))
	}
	if !m.MarkDispatched() {
		panic(fmt.Sprintf("delivery: message %d dispatched twice", m.ID))
	}
	d.count.Add(1)
	if d.cb == nil {
		return
	}
	report := m.Report()
	util.Debug("delivery: msg %d on %s resolved: state=%s err=%v",
		m.ID, m.TopicPartition, m.State(), report.Err)
	d.cb(report)
}

// DispatchAll dispatches a batch in order.
func (d *Dispatcher) DispatchAll(msgs []*queue.Message) {
	for _, m := range msgs {
		d.Dispatch(m)
	}
}

// Dispatched returns how many messages have been handed to the callback over
// the producer's lifetime.
func (d *Dispatcher) Dispatched() uint64 {
	return d.count.Load()
}
