package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/downfa11-org/go-producer/pkg/metrics"
	"github.com/downfa11-org/go-producer/pkg/protocol"
	"github.com/downfa11-org/go-producer/pkg/queue"
	"github.com/downfa11-org/go-producer/pkg/types"
	"github.com/downfa11-org/go-producer/util"
)

// sendResult carries one produce exchange back to the driver goroutine,
// which is the only place broker responses mutate message state.
type sendResult struct {
	tp      types.TopicPartition
	batch   []*queue.Message
	req     *protocol.ProduceRequest
	resp    *protocol.Response
	err     error
	attempt int
}

func (p *Producer) run() {
	defer close(p.doneCh)

	linger := time.Duration(p.cfg.LingerMS) * time.Millisecond
	if linger <= 0 {
		linger = time.Millisecond
	}
	ticker := p.clock.Ticker(linger)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
			p.pump()
		case <-ticker.C:
			p.pump()
		case res := <-p.respCh:
			p.handleSendResult(res)
			p.pump()
		}
	}
}

// pump drains every eligible partition into new produce requests, enlisting
// transactional destinations on first use.
func (p *Producer) pump() {
	if p.checkFatal() != nil {
		return
	}

	id, haveID := p.ids.Identity()
	if p.cfg.EnableIdempotence && !haveID {
		// Transactional producers acquire through InitTransactions; a
		// plain idempotent producer acquires in the background here.
		if p.txn == nil {
			p.acquireIdentity()
		}
		return
	}

	for _, tp := range p.buf.Drainable() {
		if p.txn != nil {
			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(p.cfg.RequestTimeoutMS)*time.Millisecond)
			err := p.txn.EnsurePartition(ctx, tp)
			cancel()
			if err != nil {
				util.Warn("driver: enlist %s failed, leaving messages queued: %v", tp, err)
				continue
			}
		}

		batch := p.buf.Drain(tp, p.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}
		p.send(tp, batch, buildProduceRequest(tp, batch, id), 0)
	}
}

func buildProduceRequest(tp types.TopicPartition, batch []*queue.Message, id types.ProducerIdentity) *protocol.ProduceRequest {
	records := make([]protocol.Record, len(batch))
	for i, m := range batch {
		records[i] = protocol.Record{ID: m.ID, Payload: m.Payload}
	}
	return &protocol.ProduceRequest{
		TopicPartition: tp,
		ProducerID:     id.ID,
		ProducerEpoch:  id.Epoch,
		BaseSequence:   batch[0].Sequence(),
		Records:        records,
	}
}

// send performs the blocking exchange off the driver goroutine and funnels
// the result back through respCh.
func (p *Producer) send(tp types.TopicPartition, batch []*queue.Message, req *protocol.ProduceRequest, attempt int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(p.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()

		var resp *protocol.Response
		broker, err := p.client.Leader(ctx, tp)
		if err == nil {
			resp, err = p.client.Send(ctx, broker, req)
		}

		select {
		case p.respCh <- sendResult{tp: tp, batch: batch, req: req, resp: resp, err: err, attempt: attempt}:
		case <-p.stopCh:
		}
	}()
}

func (p *Producer) handleSendResult(res sendResult) {
	// Messages purged or failed while the request was outstanding keep
	// their earlier outcome. This early check only drops fully resolved
	// batches; the per-message decision is made by the batch completion,
	// which filters and completes under one buffer lock acquisition so a
	// concurrent purge either wins a message entirely or loses it entirely.
	if len(p.buf.StillInFlight(res.batch)) == 0 {
		return
	}

	if res.err == nil && res.resp.Code == protocol.ErrNone {
		p.completeDelivered(res.batch, res.resp.BaseOffset)
		return
	}

	var class protocol.Classification
	var cause error
	if res.err != nil {
		// Transport failure: the send may or may not have reached the
		// broker; idempotent sequencing makes the resend safe.
		class = protocol.ClassRetrySame
		cause = res.err
	} else {
		class = protocol.Classify(protocol.KindProduce, res.resp.Code)
		cause = protocol.NewBrokerError(res.resp.Code)
	}

	switch class {
	case protocol.ClassNone:
		// Duplicate-sequence style outcomes: an earlier attempt already
		// landed.
		p.completeDelivered(res.batch, res.resp.BaseOffset)

	case protocol.ClassRetrySame, protocol.ClassRetryRefresh:
		deadline := res.batch[0].Enqueued.Add(time.Duration(p.cfg.MessageTimeoutMS) * time.Millisecond)
		if p.clock.Now().After(deadline) {
			p.completeFailed(res.batch, fmt.Errorf("%w: delivery retries exhausted: %v", types.ErrTimeout, cause))
			return
		}
		metrics.RequestRetries.WithLabelValues(protocol.KindProduce.String()).Inc()
		util.Debug("driver: retrying produce to %s (attempt %d): %v", res.tp, res.attempt+1, cause)
		backoff := util.Backoff(res.attempt,
			time.Duration(p.cfg.RetryBackoffMS)*time.Millisecond,
			time.Duration(p.cfg.RetryBackoffMaxMS)*time.Millisecond)
		// The resend carries the original batch alongside the unchanged
		// request, keeping batch positions aligned with record positions
		// for offset assignment on the eventual success.
		tp, batch, req, attempt := res.tp, res.batch, res.req, res.attempt+1
		p.clock.AfterFunc(backoff, func() {
			p.send(tp, batch, req, attempt)
		})

	case protocol.ClassAbortable:
		if p.txn != nil {
			p.txn.OnSendError(class, res.resp.Code, cause)
		}
		p.completeFailed(res.batch, cause)

	default:
		if p.txn != nil {
			p.txn.OnSendError(protocol.ClassFatal, res.resp.Code, cause)
			p.markFatal(cause)
		} else {
			p.setFatal(cause)
		}
	}
}

func (p *Producer) completeDelivered(batch []*queue.Message, baseOffset int64) {
	now := p.clock.Now()
	done := p.buf.CompleteDelivered(batch, baseOffset)
	for _, m := range done {
		metrics.PushDelivery(now.Sub(m.Enqueued).Seconds())
	}
	p.disp.DispatchAll(done)
	metrics.QueueDepth.Set(float64(p.buf.Len(nil)))
}

func (p *Producer) completeFailed(batch []*queue.Message, err error) {
	done := p.buf.CompleteFailed(batch, err)
	for range done {
		metrics.MessagesFailed.Inc()
	}
	p.disp.DispatchAll(done)
	metrics.QueueDepth.Set(float64(p.buf.Len(nil)))
}

// acquireIdentity starts one background acquisition for plain idempotent
// producers; transactional producers go through InitTransactions instead.
func (p *Producer) acquireIdentity() {
	p.mu.Lock()
	if p.acquiring {
		p.mu.Unlock()
		return
	}
	p.acquiring = true
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(p.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()

		_, err := p.ids.Acquire(ctx)

		p.mu.Lock()
		p.acquiring = false
		p.mu.Unlock()

		if err != nil {
			util.Warn("driver: identity acquisition failed: %v", err)
		}
		p.wake()
	}()
}
