package bench

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/downfa11-org/go-producer/pkg/config"
	"github.com/downfa11-org/go-producer/pkg/mock"
	"github.com/downfa11-org/go-producer/pkg/producer"
	"github.com/downfa11-org/go-producer/pkg/types"
)

// BenchmarkRunner drives the delivery engine against an in-process mock
// cluster and reports throughput and delivery latency.
type BenchmarkRunner struct {
	Topic       string
	Partitions  int
	NumMessages int
	PayloadSize int
	RTT         time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

func NewBenchmarkRunner(topic string, partitions, messages, payloadSize int, rtt time.Duration) *BenchmarkRunner {
	return &BenchmarkRunner{
		Topic:       topic,
		Partitions:  partitions,
		NumMessages: messages,
		PayloadSize: payloadSize,
		RTT:         rtt,
	}
}

func (b *BenchmarkRunner) Run() error {
	cluster := mock.NewCluster(3)
	cluster.SetRTT(b.RTT)

	cfg := config.DefaultConfig()
	cfg.LingerMS = 1

	var delivered sync.WaitGroup
	delivered.Add(b.NumMessages)

	p, err := producer.New(cfg, cluster, func(report types.DeliveryReport) {
		if report.Err == nil {
			b.mu.Lock()
			b.latencies = append(b.latencies, time.Since(report.Enqueued))
			b.mu.Unlock()
		}
		delivered.Done()
	})
	if err != nil {
		return fmt.Errorf("failed to build producer: %w", err)
	}
	defer p.Close()

	payload := make([]byte, b.PayloadSize)
	start := time.Now()

	for i := 0; i < b.NumMessages; i++ {
		tp := types.TopicPartition{Topic: b.Topic, Partition: int32(i % b.Partitions)}
		for {
			_, err := p.Produce(tp, payload, nil)
			if err == nil {
				break
			}
			if errors.Is(err, types.ErrQueueFull) {
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("produce failed: %w", err)
		}
	}

	delivered.Wait()
	b.report(time.Since(start))
	return nil
}

func (b *BenchmarkRunner) report(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.Slice(b.latencies, func(i, j int) bool { return b.latencies[i] < b.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(b.latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(b.latencies)-1))
		return b.latencies[idx]
	}

	fmt.Printf("\n🧪 BENCHMARK RESULT [producer] 🧪\n")
	fmt.Printf("-------------------------------------\n")
	fmt.Printf(" Messages      : %d\n", b.NumMessages)
	fmt.Printf(" Partitions    : %d\n", b.Partitions)
	fmt.Printf(" Payload       : %d bytes\n", b.PayloadSize)
	fmt.Printf(" Duration      : %v\n", duration)
	fmt.Printf(" Throughput    : %.0f msg/s\n", float64(b.NumMessages)/duration.Seconds())
	fmt.Printf(" Latency p50   : %v\n", pct(0.50))
	fmt.Printf(" Latency p99   : %v\n", pct(0.99))
	fmt.Printf("-------------------------------------\n")
}
