package main

import (
	"flag"

	"github.com/downfa11-org/go-producer/pkg/bench"
	"github.com/downfa11-org/go-producer/util"
)

func main() {
	topicName := flag.String("topic", "bench-topic", "topic name for benchmark")
	partitions := flag.Int("partitions", 12, "number of partitions")
	messages := flag.Int("messages", 100000, "total messages to produce")
	payload := flag.Int("payload", 256, "payload size in bytes")
	rtt := flag.Duration("rtt", 0, "simulated broker round-trip time")
	flag.Parse()

	runner := bench.NewBenchmarkRunner(*topicName, *partitions, *messages, *payload, *rtt)
	if err := runner.Run(); err != nil {
		util.Fatal("benchmark failed: %v", err)
	}
}
