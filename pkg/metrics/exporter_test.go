package metrics_test

import (
	"testing"

	"github.com/downfa11-org/go-producer/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	_ = h.Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestPushDelivery(t *testing.T) {
	initialDelivered := getCounterValue(metrics.MessagesDelivered)
	initialLatency := getHistogramCount(metrics.DeliveryLatency)

	metrics.PushDelivery(0.5)
	metrics.PushDelivery(0.2)

	if got := getCounterValue(metrics.MessagesDelivered); got != initialDelivered+2 {
		t.Fatalf("MessagesDelivered counter expected %v, got %v", initialDelivered+2, got)
	}

	if got := getHistogramCount(metrics.DeliveryLatency); got != initialLatency+2 {
		t.Fatalf("DeliveryLatency count expected %v, got %v", initialLatency+2, got)
	}
}

func TestPurgeCounterLabels(t *testing.T) {
	c, err := metrics.MessagesPurged.GetMetricWithLabelValues("queue")
	if err != nil {
		t.Fatalf("purge counter with queue label: %v", err)
	}
	before := getCounterValue(c)
	c.Add(3)
	if got := getCounterValue(c); got != before+3 {
		t.Fatalf("purge counter expected %v, got %v", before+3, got)
	}
}
