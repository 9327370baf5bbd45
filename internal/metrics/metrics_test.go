package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRPCCallIncrementsCountersAndErrors(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.RecordRPCCall("SET_FREQUENCY", 0, false)
	m.RecordRPCCall("SET_FREQUENCY", 0, true)

	if got := testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("SET_FREQUENCY")); got != 2 {
		t.Fatalf("rpcCallsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rpcErrorsTotal.WithLabelValues("SET_FREQUENCY")); got != 1 {
		t.Fatalf("rpcErrorsTotal = %v, want 1", got)
	}
}

func TestConnectionAndStreamGauges(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.connectionsActive); got != 1 {
		t.Fatalf("connectionsActive = %v, want 1", got)
	}

	m.StreamOpened("rx")
	m.RecordTransfer("rx", 4096, 1024)
	m.RecordDroppedRecords("rx", 3)
	m.RecordRingOverflow("rx")
	m.StreamClosed("rx")

	if got := testutil.ToFloat64(m.streamsActive.WithLabelValues("rx")); got != 0 {
		t.Fatalf("streamsActive = %v, want 0 after close", got)
	}
	if got := testutil.ToFloat64(m.streamBytesTotal.WithLabelValues("rx")); got != 4096 {
		t.Fatalf("streamBytesTotal = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(m.streamDroppedTotal.WithLabelValues("rx")); got != 3 {
		t.Fatalf("streamDroppedTotal = %v, want 3", got)
	}
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordRPCCall("X", 0, true)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.DeviceOpened()
	m.DeviceClosed()
	m.StreamOpened("rx")
	m.StreamClosed("rx")
	m.RecordTransfer("rx", 1, 1)
	m.RecordDroppedRecords("rx", 1)
	m.RecordRingOverflow("rx")
	m.SetDiscoveryServersKnown(1)
	m.SetLogForwardSubscribers(1)
	m.UpdateResourceMetrics()
	m.StartPushgatewayWorker(nil, PushgatewayConfig{})
}
