package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tasksSpawned, "tasksSpawned counter should be initialized")
	assert.NotNil(t, collector.tasksFinished, "tasksFinished counter should be initialized")
	assert.NotNil(t, collector.spawnLatency, "spawnLatency histogram should be initialized")
	assert.NotNil(t, collector.tasksRunning, "tasksRunning gauge should be initialized")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordSpawn(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		collector.RecordSpawn(10 * time.Millisecond)
	}
	collector.RecordSpawnRetry()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.tasksSpawned))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.spawnRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.spawnLatency))
}

func TestRecordFinished(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordFinished("FINISHED_PASS", time.Second)
	collector.RecordFinished("FINISHED_PASS", 2*time.Second)
	collector.RecordFinished("FINISHED_CANCEL", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.tasksFinished.WithLabelValues("FINISHED_PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksFinished.WithLabelValues("FINISHED_CANCEL")))
}

func TestStatusServerMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordStatusMessage("accepted")
	collector.RecordStatusMessage("accepted")
	collector.RecordStatusMessage("dropped")
	collector.RecordOversizedLine()
	collector.RecordConnection()
	collector.SetRunning(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.statusMessages.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.statusMessages.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.oversizedLines))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectionsSeen))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.tasksRunning))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordSpawn(time.Millisecond)
		collector.RecordSpawnRetry()
		collector.RecordFinished("FINISHED_PASS", time.Second)
		collector.SetRunning(1)
		collector.RecordStatusMessage("accepted")
		collector.RecordOversizedLine()
		collector.RecordConnection()
	})
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.RecordSpawn(time.Millisecond)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "nrunner_tasks_spawned_total 1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
