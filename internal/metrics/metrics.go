// ============================================================================
// nrunner Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集並暴露排程器與 status server 的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - nrunner_tasks_spawned_total: 成功啟動的任務數
//      - nrunner_tasks_finished_total{status}: 依終止狀態分類的任務數
//      - nrunner_spawn_retries_total: 因資源不足而延後的啟動次數
//
//   2. 效能指標 (Histogram)：
//      - nrunner_spawn_latency_seconds: spawner 啟動 worker 的耗時
//      - nrunner_task_duration_seconds: 任務從啟動到終止的時間
//
//   3. 狀態指標 (Gauge)：
//      - nrunner_tasks_running: 目前 STARTED 的任務數（不超過 parallelism cap）
//
//   4. Status server：
//      - nrunner_status_messages_total{outcome}: accepted / dropped
//      - nrunner_status_oversized_lines_total: 超過緩衝區被拒絕的訊息
//      - nrunner_status_connections_total: worker 連線數
//
// HTTP 端點:
//   metrics.enabled 開啟時於 metrics.listen 提供 /metrics
//
// 所有 Record* 方法對 nil *Collector 皆為 no-op
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksSpawned  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	spawnRetries  prometheus.Counter

	// 效能指標
	spawnLatency prometheus.Histogram
	taskDuration prometheus.Histogram

	// 狀態指標
	tasksRunning prometheus.Gauge

	// status server
	statusMessages  *prometheus.CounterVec
	oversizedLines  prometheus.Counter
	connectionsSeen prometheus.Counter
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nrunner_tasks_spawned_total",
			Help: "Total number of tasks whose worker was spawned",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrunner_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		}, []string{"status"}),
		spawnRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nrunner_spawn_retries_total",
			Help: "Spawn attempts deferred because the spawner had no free resources",
		}),
		spawnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nrunner_spawn_latency_seconds",
			Help:    "Time taken by the spawner to start a worker",
			Buckets: prometheus.DefBuckets,
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nrunner_task_duration_seconds",
			Help:    "Time from spawn to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrunner_tasks_running",
			Help: "Current number of started tasks",
		}),
		statusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrunner_status_messages_total",
			Help: "Status lines received by the status server",
		}, []string{"outcome"}),
		oversizedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nrunner_status_oversized_lines_total",
			Help: "Status lines rejected for exceeding the buffer size",
		}),
		connectionsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nrunner_status_connections_total",
			Help: "Worker connections accepted by the status server",
		}),
	}

	reg.MustRegister(
		c.tasksSpawned,
		c.tasksFinished,
		c.spawnRetries,
		c.spawnLatency,
		c.taskDuration,
		c.tasksRunning,
		c.statusMessages,
		c.oversizedLines,
		c.connectionsSeen,
	)
	return c
}

// RecordSpawn 記錄任務啟動
func (c *Collector) RecordSpawn(latency time.Duration) {
	if c == nil {
		return
	}
	c.tasksSpawned.Inc()
	c.spawnLatency.Observe(latency.Seconds())
}

// RecordSpawnRetry 記錄因資源不足延後的啟動
func (c *Collector) RecordSpawnRetry() {
	if c == nil {
		return
	}
	c.spawnRetries.Inc()
}

// RecordFinished 記錄任務進入終止狀態；duration 為 0 表示未曾啟動
func (c *Collector) RecordFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		c.taskDuration.Observe(duration.Seconds())
	}
}

// SetRunning 更新執行中任務數
func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.tasksRunning.Set(float64(n))
}

// RecordStatusMessage 記錄 status server 收到的一行
func (c *Collector) RecordStatusMessage(outcome string) {
	if c == nil {
		return
	}
	c.statusMessages.WithLabelValues(outcome).Inc()
}

// RecordOversizedLine 記錄過長的訊息
func (c *Collector) RecordOversizedLine() {
	if c == nil {
		return
	}
	c.oversizedLines.Inc()
}

// RecordConnection 記錄 worker 連線
func (c *Collector) RecordConnection() {
	if c == nil {
		return
	}
	c.connectionsSeen.Inc()
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
