// ============================================================================
// Scheduler - 任務排程迴圈
// ============================================================================
//
// Package: internal/scheduler
// 功能: 將 Task 包成 RuntimeTask，依相依關係與平行上限啟動 worker，
//       從 status repo 讀取終止訊息推進狀態，處理逾時與取消
//
// 狀態機:
//   WAITING_DEPS → READY → STARTED → FINISHED_{PASS,FAIL,ERROR,SKIP,CANCEL}
//   STARTED  ── 超過期限 ──────────────> FINISHED_TIMEOUT（worker 被終止）
//   STARTED  ── worker 結束但沒有終止訊息 → FINISHED_ERROR
//   非終止狀態 ── job 取消 ──────────────> FINISHED_INTERRUPTED
//
// 每個 tick 的順序:
//   1. 輪詢 STARTED：終止訊息 > 逾時 > 存活檢查（同一 tick 內訊息優先於逾時）
//   2. 取消檢查：ctx 結束或 fail-fast 觸發時終止所有未完成的任務
//   3. 相依評估：依拓撲順序，連鎖取消在同一 tick 內完成
//   4. 派送：running < cap 時依序啟動 READY 任務
//   有任何狀態改變時立即進行下一個 tick，否則等待 TickInterval
//
// 並發:
//   所有狀態轉換都在 Run 的 goroutine 中進行；只有終止 worker 時並行呼叫 spawner
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/metrics"
	"github.com/ChuLiYu/nrunner/internal/spawner"
	"github.com/ChuLiYu/nrunner/internal/telemetry"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 預設值
const (
	DefaultTickInterval = 50 * time.Millisecond
	DefaultSpawnGrace   = 500 * time.Millisecond
	DefaultStallTimeout = 10 * time.Second
)

// job 提前結束的原因（Summary.Cause）
var (
	ErrJobTimeout  = errors.New("job timeout")
	ErrInterrupted = errors.New("job interrupted")
	ErrFailFast    = errors.New("fail-fast triggered")
)

var (
	ErrDuplicateTask     = errors.New("scheduler: duplicate task id")
	ErrUnknownDependency = errors.New("scheduler: unknown dependency")
	ErrDependencyCycle   = errors.New("scheduler: dependency cycle")
	ErrAlreadyRun        = errors.New("scheduler: already run")
)

// StatusSource 排程器需要的 status repo 查詢
type StatusSource interface {
	Terminal(id types.TaskID) (types.Result, *types.Message, bool)
	Latest(id types.TaskID) *types.Message
}

// TransitionFunc 每次狀態轉換後呼叫（在排程 goroutine 中）
type TransitionFunc func(rt *RuntimeTask, from State)

// Options 排程參數
type Options struct {
	MaxParallel    int
	Shuffle        bool
	Seed           int64 // Shuffle 使用的亂數種子，0 表示以時間為種子
	TickInterval   time.Duration
	SpawnGrace     time.Duration // worker 結束後等待終止訊息的時間
	DefaultTimeout time.Duration // Task.Timeout 為 0 時使用；0 表示不限制
	FailFast       bool
	SpawnRate      float64 // 每秒最多啟動的任務數；0 表示不限制
	// StallTimeout 沒有任務在執行且 spawner 持續回報資源不足超過此時間，READY 任務改為 FINISHED_ERROR
	StallTimeout time.Duration

	Logger       *slog.Logger
	Metrics      *metrics.Collector
	Tracer       trace.Tracer
	OnTransition TransitionFunc
}

// Summary 排程結束後的結果
type Summary struct {
	Tasks    []*RuntimeTask // 與輸入順序相同
	Cause    error          // nil、ErrJobTimeout、ErrInterrupted 或 ErrFailFast
	Started  time.Time
	Duration time.Duration
	Peak     int // 同時 STARTED 的最大數量
}

// Scheduler 單次 job 的排程器
type Scheduler struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	spawner spawner.Spawner
	repo    StatusSource
	limiter *rate.Limiter

	tasks    []*RuntimeTask // arena
	topo     []int          // 拓撲順序
	dispatch []int          // 派送順序（插入順序或啟動時洗牌一次）

	running      int
	peak         int
	stalledSince time.Time
	remaining int
	cause     error
	ran       bool
}

// New 建立排程器；解析相依關係並檢查循環
func New(tasks []*types.Task, sp spawner.Spawner, repo StatusSource, opts Options) (*Scheduler, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SpawnGrace < 0 {
		opts.SpawnGrace = 0
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer(nil)
	}

	s := &Scheduler{
		opts:      opts,
		logger:    nlog.WithComponent(nlog.OrDefault(opts.Logger), "scheduler"),
		tracer:    tracer,
		spawner:   sp,
		repo:      repo,
		tasks:     make([]*RuntimeTask, len(tasks)),
		remaining: len(tasks),
	}
	if opts.SpawnRate > 0 {
		burst := int(opts.SpawnRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SpawnRate), burst)
	}

	index := make(map[types.TaskID]int, len(tasks))
	for i, t := range tasks {
		if _, dup := index[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		index[t.ID] = i
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = opts.DefaultTimeout
		}
		s.tasks[i] = &RuntimeTask{Task: t, State: StateWaitingDeps, Timeout: timeout, index: i}
	}
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
			s.tasks[i].deps = append(s.tasks[i].deps, j)
			s.tasks[j].dependents = append(s.tasks[j].dependents, i)
		}
	}

	topo, err := s.topoOrder()
	if err != nil {
		return nil, err
	}
	s.topo = topo

	s.dispatch = make([]int, len(tasks))
	for i := range s.dispatch {
		s.dispatch[i] = i
	}
	if opts.Shuffle {
		seed := opts.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rnd := rand.New(rand.NewSource(seed))
		rnd.Shuffle(len(s.dispatch), func(i, j int) {
			s.dispatch[i], s.dispatch[j] = s.dispatch[j], s.dispatch[i]
		})
	}
	return s, nil
}

// topoOrder Kahn 演算法；有剩餘節點代表有循環
func (s *Scheduler) topoOrder() ([]int, error) {
	indegree := make([]int, len(s.tasks))
	for i, rt := range s.tasks {
		indegree[i] = len(rt.deps)
	}
	queue := make([]int, 0, len(s.tasks))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(s.tasks))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range s.tasks[i].dependents {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(order) != len(s.tasks) {
		for i, d := range indegree {
			if d > 0 {
				return nil, fmt.Errorf("%w: involving %s", ErrDependencyCycle, s.tasks[i].ID())
			}
		}
	}
	return order, nil
}

// Tasks 目前的 RuntimeTask（Run 結束後才可安全讀取）
func (s *Scheduler) Tasks() []*RuntimeTask { return s.tasks }

// Run 執行排程迴圈直到所有任務終止，或 ctx 結束後完成收尾
// 任務失敗不會以 error 回傳；ctx 的 cause 決定 Summary.Cause
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	if s.ran {
		return nil, ErrAlreadyRun
	}
	s.ran = true

	start := time.Now()
	s.logger.Info("scheduler started",
		"tasks", len(s.tasks),
		"max_parallel", s.opts.MaxParallel,
		"spawner", s.spawner.Name())

	timer := time.NewTimer(s.opts.TickInterval)
	defer timer.Stop()

	for s.remaining > 0 {
		if !s.tick(ctx) {
			timer.Reset(s.opts.TickInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		}
	}

	summary := &Summary{
		Tasks:    s.tasks,
		Cause:    s.cause,
		Started:  start,
		Duration: time.Since(start),
		Peak:     s.peak,
	}
	s.logger.Info("scheduler finished", "duration", summary.Duration, "cause", summary.Cause)
	return summary, nil
}

// tick 執行一輪；有任何狀態改變回傳 true
func (s *Scheduler) tick(ctx context.Context) bool {
	advanced := s.poll(ctx)

	if s.cause == nil {
		if ctx.Err() != nil {
			s.cause = causeOf(ctx)
		} else if s.opts.FailFast && s.anyFailing() {
			s.cause = ErrFailFast
		}
		if s.cause != nil {
			s.logger.Warn("cancelling job", "cause", s.cause)
		}
	}
	if s.cause != nil {
		return s.interruptAll(ctx) || advanced
	}

	if s.evaluateDeps() {
		advanced = true
	}
	dispatched, exhausted := s.dispatchReady(ctx)
	if dispatched {
		advanced = true
	}
	if !exhausted || s.running > 0 {
		s.stalledSince = time.Time{}
		return advanced
	}

	// 沒有執行中的任務可以釋放資源；持續超過 StallTimeout 後放棄 READY 任務
	now := time.Now()
	if s.stalledSince.IsZero() {
		s.stalledSince = now
	}
	if now.Sub(s.stalledSince) >= s.opts.StallTimeout {
		s.logger.Error("spawner exhausted with nothing running, giving up", "stalled", now.Sub(s.stalledSince))
		for _, i := range s.dispatch {
			if rt := s.tasks[i]; rt.State == StateReady {
				s.finish(ctx, rt, StateFinishedError, ReasonExhausted)
				advanced = true
			}
		}
	}
	return advanced
}

func causeOf(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrJobTimeout), errors.Is(cause, ErrInterrupted), errors.Is(cause, ErrFailFast):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrJobTimeout
	default:
		return ErrInterrupted
	}
}

// anyFailing 只看測試任務；前置任務失敗由相依取消處理
func (s *Scheduler) anyFailing() bool {
	for _, rt := range s.tasks {
		if rt.Task.IsTest() && rt.State.Failing() {
			return true
		}
	}
	return false
}

// ============================================================================
// 輪詢 STARTED 任務
// ============================================================================

func (s *Scheduler) poll(ctx context.Context) bool {
	advanced := false
	now := time.Now()
	for _, rt := range s.tasks {
		if rt.State != StateStarted {
			continue
		}
		if latest := s.repo.Latest(rt.ID()); latest != nil {
			rt.LastKnownStatus = latest.Status
		}

		// 1. 終止訊息（優先於逾時）
		if s.consumeTerminal(ctx, rt) {
			advanced = true
			continue
		}

		// 2. 逾時
		if !rt.Deadline.IsZero() && now.After(rt.Deadline) {
			s.logger.Warn("task timed out", nlog.TaskIDKey, rt.ID(), "timeout", rt.Timeout)
			if err := s.spawner.Terminate(ctx, rt.Task); err != nil {
				s.logger.Warn("failed to terminate task", nlog.TaskIDKey, rt.ID(), "error", err)
			}
			s.finish(ctx, rt, StateFinishedTimeout, ReasonTimeout)
			advanced = true
			continue
		}

		// 3. 存活（取消中不判斷，交給 interruptAll）
		if ctx.Err() != nil {
			continue
		}
		alive, err := s.spawner.IsAlive(ctx, rt.Task)
		if err != nil {
			s.logger.Debug("liveness check failed", nlog.TaskIDKey, rt.ID(), "error", err)
			alive = false
		}
		if alive {
			rt.deadSince = time.Time{}
			continue
		}
		if rt.deadSince.IsZero() {
			rt.deadSince = now
		}
		if now.Sub(rt.deadSince) < s.opts.SpawnGrace {
			continue // 等待仍在傳送中的訊息
		}
		s.finish(ctx, rt, StateFinishedError, ReasonWorkerExited)
		advanced = true
	}
	return advanced
}

func (s *Scheduler) consumeTerminal(ctx context.Context, rt *RuntimeTask) bool {
	result, msg, ok := s.repo.Terminal(rt.ID())
	if !ok {
		return false
	}
	reason := ""
	if msg != nil {
		reason = msg.FailReason
	}
	s.finish(ctx, rt, stateFromResult(result), reason)
	return true
}

// ============================================================================
// 相依評估
// ============================================================================

func (s *Scheduler) evaluateDeps() bool {
	advanced := false
	for _, i := range s.topo {
		rt := s.tasks[i]
		if rt.State != StateWaitingDeps {
			continue
		}
		satisfied := true
		var failed *RuntimeTask
		for _, j := range rt.deps {
			dep := s.tasks[j]
			if !dep.State.Terminal() {
				satisfied = false
				continue
			}
			if !dep.State.Passing() {
				failed = dep
				break
			}
		}
		switch {
		case failed != nil:
			origin := failed.ID()
			if failed.CancelledBy != "" {
				origin = failed.CancelledBy
			}
			rt.CancelledBy = origin
			s.transition(rt, StateFinishedCancel, fmt.Sprintf("%s: %s", ReasonDependencyFailed, origin))
			advanced = true
		case satisfied:
			s.transition(rt, StateReady, "")
			advanced = true
		}
	}
	return advanced
}

// ============================================================================
// 派送
// ============================================================================

// dispatchReady 啟動 READY 任務；exhausted 表示 spawner 回報資源不足
func (s *Scheduler) dispatchReady(ctx context.Context) (dispatched, exhausted bool) {
	for _, i := range s.dispatch {
		if s.running >= s.opts.MaxParallel {
			return dispatched, false
		}
		rt := s.tasks[i]
		if rt.State != StateReady {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			return dispatched, false
		}

		if !s.spawner.CheckRequirements(ctx, rt.Task) {
			s.finish(ctx, rt, StateFinishedSkip, ReasonRequirements)
			dispatched = true
			continue
		}

		if dir := rt.Task.OutputDir; dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				s.finish(ctx, rt, StateFinishedError, fmt.Sprintf("%s: %v", ReasonSpawnFailed, err))
				dispatched = true
				continue
			}
		}

		spawnStart := time.Now()
		_, span := s.tracer.Start(ctx, "task "+string(rt.ID()),
			trace.WithAttributes(
				telemetry.AttrTaskID.String(string(rt.ID())),
				telemetry.AttrTaskKind.String(rt.Task.Runnable.Kind),
				telemetry.AttrJobID.String(rt.Task.JobID),
				telemetry.AttrSpawner.String(s.spawner.Name()),
			))
		handle, err := s.spawner.Spawn(ctx, rt.Task)
		if errors.Is(err, spawner.ErrResourceExhausted) {
			span.End()
			rt.SpawnRetries++
			s.opts.Metrics.RecordSpawnRetry()
			s.logger.Debug("spawner exhausted, retrying next tick", nlog.TaskIDKey, rt.ID(), "retries", rt.SpawnRetries)
			return dispatched, true
		}
		if err != nil {
			span.RecordError(err)
			span.End()
			s.logger.Error("failed to spawn task", nlog.TaskIDKey, rt.ID(), "error", err)
			s.finish(ctx, rt, StateFinishedError, fmt.Sprintf("%s: %v", ReasonSpawnFailed, err))
			dispatched = true
			continue
		}

		s.opts.Metrics.RecordSpawn(time.Since(spawnStart))
		rt.Task.SpawnerHandle = string(handle)
		rt.span = span
		rt.StartedAt = time.Now()
		if rt.Timeout > 0 {
			rt.Deadline = rt.StartedAt.Add(rt.Timeout)
		}
		s.running++
		if s.running > s.peak {
			s.peak = s.running
		}
		s.opts.Metrics.SetRunning(s.running)
		s.transition(rt, StateStarted, "")
		dispatched = true
	}
	return dispatched, false
}

// ============================================================================
// 取消
// ============================================================================

// interruptAll 終止所有 STARTED 任務，其餘未完成的任務標記為 INTERRUPTED
func (s *Scheduler) interruptAll(ctx context.Context) bool {
	var started []*RuntimeTask
	for _, rt := range s.tasks {
		if rt.State == StateStarted {
			started = append(started, rt)
		}
	}

	if len(started) > 0 {
		// ctx 可能已經結束，終止 worker 需要獨立的 context
		termCtx := context.WithoutCancel(ctx)
		g := new(errgroup.Group)
		for _, rt := range started {
			rt := rt
			g.Go(func() error {
				if err := s.spawner.Terminate(termCtx, rt.Task); err != nil {
					s.logger.Warn("failed to terminate task", nlog.TaskIDKey, rt.ID(), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	advanced := false
	for _, rt := range s.tasks {
		if rt.State.Terminal() {
			continue
		}
		// 終止前已送達的終止訊息仍然有效
		if rt.State == StateStarted && s.consumeTerminal(ctx, rt) {
			advanced = true
			continue
		}
		s.finish(ctx, rt, StateFinishedInterrupted, s.cause.Error())
		advanced = true
	}
	return advanced
}

// ============================================================================
// 狀態轉換
// ============================================================================

// finish 轉換到終止狀態並釋放資源
func (s *Scheduler) finish(ctx context.Context, rt *RuntimeTask, to State, reason string) {
	wasStarted := rt.State == StateStarted
	rt.FinishedAt = time.Now()
	s.transition(rt, to, reason)
	s.remaining--

	if !wasStarted {
		return
	}
	s.running--
	s.opts.Metrics.SetRunning(s.running)
	s.opts.Metrics.RecordFinished(to.String(), rt.Duration())
	if err := s.spawner.Cleanup(context.WithoutCancel(ctx), rt.Task); err != nil {
		s.logger.Warn("spawner cleanup failed", nlog.TaskIDKey, rt.ID(), "error", err)
	}
	if rt.span != nil {
		rt.span.SetAttributes(telemetry.AttrStatus.String(to.String()))
		if !to.Passing() {
			rt.span.SetStatus(codes.Error, reason)
		}
		rt.span.End()
		rt.span = nil
	}
}

func (s *Scheduler) transition(rt *RuntimeTask, to State, reason string) {
	from := rt.State
	if from.Terminal() || to <= from {
		// 狀態只能往前；終止狀態不可離開
		panic(fmt.Sprintf("scheduler: invalid transition %s -> %s for %s", from, to, rt.ID()))
	}
	rt.State = to
	if reason != "" {
		rt.Reason = reason
	}

	attrs := []any{nlog.TaskIDKey, rt.ID(), "from", from.String(), nlog.StatusKey, to.String()}
	if reason != "" {
		attrs = append(attrs, nlog.ReasonKey, reason)
	}
	if to.Terminal() {
		s.logger.Info("task finished", attrs...)
	} else {
		s.logger.Debug("task transition", attrs...)
	}
	if rt.span != nil {
		rt.span.AddEvent("transition", trace.WithAttributes(attribute.String("to", to.String())))
	}
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(rt, from)
	}
}
