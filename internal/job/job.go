// ============================================================================
// Job - 單次執行的組裝
// ============================================================================
//
// Package: internal/job
// 功能: 建立 job 目錄與 id、將 runnable 轉為任務、啟動 status server、
//       建立 spawner 與排程器、寫出 results.json 並決定結束碼
//
// 執行流程:
//   New:  驗證設定 → job id → job-<timestamp>-<shortid>/ → id 檔 → latest 連結 → job.log
//   Run:  status repo（+ journal）→ server.Listen → BuildTasks → spawner → scheduler
//         errgroup { server.Serve, metrics.Serve } ∥ scheduler.Run
//         → server.Close（等待連線結束）→ 彙整 → results.json → 摘要輸出
//
// 錯誤分類:
//   設定、綁定、spawner 建立等在任何任務執行前的錯誤，以結束碼 2 回傳 error
//   任務本身的失敗不是 error，由 Report.ExitCode 表示
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/nrunner/internal/config"
	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/metrics"
	"github.com/ChuLiYu/nrunner/internal/result"
	"github.com/ChuLiYu/nrunner/internal/scheduler"
	"github.com/ChuLiYu/nrunner/internal/server"
	"github.com/ChuLiYu/nrunner/internal/spawner"
	"github.com/ChuLiYu/nrunner/internal/statusrepo"
	"github.com/ChuLiYu/nrunner/internal/storage/wal"
	"github.com/ChuLiYu/nrunner/internal/telemetry"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// Options Job 選項
type Options struct {
	Config *config.Config
	// Registry 為 nil 時使用 spawner.DefaultRegistry(Config.WorkerArgv())
	Registry *spawner.Registry
	Logger   *slog.Logger
	// Output 結果摘要的輸出位置，nil 表示不輸出
	Output io.Writer
	// TracerProvider 為 nil 時依 Config.Tracing 建立
	TracerProvider trace.TracerProvider
	// OnTransition 轉發給排程器（測試與進度顯示用）
	OnTransition scheduler.TransitionFunc
}

// Job 單次執行
type Job struct {
	id       string
	dir      string
	cfg      *config.Config
	registry *spawner.Registry
	output   io.Writer
	tp       trace.TracerProvider
	onTrans  scheduler.TransitionFunc

	logger  *slog.Logger
	logFile *os.File
	ran     bool
}

// New 驗證設定並建立 job 目錄
func New(ctx context.Context, opts Options) (*Job, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}

	registry := opts.Registry
	if registry == nil {
		argv, err := cfg.WorkerArgv()
		if err != nil {
			return nil, nerrors.WithExitCode(err, result.ExitAborted)
		}
		registry = spawner.DefaultRegistry(argv)
	}
	if !registry.HasSpawner(cfg.NRunner.Spawner) {
		return nil, nerrors.WithExitCode(
			fmt.Errorf("%w: %s", spawner.ErrUnknownSpawner, cfg.NRunner.Spawner), result.ExitAborted)
	}

	id := NewID()
	base := cfg.ResultsDir()
	dir, err := createDir(base, id, time.Now())
	if err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	if err := writeIDFile(dir, id); err != nil {
		return nil, nerrors.WithExitCode(fmt.Errorf("failed to write job id: %w", err), result.ExitAborted)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nerrors.WithExitCode(fmt.Errorf("failed to open job log: %w", err), result.ExitAborted)
	}
	fileHandler := nlog.NewHandler(&nlog.Config{Level: "debug", Format: nlog.FormatJSON, Output: logFile})
	logger := slog.New(nlog.Tee(nlog.OrDefault(opts.Logger).Handler(), fileHandler)).With(nlog.JobIDKey, id)

	j := &Job{
		id:       id,
		dir:      dir,
		cfg:      cfg,
		registry: registry,
		output:   opts.Output,
		tp:       opts.TracerProvider,
		onTrans:  opts.OnTransition,
		logger:   logger,
		logFile:  logFile,
	}

	if err := updateLatest(ctx, base, dir); err != nil {
		// latest 只是方便用的連結，失敗不影響 job
		logger.Warn("failed to update latest link", "error", err)
	}
	logger.Info("job created", "dir", dir)
	return j, nil
}

// ID 40 字元的 job id
func (j *Job) ID() string { return j.id }

// Dir job 目錄
func (j *Job) Dir() string { return j.dir }

// Logger 同時寫入 job.log 的 logger
func (j *Job) Logger() *slog.Logger { return j.logger }

// Close 關閉 job.log
func (j *Job) Close() error {
	if j.logFile == nil {
		return nil
	}
	err := j.logFile.Close()
	j.logFile = nil
	return err
}

// Run 執行所有 runnable；只在任何任務執行前失敗時回傳 error
func (j *Job) Run(ctx context.Context, runnables []*types.Runnable) (*result.Report, error) {
	if j.ran {
		return nil, errors.New("job already run")
	}
	j.ran = true
	cfg := j.cfg
	var teardown *nerrors.MultiError

	// status repo 與 journal
	var archive statusrepo.Archiver
	if cfg.Job.ArchiveStatus {
		journal, err := wal.NewWAL(filepath.Join(j.dir, JournalFile), false)
		if err != nil {
			return nil, nerrors.WithExitCode(fmt.Errorf("failed to open status journal: %w", err), result.ExitAborted)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				j.logger.Warn("failed to close status journal", "error", err)
				return
			}
			j.logger.Debug("status journal closed", "path", journal.Path(), "events", journal.GetLastSeq())
		}()
		archive = journal
	}

	var (
		reg       *prometheus.Registry
		collector *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
	}

	// 任務要等 Listen 取得實際端點後才能建立；Serve 之前不會有訊息
	var files *taskFiles
	repo := statusrepo.New(statusrepo.Options{
		Logger:  j.logger,
		Archive: archive,
		Listeners: []statusrepo.Listener{func(msg *types.Message) {
			if files != nil {
				files.handle(msg)
			}
		}},
	})

	srv := server.New(repo, server.Options{
		BufferSize:   cfg.NRunner.StatusServerBufferSize,
		DrainTimeout: cfg.NRunner.ShutdownTimeout,
		Logger:       j.logger,
		Observer:     collector,
	})
	if err := srv.Listen(cfg.NRunner.StatusServerListen); err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	defer srv.Close()

	tasks, err := BuildTasks(runnables, TaskOptions{
		JobID:            j.id,
		Endpoints:        []string{srv.Endpoint()},
		TestResultsDir:   filepath.Join(j.dir, TestResultsDir),
		Timeout:          cfg.Task.Timeout,
		IdentifierFormat: cfg.NRunner.IdentifierFormat,
	})
	if err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	files = newTaskFiles(tasks, j.logger)

	sp, err := j.registry.New(cfg.NRunner.Spawner, cfg.SpawnerOptions(j.logger))
	if err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	if closer, ok := sp.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				j.logger.Warn("failed to close spawner", "error", err)
			}
		}()
	}

	tp := j.tp
	if tp == nil {
		provider, err := telemetry.NewProvider(telemetry.Config{Stdout: cfg.Tracing.Stdout})
		if err != nil {
			return nil, nerrors.WithExitCode(err, result.ExitAborted)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.NRunner.ShutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				j.logger.Warn("failed to flush traces", "error", err)
			}
		}()
		tp = provider
	}

	sched, err := scheduler.New(tasks, sp, repo, scheduler.Options{
		MaxParallel:  cfg.NRunner.MaxParallelTasks,
		Shuffle:      cfg.NRunner.Shuffle,
		TickInterval: cfg.NRunner.TickInterval,
		SpawnGrace:   cfg.NRunner.SpawnGrace,
		FailFast:     cfg.Job.FailFast,
		SpawnRate:    cfg.NRunner.SpawnRate,
		StallTimeout: cfg.NRunner.StallTimeout,
		Logger:       j.logger,
		Metrics:      collector,
		Tracer:       telemetry.Tracer(tp),
		OnTransition: j.onTrans,
	})
	if err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}

	// server 與 metrics 在取消期間仍需運作，直到排程器收尾完成
	serveCtx, stopServing := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return srv.Serve(gctx) })
	if reg != nil {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.Metrics.Listen, reg); err != nil {
				j.logger.Warn("metrics server stopped", "error", err)
			}
			return nil
		})
	}

	runCtx := ctx
	if cfg.Job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, cfg.Job.Timeout, scheduler.ErrJobTimeout)
		defer cancel()
	}

	j.logger.Info("job started", "tasks", len(tasks), "endpoint", srv.Endpoint(), "spawner", sp.Name())
	summary, err := sched.Run(runCtx)
	if err != nil {
		stopServing()
		_ = g.Wait()
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}

	stopServing()
	teardown = teardown.Append(srv.Close())
	teardown = teardown.Append(g.Wait())
	if err := teardown.ErrorOrNil(); err != nil {
		j.logger.Warn("status server shutdown", "error", err)
	}

	report := result.Aggregate(j.id, summary, repo)
	if err := result.NewWriter(j.dir).Write(report); err != nil {
		j.logger.Error("failed to write results", "error", err)
	}
	if j.output != nil {
		if err := result.Render(j.output, report); err != nil {
			j.logger.Warn("failed to render results", "error", err)
		}
	}
	j.logger.Info("job finished",
		"exit_code", report.ExitCode,
		"duration", summary.Duration,
		"parse_errors", report.ParseErrors)
	return report, nil
}
