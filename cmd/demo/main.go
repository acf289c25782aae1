package main

// ============================================================================
// Demo：不需要任何設定檔的示範 job
//
//   go run ./cmd/demo
//   go run ./cmd/demo --sleepers 8 --parallel 3 --fail
//
// 內容：
//   - N 個 sleep 測試，受 --parallel 限制同時執行的數量
//   - 一個共用前置任務的測試組；--fail 時前置任務失敗，相依測試連鎖取消
//
// 本程式同時擔任 worker：spawner 以 "<本執行檔> task-run ..." 啟動任務
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ChuLiYu/nrunner/internal/cli"
	"github.com/ChuLiYu/nrunner/internal/config"
	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	"github.com/ChuLiYu/nrunner/internal/job"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/result"
	"github.com/ChuLiYu/nrunner/internal/scheduler"
	"github.com/ChuLiYu/nrunner/internal/worker"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

func main() {
	// 被 spawner 當成 worker 呼叫
	if len(os.Args) > 1 && os.Args[1] == types.TaskRunCommand {
		os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	sleepers := fs.Int("sleepers", 6, "number of sleeping tests")
	parallel := fs.Int("parallel", 3, "maximum number of tasks running at once")
	sleep := fs.Duration("sleep", 500*time.Millisecond, "how long each sleeping test runs")
	fail := fs.Bool("fail", false, "make the shared dependency fail")
	resultsDir := fs.String("results-dir", filepath.Join(os.TempDir(), "nrunner-demo"), "base directory for job results")
	if err := fs.Parse(args); err != nil {
		return result.ExitAborted
	}

	cfg := config.Default()
	cfg.NRunner.MaxParallelTasks = *parallel
	cfg.Job.ResultsDir = *resultsDir
	cfg.Task.Timeout = *sleep + 10*time.Second

	logger := nlog.New(nlog.FromEnv())
	ctx, cancel := job.InterruptOnSignal(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	running := 0
	j, err := job.New(ctx, job.Options{
		Config: cfg,
		Logger: logger,
		Output: os.Stdout,
		// 在排程 goroutine 中呼叫
		OnTransition: func(rt *scheduler.RuntimeTask, from scheduler.State) {
			switch {
			case rt.State == scheduler.StateStarted:
				running++
			case from == scheduler.StateStarted:
				running--
			}
			fmt.Printf("%-21s %-40s running=%d\n", rt.State, rt.ID(), running)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nerrors.ExitCode(err, result.ExitAborted)
	}
	defer j.Close()

	report, err := j.Run(ctx, demoRunnables(*sleepers, *sleep, *fail))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nerrors.ExitCode(err, result.ExitAborted)
	}
	fmt.Printf("\nPeak parallelism was capped at %d; results in %s\n", *parallel, j.Dir())
	return report.ExitCode
}

func demoRunnables(sleepers int, sleep time.Duration, fail bool) []*types.Runnable {
	secs := fmt.Sprintf("%.3f", sleep.Seconds())

	var runnables []*types.Runnable
	for i := 0; i < sleepers; i++ {
		runnables = append(runnables,
			types.NewRunnable(worker.KindExecTest, "/bin/sleep", secs).
				WithIdentifierFormat("{uri}-{kwargs}").
				WithKwarg("DEMO_INDEX", fmt.Sprint(i+1)))
	}

	setup := types.NewRunnable(worker.KindExecTest, "/bin/true")
	if fail {
		setup = types.NewRunnable(worker.KindExecTest, "/bin/false")
	}
	for _, name := range []string{"suite-a", "suite-b"} {
		runnables = append(runnables,
			types.NewRunnable(worker.KindNoop, name).WithDependency(setup))
	}
	runnables = append(runnables, types.NewRunnable(worker.KindDryRun, "skipped"))
	return runnables
}
