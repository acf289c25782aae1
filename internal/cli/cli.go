// ============================================================================
// nrunner CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra 命令樹，組裝 config、logger 與 job
//
// Command Structure:
//   nrunner
//   ├── run            # 執行 runnables.json 內的所有 runnable
//   │   ├── --file, -f
//   │   ├── --config   # YAML 設定檔
//   │   └── --set      # key=value 覆寫（可重複）
//   ├── task-run       # worker：執行單一任務並回報 status server
//   ├── runnable-run   # worker：執行單一 runnable，訊息印到 stdout
//   ├── capabilities   # worker 支援的 kind 與子命令（JSON）
//   ├── config         # 印出生效的設定（YAML）
//   └── results        # 重新顯示既有 job 的 results.json
//       └── --journal  # 另外印出並驗證 status.journal
//
// 結束碼:
//   run 依 job 結果（0/1/8/9），任何任務執行前的錯誤為 2
//   worker 命令回報失敗時為 1
//
// Signal Handling:
//   run:      SIGINT/SIGTERM → 以 interrupted 取消 job，收尾後結束碼 8
//   task-run: SIGTERM → 停止 runnable，不送終止訊息
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/nrunner/internal/config"
	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	"github.com/ChuLiYu/nrunner/internal/job"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/result"
	"github.com/ChuLiYu/nrunner/internal/storage/wal"
	"github.com/ChuLiYu/nrunner/internal/worker"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// Version 由 -ldflags 覆寫
var Version = "0.1.0"

// errJobResult job 已執行完畢且摘要已印出，只需要以結束碼結束
var errJobResult = errors.New("job did not pass")

type globalFlags struct {
	logLevel  string
	logFormat string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "nrunner",
		Short: "nrunner: parallel test runner",
		Long: `nrunner runs a list of runnables as isolated worker processes.
- process, podman, lxc and remote (ssh) spawners
- workers report over a line-JSON status server
- dependency-aware scheduling with a parallelism cap
- per-task and per-job timeouts, fail-fast`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text, json")

	rootCmd.AddCommand(buildRunCommand(&g))
	rootCmd.AddCommand(buildTaskRunCommand(&g))
	rootCmd.AddCommand(buildRunnableRunCommand(&g))
	rootCmd.AddCommand(buildCapabilitiesCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildResultsCommand())

	return rootCmd
}

// Execute 執行命令列並回傳程式結束碼
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := BuildCLI()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errJobResult) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	// cobra 的參數錯誤沒有結束碼，視為任何任務執行前的錯誤
	return nerrors.ExitCode(err, result.ExitAborted)
}

// logger 設定檔 < 環境變數 < 命令列旗標
func (g *globalFlags) logger(cfg *config.Config, out io.Writer) *slog.Logger {
	lc := nlog.FromEnv()
	if cfg != nil {
		if cfg.Log.Level != "" {
			lc.Level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			lc.Format = nlog.Format(cfg.Log.Format)
		}
	}
	if g.logLevel != "" {
		lc.Level = g.logLevel
	}
	if g.logFormat != "" {
		lc.Format = nlog.Format(g.logFormat)
	}
	lc.Output = out
	return nlog.New(lc)
}

// ============================================================================
// run
// ============================================================================

type runFlags struct {
	file        string
	configFile  string
	sets        []string
	maxParallel int
	taskTimeout time.Duration
	jobTimeout  time.Duration
	failFast    bool
	shuffle     bool
	spawner     string
	resultsDir  string
}

func buildRunCommand(g *globalFlags) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the runnables listed in a JSON file",
		Long: `Run every runnable in a JSON array file and write the results under
<results_dir>/job-<timestamp>-<id>/. The exit code is 0 when every test
passed or was skipped, 1 when any failed, 8 on timeout or interrupt,
9 when fail-fast stopped the job and 2 when the job could not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, g, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "JSON file containing an array of runnables")
	fl.StringVar(&f.configFile, "config", "", "YAML config file")
	fl.StringArrayVar(&f.sets, "set", nil, "config override key=value (repeatable)")
	fl.IntVar(&f.maxParallel, "max-parallel", 0, "maximum number of tasks running at once")
	fl.DurationVar(&f.taskTimeout, "timeout", 0, "per-task timeout")
	fl.DurationVar(&f.jobTimeout, "job-timeout", 0, "whole-job timeout")
	fl.BoolVar(&f.failFast, "fail-fast", false, "stop the job after the first failing test")
	fl.BoolVar(&f.shuffle, "shuffle", false, "shuffle the order in which ready tasks start")
	fl.StringVar(&f.spawner, "spawner", "", "spawner: process, podman, lxc, remote")
	fl.StringVar(&f.resultsDir, "results-dir", "", "base directory for job results")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// apply 只套用命令列上明確給定的旗標
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("max-parallel") {
		cfg.NRunner.MaxParallelTasks = f.maxParallel
	}
	if fl.Changed("timeout") {
		cfg.Task.Timeout = f.taskTimeout
	}
	if fl.Changed("job-timeout") {
		cfg.Job.Timeout = f.jobTimeout
	}
	if fl.Changed("fail-fast") {
		cfg.Job.FailFast = f.failFast
	}
	if fl.Changed("shuffle") {
		cfg.NRunner.Shuffle = f.shuffle
	}
	if fl.Changed("spawner") {
		cfg.NRunner.Spawner = f.spawner
	}
	if fl.Changed("results-dir") {
		cfg.Job.ResultsDir = f.resultsDir
	}
}

func runJob(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	cfg, err := loadConfig(f.configFile, f.sets)
	if err != nil {
		return err
	}
	f.apply(cmd, cfg)

	runnables, err := types.ReadRunnables(f.file)
	if err != nil {
		return nerrors.WithExitCode(err, result.ExitAborted)
	}

	logger := g.logger(cfg, cmd.ErrOrStderr())
	ctx, cancel := job.InterruptOnSignal(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	j, err := job.New(ctx, job.Options{
		Config: cfg,
		Logger: logger,
		Output: cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer j.Close()

	report, err := j.Run(ctx, runnables)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "JOB LOG    : %s\n", j.Dir())
	if report.ExitCode != result.ExitOK {
		return nerrors.WithExitCode(errJobResult, report.ExitCode)
	}
	return nil
}

func loadConfig(path string, sets []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	if err := cfg.ApplyOverrides(sets); err != nil {
		return nil, nerrors.WithExitCode(err, result.ExitAborted)
	}
	return cfg, nil
}

// ============================================================================
// worker 命令
// ============================================================================

func buildTaskRunCommand(g *globalFlags) *cobra.Command {
	var rf types.RunnableFlags

	cmd := &cobra.Command{
		Use:   types.TaskRunCommand + " <task-id> <endpoint> [endpoint...]",
		Short: "Run one task and report its status to the status servers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rf.Runnable()
			if err != nil {
				return nerrors.WithExitCode(err, 1)
			}
			ctx, cancel := job.InterruptOnSignal(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			w := worker.New(nil, g.logger(nil, cmd.ErrOrStderr()))
			if err := w.RunTask(ctx, types.TaskID(args[0]), args[1:], r); err != nil {
				return nerrors.WithExitCode(err, 1)
			}
			return nil
		},
	}
	rf.Register(cmd.Flags())
	return cmd
}

func buildRunnableRunCommand(g *globalFlags) *cobra.Command {
	var rf types.RunnableFlags

	cmd := &cobra.Command{
		Use:   "runnable-run",
		Short: "Run one runnable and print its status messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rf.Runnable()
			if err != nil {
				return nerrors.WithExitCode(err, 1)
			}
			ctx, cancel := job.InterruptOnSignal(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			w := worker.New(nil, g.logger(nil, cmd.ErrOrStderr()))
			rep := worker.NewLineReporter(cmd.OutOrStdout())
			if err := w.Run(ctx, types.TaskID(r.Identifier()), "", r, rep); err != nil {
				return nerrors.WithExitCode(err, 1)
			}
			return nil
		},
	}
	rf.Register(cmd.Flags())
	return cmd
}

func buildCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Print the supported runnable kinds and commands as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(worker.New(nil, nil).Capabilities())
		},
	}
}

// ============================================================================
// config / results
// ============================================================================

func buildConfigCommand() *cobra.Command {
	var (
		configFile string
		sets       []string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, sets)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return nerrors.WithExitCode(err, result.ExitAborted)
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config override key=value (repeatable)")
	return cmd
}

func buildResultsCommand() *cobra.Command {
	var journal bool

	cmd := &cobra.Command{
		Use:   "results <job-dir|results.json>",
		Short: "Show the results of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := result.Load(args[0])
			if err != nil {
				return err
			}
			if err := result.Render(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !journal {
				return nil
			}
			return showJournal(cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().BoolVar(&journal, "journal", false, "dump and validate the job's status journal")
	return cmd
}

// showJournal 印出 job 的 status.journal，並檢查 checksum 與 seq 連續性
func showJournal(w io.Writer, path string) error {
	dir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}
	journal := filepath.Join(dir, job.JournalFile)

	n, err := wal.CountEvents(journal)
	if err != nil {
		return fmt.Errorf("failed to read status journal: %w", err)
	}
	fmt.Fprintf(w, "\nJOURNAL: %d events (%s)\n", n, journal)
	if err := wal.DumpWAL(journal, w); err != nil {
		return err
	}
	if err := wal.ValidateWAL(journal); err != nil {
		return fmt.Errorf("status journal is damaged: %w", err)
	}
	return nil
}
