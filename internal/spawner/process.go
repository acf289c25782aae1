package spawner

// ============================================================================
// Process Spawner - 本機子程序
// 職責：
// 1. fork/exec worker，stdout/stderr 寫入任務的輸出目錄
// 2. 以 done channel 表示子程序是否仍存在
// 3. 終止時先 SIGTERM 整個 process group，逾時後 SIGKILL
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// worker 自身輸出寫入的檔名（與訊息產生的 stdout/stderr 共用，皆以 append 開啟）
const (
	StdoutFile = "stdout"
	StderrFile = "stderr"
)

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // Wait 的結果，done 關閉後才可讀
}

// Process 本機 spawner
type Process struct {
	logger   *slog.Logger
	commands CommandResolver
	grace    time.Duration
	procs    *xsync.MapOf[types.TaskID, *process]

	// lookPath 與 kill 可在測試中替換
	lookPath func(file string) (string, error)
	kill     func(pid int, sig syscall.Signal) error
}

// NewProcess 建立本機 spawner
func NewProcess(opts Options) *Process {
	return &Process{
		logger:   nlog.WithComponent(nlog.OrDefault(opts.Logger), "spawner.process"),
		commands: opts.Commands,
		grace:    opts.terminateGrace(),
		procs:    xsync.NewMapOf[types.TaskID, *process](),
		lookPath: exec.LookPath,
		kill:     signalGroup,
	}
}

// Name 實作 Spawner
func (p *Process) Name() string { return NameProcess }

// Spawn 啟動 worker 子程序，回傳 pid
func (p *Process) Spawn(ctx context.Context, task *types.Task) (Handle, error) {
	if _, ok := p.procs.Load(task.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadySpawned, task.ID)
	}
	argv, err := p.commands.CommandFor(task)
	if err != nil {
		return "", err
	}

	// 不使用 CommandContext：worker 的生命週期由 Terminate 控制，而不是 Spawn 的 ctx
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), task.Env()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var files []*os.File
	if task.OutputDir != "" {
		if err := os.MkdirAll(task.OutputDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create task output dir: %w", err)
		}
		stdout, err := openAppend(filepath.Join(task.OutputDir, StdoutFile))
		if err != nil {
			return "", err
		}
		stderr, err := openAppend(filepath.Join(task.OutputDir, StderrFile))
		if err != nil {
			stdout.Close()
			return "", err
		}
		cmd.Stdout, cmd.Stderr = stdout, stderr
		files = append(files, stdout, stderr)
	}

	if err := cmd.Start(); err != nil {
		closeAll(files)
		return "", fmt.Errorf("failed to start worker: %w", err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{})}
	p.procs.Store(task.ID, proc)
	go func() {
		proc.err = cmd.Wait()
		closeAll(files)
		close(proc.done)
		p.logger.Debug("worker exited",
			nlog.TaskIDKey, task.ID,
			"pid", cmd.Process.Pid,
			"exit_code", cmd.ProcessState.ExitCode())
	}()

	pid := cmd.Process.Pid
	p.logger.Debug("worker started", nlog.TaskIDKey, task.ID, "pid", pid)
	return Handle(strconv.Itoa(pid)), nil
}

// IsAlive 子程序是否仍在執行
func (p *Process) IsAlive(_ context.Context, task *types.Task) (bool, error) {
	proc, ok := p.procs.Load(task.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	select {
	case <-proc.done:
		return false, nil
	default:
		return true, nil
	}
}

// ExitCode 已結束 worker 的結束碼；仍在執行時回傳 false
func (p *Process) ExitCode(id types.TaskID) (int, bool) {
	proc, ok := p.procs.Load(id)
	if !ok {
		return 0, false
	}
	select {
	case <-proc.done:
		return proc.cmd.ProcessState.ExitCode(), true
	default:
		return 0, false
	}
}

// Terminate SIGTERM → 等待 grace → SIGKILL
func (p *Process) Terminate(ctx context.Context, task *types.Task) error {
	proc, ok := p.procs.Load(task.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	// 已被 Wait 回收：pid 可能已被重用，不可再送信號
	select {
	case <-proc.done:
		return nil
	default:
	}
	pid := proc.cmd.Process.Pid

	if err := p.kill(pid, syscall.SIGTERM); err != nil {
		return nil // 已經結束
	}
	if waitDone(ctx, proc.done, p.grace) {
		return nil
	}

	p.logger.Warn("worker ignored SIGTERM, killing", nlog.TaskIDKey, task.ID, "pid", pid)
	_ = p.kill(pid, syscall.SIGKILL)
	if !waitDone(ctx, proc.done, p.grace) {
		return fmt.Errorf("worker %d for task %s did not exit after SIGKILL", pid, task.ID)
	}
	return nil
}

// CheckRequirements runner 執行檔必須存在；exec-test 另外要求 uri 可執行
func (p *Process) CheckRequirements(_ context.Context, task *types.Task) bool {
	argv, err := p.commands.CommandFor(task)
	if err != nil {
		p.logger.Debug("no runner for task", nlog.TaskIDKey, task.ID, "error", err)
		return false
	}
	if _, err := p.lookPath(argv[0]); err != nil {
		p.logger.Debug("runner not found", nlog.TaskIDKey, task.ID, "runner", argv[0])
		return false
	}
	if task.Runnable.Kind == KindExecTest {
		if _, err := p.lookPath(task.Runnable.URI); err != nil {
			p.logger.Debug("exec-test uri is not executable", nlog.TaskIDKey, task.ID, "uri", task.Runnable.URI)
			return false
		}
	}
	return true
}

// Cleanup 移除任務紀錄；若 worker 仍在執行則交給 Terminate 處理
func (p *Process) Cleanup(_ context.Context, task *types.Task) error {
	proc, ok := p.procs.Load(task.ID)
	if !ok {
		return nil
	}
	select {
	case <-proc.done:
		p.procs.Delete(task.ID)
	default:
	}
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	// 負的 pid 代表整個 process group（Spawn 時設定了 Setpgid）
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// waitDone 在 timeout 內等到 done 關閉回傳 true
func waitDone(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
