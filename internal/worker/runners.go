package worker

// ============================================================================
// 內建 runner
//   noop       立即回報 pass
//   dry-run    立即回報 skip
//   exec-test  執行 uri（args 為參數、kwargs 為環境變數），
//              stdout/stderr 以 running 訊息串流，結束碼 0 為 pass，其餘為 fail
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 內建 kind
const (
	KindNoop     = "noop"
	KindDryRun   = "dry-run"
	KindExecTest = "exec-test"
)

var ErrMissingURI = errors.New("exec-test: missing uri")

// execWaitDelay 送出 SIGTERM 後等待子程序結束的時間
const execWaitDelay = 2 * time.Second

// chunkSize 每則 running 訊息最多攜帶的輸出位元組數
const chunkSize = 4096

// DefaultRunners 內建 runner
func DefaultRunners() map[string]Runner {
	return map[string]Runner{
		KindNoop:     RunnerFunc(runNoop),
		KindDryRun:   RunnerFunc(runDryRun),
		KindExecTest: RunnerFunc(runExecTest),
	}
}

func runNoop(context.Context, *types.Runnable, Emit) (Outcome, error) {
	return Outcome{Result: types.ResultPass}, nil
}

func runDryRun(context.Context, *types.Runnable, Emit) (Outcome, error) {
	return Outcome{Result: types.ResultSkip, FailReason: "dry run"}, nil
}

func runExecTest(ctx context.Context, r *types.Runnable, emit Emit) (Outcome, error) {
	if r.URI == "" {
		return Outcome{}, ErrMissingURI
	}

	cmd := exec.CommandContext(ctx, r.URI, r.Args...)
	cmd.Env = append(os.Environ(), r.Kwargs.Env()...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = execWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, err
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("exec-test: %w", err)
	}

	var wg sync.WaitGroup
	for kind, pipe := range map[string]io.Reader{"stdout": stdout, "stderr": stderr} {
		kind, pipe := kind, pipe
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream(pipe, kind, emit)
		}()
	}
	// pipe 必須在 Wait 之前讀完
	wg.Wait()
	err = cmd.Wait()

	code := cmd.ProcessState.ExitCode()
	outcome := Outcome{ReturnCode: &code}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		outcome.Result = types.ResultPass
	case ctx.Err() != nil:
		return Outcome{}, context.Cause(ctx)
	case errors.As(err, &exitErr):
		outcome.Result = types.ResultFail
		outcome.FailReason = fmt.Sprintf("exit status %d", code)
	default:
		return Outcome{}, fmt.Errorf("exec-test: %w", err)
	}
	return outcome, nil
}

// stream 將輸出切成 running 訊息
func stream(r io.Reader, kind string, emit Emit) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emit(&types.Message{
				Status: types.StatusRunning,
				Type:   kind,
				Log:    types.Payload(append([]byte(nil), buf[:n]...)),
			})
		}
		if err != nil {
			return
		}
	}
}
