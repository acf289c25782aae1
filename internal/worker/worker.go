// ============================================================================
// Worker - 執行單一任務並回報狀態
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// 訊息順序:
//   1. started
//   2. 零或多則 running（runner 的輸出）
//   3. 恰好一則終止訊息：status=finished 並帶 result
//
// 錯誤處理:
//   - 找不到 kind 或 runner 無法執行：回報 result=error 與 fail_reason
//   - ctx 被取消（worker 收到 SIGTERM）：不送終止訊息，排程器已自行決定狀態
//   - 回報失敗：回傳 error，process 以非零結束碼退出（結束碼僅供參考）
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

var ErrUnknownKind = errors.New("worker: unsupported runnable kind")

// Worker 以 kind 選擇 runner 並把訊息送到 Reporter
type Worker struct {
	runners map[string]Runner
	logger  *slog.Logger
}

// New 建立 Worker；runners 為 nil 時使用 DefaultRunners
func New(runners map[string]Runner, logger *slog.Logger) *Worker {
	if runners == nil {
		runners = DefaultRunners()
	}
	return &Worker{runners: runners, logger: nlog.WithComponent(logger, "worker")}
}

// Kinds 支援的 kind（排序後）
func (w *Worker) Kinds() []string {
	kinds := make([]string, 0, len(w.runners))
	for k := range w.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Capabilities 支援的 kind 與子命令
func (w *Worker) Capabilities() Capabilities {
	return Capabilities{
		Runnables: w.Kinds(),
		Commands:  []string{"capabilities", "runnable-run", types.TaskRunCommand},
	}
}

// Run 執行 runnable；id 與 jobID 會帶在每則訊息上（runnable-run 時可為空）
func (w *Worker) Run(ctx context.Context, id types.TaskID, jobID string, r *types.Runnable, rep Reporter) error {
	logger := nlog.WithTask(w.logger, string(id))

	var (
		mu      sync.Mutex
		sendErr *nerrors.MultiError
	)
	send := func(msg *types.Message) {
		msg.ID = id
		msg.JobID = jobID
		if msg.Time == 0 {
			msg.Time = now()
		}
		if err := rep.Report(msg); err != nil {
			mu.Lock()
			sendErr = sendErr.Append(err)
			mu.Unlock()
		}
	}

	send(&types.Message{Status: types.StatusStarted})

	runner, ok := w.runners[r.Kind]
	var (
		outcome Outcome
		err     error
	)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownKind, r.Kind)
	} else {
		outcome, err = runner.Run(ctx, r, send)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info("runnable interrupted", "error", err)
		return errors.Join(err, sendErr.ErrorOrNil())
	case err != nil:
		logger.Error("runnable failed to run", "error", err)
		send(&types.Message{Status: types.StatusFinished, Result: types.ResultError, FailReason: err.Error()})
	default:
		logger.Debug("runnable finished", "result", outcome.Result)
		send(&types.Message{
			Status:     types.StatusFinished,
			Result:     outcome.Result,
			FailReason: outcome.FailReason,
			ReturnCode: outcome.ReturnCode,
		})
	}
	mu.Lock()
	defer mu.Unlock()
	return sendErr.ErrorOrNil()
}

// RunTask task-run：連上 status server，執行並回報
func (w *Worker) RunTask(ctx context.Context, id types.TaskID, endpoints []string, r *types.Runnable) error {
	client, err := Dial(ctx, endpoints, DefaultConnectGrace, w.logger)
	if err != nil {
		return err
	}
	runErr := w.Run(ctx, id, jobIDFromEnv(), r, client)
	closeErr := client.Close()
	return errors.Join(runErr, closeErr)
}

func jobIDFromEnv() string { return os.Getenv(types.EnvJobID) }
