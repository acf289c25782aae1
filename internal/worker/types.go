package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// Emit 回報一則訊息；runner 可從多個 goroutine 呼叫
type Emit func(msg *types.Message)

// Runner 執行某一種 kind 的 runnable
//
// Run 只負責 running 訊息，回傳值決定終止訊息：
//   - Outcome.Result 為 worker 回報的結果
//   - error 表示 runner 本身無法執行（回報為 error）
type Runner interface {
	Run(ctx context.Context, r *types.Runnable, emit Emit) (Outcome, error)
}

// RunnerFunc 讓一般函式實作 Runner
type RunnerFunc func(ctx context.Context, r *types.Runnable, emit Emit) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, r *types.Runnable, emit Emit) (Outcome, error) {
	return f(ctx, r, emit)
}

// Outcome runner 的執行結果
type Outcome struct {
	Result     types.Result
	FailReason string
	ReturnCode *int
}

// Capabilities `nrunner capabilities` 的輸出
type Capabilities struct {
	Runnables []string `json:"runnables"`
	Commands  []string `json:"commands"`
}

// now 訊息的時間戳（秒，含小數）
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
