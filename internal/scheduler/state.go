package scheduler

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// State RuntimeTask 的狀態；只會往前推進
type State int

const (
	StateWaitingDeps State = iota
	StateReady
	StateStarted
	StateFinishedPass
	StateFinishedFail
	StateFinishedError
	StateFinishedSkip
	StateFinishedCancel
	StateFinishedInterrupted
	StateFinishedTimeout
)

var stateNames = map[State]string{
	StateWaitingDeps:         "WAITING_DEPS",
	StateReady:               "READY",
	StateStarted:             "STARTED",
	StateFinishedPass:        "FINISHED_PASS",
	StateFinishedFail:        "FINISHED_FAIL",
	StateFinishedError:       "FINISHED_ERROR",
	StateFinishedSkip:        "FINISHED_SKIP",
	StateFinishedCancel:      "FINISHED_CANCEL",
	StateFinishedInterrupted: "FINISHED_INTERRUPTED",
	StateFinishedTimeout:     "FINISHED_TIMEOUT",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal 是否為 FINISHED_*
func (s State) Terminal() bool { return s >= StateFinishedPass }

// Passing 相依任務可以繼續的終止狀態
func (s State) Passing() bool { return s == StateFinishedPass || s == StateFinishedSkip }

// Failing 計入失敗（fail-fast 與結束碼 1）的終止狀態
func (s State) Failing() bool {
	return s == StateFinishedFail || s == StateFinishedError || s == StateFinishedTimeout
}

// stateFromResult worker 回報的結果對應的終止狀態
func stateFromResult(r types.Result) State {
	switch r {
	case types.ResultPass:
		return StateFinishedPass
	case types.ResultFail:
		return StateFinishedFail
	case types.ResultSkip:
		return StateFinishedSkip
	case types.ResultCancel:
		return StateFinishedCancel
	default:
		return StateFinishedError
	}
}

// 終止原因
const (
	ReasonDependencyFailed = "dependency failed"
	ReasonRequirements     = "requirements not met"
	ReasonSpawnFailed      = "spawn failed"
	ReasonWorkerExited     = "worker exited without reporting"
	ReasonTimeout          = "timeout"
	ReasonExhausted        = "spawner resources exhausted"
)

// RuntimeTask 排程器內部的任務狀態
// 任務之間以 arena 索引互相引用
type RuntimeTask struct {
	Task  *types.Task
	State State

	// Reason 終止原因（fail_reason、dependency failed、timeout...）
	Reason string
	// CancelledBy 造成連鎖取消的源頭任務
	CancelledBy types.TaskID
	// LastKnownStatus 最近一則訊息的 status
	LastKnownStatus types.Status

	StartedAt  time.Time
	FinishedAt time.Time
	Timeout    time.Duration
	Deadline   time.Time // StartedAt + Timeout；Timeout 為 0 時為零值

	SpawnRetries int

	index      int
	deps       []int
	dependents []int
	deadSince  time.Time
	span       trace.Span
}

// ID 任務 ID
func (rt *RuntimeTask) ID() types.TaskID { return rt.Task.ID }

// Duration STARTED 到終止所花的時間
func (rt *RuntimeTask) Duration() time.Duration {
	if rt.StartedAt.IsZero() || rt.FinishedAt.IsZero() {
		return 0
	}
	return rt.FinishedAt.Sub(rt.StartedAt)
}
