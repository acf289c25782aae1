// ============================================================================
// Result - job 結果彙整
// ============================================================================
//
// Package: internal/result
// 功能: 將排程器的 RuntimeTask 彙整為報告，決定 job 結束碼，寫出 results.json
//
// 結束碼:
//   0  所有測試任務都是 PASS 或 SKIP（CANCEL 不計入失敗）
//   1  至少一個 FAIL、ERROR 或 TIMEOUT
//   2  job 在任何任務執行前中止（設定、解析或綁定錯誤，由呼叫端決定）
//   8  job 逾時或被中斷
//   9  fail-fast 觸發
//
// ============================================================================

package result

import (
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/nrunner/internal/scheduler"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 結束碼
const (
	ExitOK          = 0
	ExitFailures    = 1
	ExitAborted     = 2
	ExitInterrupted = 8
	ExitFailFast    = 9
)

// SchemaVersion results.json 的格式版本
const SchemaVersion = 1

// TaskResult 單一任務的結果
type TaskResult struct {
	ID          types.TaskID   `json:"id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	URI         string         `json:"uri,omitempty"`
	Category    types.Category `json:"category"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	CancelledBy types.TaskID   `json:"cancelled_by,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Duration    float64        `json:"duration"` // 秒
	Retries     int            `json:"spawn_retries,omitempty"`
	LogDir      string         `json:"logdir,omitempty"`
}

// Report results.json 的內容
type Report struct {
	SchemaVer int            `json:"schema_version"`
	JobID     string         `json:"job_id"`
	Started   time.Time      `json:"started"`
	Duration  float64        `json:"duration"`
	Cause     string         `json:"cause,omitempty"`
	ExitCode  int            `json:"exit_code"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
	Tests     []TaskResult   `json:"tests"`
	// Dependencies 前置任務只列出，不計入 Counts
	Dependencies []TaskResult `json:"dependencies,omitempty"`

	ParseErrors        int64 `json:"status_parse_errors"`
	DuplicateTerminals int64 `json:"duplicate_terminal_messages"`
}

// RepoStats status repo 的統計（*statusrepo.Repo 實作）
type RepoStats interface {
	ParseErrors() int64
	DuplicateTerminals() int64
}

// Aggregate 彙整排程結果；stats 可為 nil
func Aggregate(jobID string, summary *scheduler.Summary, stats RepoStats) *Report {
	report := &Report{
		SchemaVer: SchemaVersion,
		JobID:     jobID,
		Started:   summary.Started,
		Duration:  summary.Duration.Seconds(),
		ExitCode:  ExitCode(summary),
		Counts:    map[string]int{},
	}
	if summary.Cause != nil {
		report.Cause = summary.Cause.Error()
	}
	if stats != nil {
		report.ParseErrors = stats.ParseErrors()
		report.DuplicateTerminals = stats.DuplicateTerminals()
	}

	for _, rt := range summary.Tasks {
		tr := taskResult(rt)
		if !rt.Task.IsTest() {
			report.Dependencies = append(report.Dependencies, tr)
			continue
		}
		report.Tests = append(report.Tests, tr)
		report.Counts[tr.Status]++
		report.Total++
	}
	return report
}

func taskResult(rt *scheduler.RuntimeTask) TaskResult {
	t := rt.Task
	tr := TaskResult{
		ID:          t.ID,
		Category:    t.Category,
		Status:      rt.State.String(),
		Reason:      rt.Reason,
		CancelledBy: rt.CancelledBy,
		Duration:    rt.Duration().Seconds(),
		Retries:     rt.SpawnRetries,
		LogDir:      t.OutputDir,
	}
	if r := t.Runnable; r != nil {
		tr.Name = r.Identifier()
		tr.Kind = r.Kind
		tr.URI = r.URI
	}
	if !rt.StartedAt.IsZero() {
		started := rt.StartedAt
		tr.StartedAt = &started
	}
	if !rt.FinishedAt.IsZero() {
		finished := rt.FinishedAt
		tr.FinishedAt = &finished
	}
	return tr
}

// ExitCode 依排程結果決定結束碼
func ExitCode(summary *scheduler.Summary) int {
	switch {
	case errors.Is(summary.Cause, scheduler.ErrFailFast):
		return ExitFailFast
	case errors.Is(summary.Cause, scheduler.ErrJobTimeout), errors.Is(summary.Cause, scheduler.ErrInterrupted):
		return ExitInterrupted
	}
	for _, rt := range summary.Tasks {
		if rt.State.Failing() {
			return ExitFailures
		}
	}
	return ExitOK
}

// Failed 失敗（FAIL、ERROR、TIMEOUT）的測試任務，依 ID 排序
func (r *Report) Failed() []TaskResult {
	var out []TaskResult
	for _, tr := range append(append([]TaskResult(nil), r.Tests...), r.Dependencies...) {
		switch tr.Status {
		case scheduler.StateFinishedFail.String(),
			scheduler.StateFinishedError.String(),
			scheduler.StateFinishedTimeout.String():
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
