// ============================================================================
// Reporter - 訊息的去處
// ============================================================================
//
// Package: internal/worker
// File: source.go
//
// worker 執行邏輯與訊息的去處解耦：
//   - task-run:     StatusClient，寫到 status server（TCP 或 UNIX socket）
//   - runnable-run: LineReporter，逐行寫到 stdout，方便單獨除錯一個 runnable
//
// ============================================================================

package worker

import (
	"io"
	"sync"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// Reporter 接收 worker 產生的訊息
type Reporter interface {
	Report(msg *types.Message) error
	Close() error
}

// LineReporter 將訊息編碼為 JSON 行寫入 io.Writer
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineReporter 建立 LineReporter
func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

// Report 寫入一行
func (l *LineReporter) Report(msg *types.Message) error {
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line)
	return err
}

// Close 不關閉底層 writer
func (l *LineReporter) Close() error { return nil }
