package types

// ============================================================================
// 狀態訊息（worker → status server，每行一個 JSON）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status 訊息狀態
type Status string

const (
	StatusStarted  Status = "started"
	StatusRunning  Status = "running"
	StatusPass     Status = "pass"
	StatusFail     Status = "fail"
	StatusError    Status = "error"
	StatusSkip     Status = "skip"
	StatusCancel   Status = "cancel"
	StatusFinished Status = "finished"
)

// running 訊息的輸出類型
const (
	OutputLog        = "log"
	OutputStdout     = "stdout"
	OutputStderr     = "stderr"
	OutputWhiteboard = "whiteboard"
)

var (
	ErrMissingStatus = errors.New("message: missing status")
	ErrUnknownStatus = errors.New("message: unknown status")
	ErrMissingID     = errors.New("message: missing id")
	ErrMissingTime   = errors.New("message: missing time")
	ErrMissingResult = errors.New("message: finished without a valid result")
)

// Message 狀態訊息
type Message struct {
	Status     Status  `json:"status"`
	ID         TaskID  `json:"id"`
	Time       float64 `json:"time"`
	JobID      string  `json:"job_id,omitempty"`
	Type       string  `json:"type,omitempty"` // running 訊息：log/stdout/stderr/whiteboard
	Output     Payload `json:"output,omitempty"`
	Log        Payload `json:"log,omitempty"`
	FailReason string  `json:"fail_reason,omitempty"`
	Whiteboard Payload `json:"whiteboard,omitempty"`
	Result     Result  `json:"result,omitempty"`
	ReturnCode *int    `json:"returncode,omitempty"`
}

// wireMessage 用於檢查必要欄位是否存在
type wireMessage struct {
	Message
	Time *float64 `json:"time"`
}

// ParseMessage 解析並驗證一行訊息
func ParseMessage(line []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	msg := w.Message
	switch msg.Status {
	case "":
		return nil, ErrMissingStatus
	case StatusStarted, StatusRunning, StatusPass, StatusFail, StatusError, StatusSkip, StatusCancel:
	case StatusFinished:
		if _, ok := ParseResult(string(msg.Result)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingResult, msg.Result)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, msg.Status)
	}
	if msg.ID == "" {
		return nil, ErrMissingID
	}
	if w.Time == nil {
		return nil, ErrMissingTime
	}
	msg.Time = *w.Time
	return &msg, nil
}

// Terminal 若為終止訊息，回傳對應的結果
func (m *Message) Terminal() (Result, bool) {
	switch m.Status {
	case StatusPass, StatusFail, StatusError, StatusSkip, StatusCancel:
		return Result(m.Status), true
	case StatusFinished:
		return ParseResult(string(m.Result))
	}
	return "", false
}

// Encode 編碼為一行（含結尾換行）
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
