// Package log 建立 nrunner 使用的結構化 logger（log/slog）
package log

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format 輸出格式
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// 統一的欄位名稱
const (
	ComponentKey = "component"
	TaskIDKey    = "task_id"
	JobIDKey     = "job_id"
	StatusKey    = "status"
	ReasonKey    = "reason"
)

// Config 日誌設定
type Config struct {
	Level     string    // debug, info, warn, error（預設 info）
	Format    Format    // json, text（預設 text）
	Output    io.Writer // 預設 os.Stderr
	AddSource bool
}

// DefaultConfig 預設設定
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// FromEnv 由環境變數建立設定
//   - NRUNNER_DEBUG: true/1 開啟 debug 等級與來源資訊（優先）
//   - NRUNNER_LOG_LEVEL: debug, info, warn, error
//   - LOG_FORMAT: json, text
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("NRUNNER_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("NRUNNER_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	return cfg
}

// New 依設定建立 logger
func New(cfg *Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}

// NewHandler 依設定建立 handler
func NewHandler(cfg *Config) slog.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// ParseLevel 字串轉 slog.Level，未知值視為 info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault nil 時回傳 slog.Default()
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithComponent 加上 component 欄位
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrDefault(logger).With(ComponentKey, component)
}

// WithTask 加上 task_id 欄位
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	return OrDefault(logger).With(TaskIDKey, taskID)
}

// Discard 丟棄所有輸出的 logger（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Tee：同時寫入多個 handler（終端 + job.log）
// ============================================================================

type teeHandler struct {
	handlers []slog.Handler
}

// Tee 將紀錄分送到每個 handler
func Tee(handlers ...slog.Handler) slog.Handler {
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}
