// Package telemetry 建立 per-task span 使用的 OpenTelemetry tracer provider
package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName tracer 名稱
const InstrumentationName = "github.com/ChuLiYu/nrunner"

// 共用的 span 屬性
const (
	AttrTaskID   = attribute.Key("nrunner.task.id")
	AttrTaskKind = attribute.Key("nrunner.task.kind")
	AttrStatus   = attribute.Key("nrunner.task.status")
	AttrJobID    = attribute.Key("nrunner.job.id")
	AttrSpawner  = attribute.Key("nrunner.spawner")
)

// Config tracing 設定
type Config struct {
	// Stdout 將 span 以 JSON 輸出到 Writer（預設 os.Stderr）
	Stdout bool
	Writer io.Writer
}

// Provider tracer provider 與對應的關閉函式
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// NewProvider 依設定建立 provider；未開啟任何輸出時回傳 no-op provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Stdout {
		return &Provider{TracerProvider: noop.NewTracerProvider(), shutdown: func(context.Context) error { return nil }}, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

// Shutdown 送出剩餘的 span 並關閉
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Tracer 取得 tracer；tp 為 nil 時使用 no-op
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}
