package result

// ============================================================================
// results.json 的讀寫
// 1. 原子性寫入（temp file + rename），中斷時不會留下半個檔案
// 2. 載入時驗證 schema 版本
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileName job 目錄中的結果檔名
const FileName = "results.json"

var (
	ErrCorruptedResults    = errors.New("results file is corrupted")
	ErrIncompatibleVersion = errors.New("results schema version is incompatible")
	ErrResultsNotFound     = errors.New("results file not found")
)

// Writer results.json 的寫入者
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter 建立寫入者；dir 為 job 目錄
func NewWriter(dir string) *Writer {
	return &Writer{path: filepath.Join(dir, FileName)}
}

// Path 結果檔路徑
func (w *Writer) Path() string { return w.path }

// Write 原子性寫入報告
func (w *Writer) Write(report *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	report.SchemaVer = SchemaVersion
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp results: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename results: %w", err)
	}
	return nil
}

// Load 讀取 results.json；path 可以是檔案或 job 目錄
func Load(path string) (*Report, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResultsNotFound, path)
		}
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedResults, err)
	}
	if report.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, report.SchemaVer, SchemaVersion)
	}
	if report.Counts == nil {
		report.Counts = map[string]int{}
	}
	return &report, nil
}
