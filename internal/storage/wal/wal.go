package wal

// ============================================================================
// Status Journal 核心實作
// 職責：
// 1. 追加已接受的狀態訊息到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能，可將訊息灌回新的 status repository
// 3. 每筆紀錄附 CRC32 校驗和
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示一個 status journal 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入（多個連線同時接受訊息）
	file         FileInterface // 日誌檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 日誌檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err != nil && !errors.Is(err, ErrEmptyWAL) {
			file.Close()
			return nil, fmt.Errorf("failed to read last event: %w", err)
		}
		if lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一則訊息
//
// 行為：
// - 自動遞增 seq 並計算 checksum
// - 先放入 buffer，滿了、逾時、或 force 時才寫入檔案
func (w *WAL) Append(taskID types.TaskID, message []byte, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	// 編碼時 RawMessage 會被壓縮，checksum 必須以壓縮後的內容計算
	var compact bytes.Buffer
	if err := json.Compact(&compact, message); err != nil {
		return fmt.Errorf("wal: invalid message: %w", err)
	}

	w.seq++
	raw := json.RawMessage(compact.Bytes())
	event := Event{
		Seq:       w.seq,
		TaskID:    taskID,
		Timestamp: time.Now().UnixMilli(),
		Message:   raw,
	}
	event.Checksum = CalculateChecksum(event.Seq, event.TaskID, event.Message)
	w.buffer = append(w.buffer, event)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝區寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// ReplayFile 重放指定檔案（不需開啟 WAL，例如讀取上一個 job 的 journal）
func ReplayFile(path string, handler EventHandler) error {
	return scan(path, func(_ int, event Event) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Seq, event.TaskID, event.Message),
				Actual:   event.Checksum,
			}
		}
		return handler(event)
	})
}

// Close 關閉 journal；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
