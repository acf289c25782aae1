package wal

// ============================================================================
// Journal 工具函式
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxRecordSize 單筆紀錄的上限（訊息本身受 status server 緩衝區限制）
const maxRecordSize = 1 << 20

// scan 逐行解碼檔案中的事件
func scan(path string, fn func(line int, event Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(line, event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// GetLastEvent 從檔案讀取最後一個事件（從頭掃描）
//
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(_ int, event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(int, Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證檔案完整性
//
// 檢查項目：JSON 格式、校驗和、seq 連續（從 1 開始）
// 會回報所有發現的問題，而不只是第一個
func ValidateWAL(path string) error {
	var problems []error
	var lastSeq uint64
	err := scan(path, func(line int, event Event) error {
		if !VerifyChecksum(event) {
			problems = append(problems, &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Seq, event.TaskID, event.Message),
				Actual:   event.Checksum,
			})
		}
		if event.Seq != lastSeq+1 {
			problems = append(problems, fmt.Errorf("wal: line %d: seq %d follows %d", line, event.Seq, lastSeq))
		}
		lastSeq = event.Seq
		return nil
	})
	if err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

// DumpWAL 輸出人類可讀的內容
//
//	[seq:1] 1-/bin/true {"status":"started",...} (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(_ int, event Event) error {
		mark := ""
		if !VerifyChecksum(event) {
			mark = " CORRUPTED"
		}
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s (checksum:0x%08x)%s\n",
			event.Seq, event.TaskID, event.Message, event.Checksum, mark)
		return err
	})
}
