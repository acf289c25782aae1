package job

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 任務目錄內的檔名
const (
	DebugLogFile   = "debug.log"
	StdoutFile     = "stdout"
	StderrFile     = "stderr"
	WhiteboardFile = "whiteboard"
)

// taskFiles 依 worker 的訊息寫入 test-results/<task-id>/ 下的檔案
//
//	started                      建立任務目錄
//	running, type=log            log → debug.log
//	running, type=stdout|stderr  log → stdout / stderr
//	running, type=whiteboard     log → whiteboard
//	running, 無 type              output → stdout，whiteboard → whiteboard
//
// 由 status repo 的 listener 呼叫，每條連線一個 goroutine
type taskFiles struct {
	dirs   map[types.TaskID]string // 建立後唯讀
	logger *slog.Logger
	mu     sync.Mutex // 同一任務可能有多條連線（多個端點）
}

func newTaskFiles(tasks []*types.Task, logger *slog.Logger) *taskFiles {
	dirs := make(map[types.TaskID]string, len(tasks))
	for _, t := range tasks {
		if t.OutputDir != "" {
			dirs[t.ID] = t.OutputDir
		}
	}
	return &taskFiles{dirs: dirs, logger: nlog.WithComponent(logger, "task-files")}
}

func (f *taskFiles) handle(msg *types.Message) {
	dir, ok := f.dirs[msg.ID]
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	switch msg.Status {
	case types.StatusStarted:
		err = os.MkdirAll(dir, 0755)
	case types.StatusRunning:
		err = f.running(dir, msg)
	}
	if err != nil {
		f.logger.Warn("failed to write task file", nlog.TaskIDKey, msg.ID, "error", err)
	}
}

func (f *taskFiles) running(dir string, msg *types.Message) error {
	switch msg.Type {
	case "log":
		return appendTo(filepath.Join(dir, DebugLogFile), withNewline(msg.Log))
	case "stdout":
		return appendTo(filepath.Join(dir, StdoutFile), msg.Log)
	case "stderr":
		return appendTo(filepath.Join(dir, StderrFile), msg.Log)
	case "whiteboard":
		return appendTo(filepath.Join(dir, WhiteboardFile), msg.Log)
	case "":
		if err := appendTo(filepath.Join(dir, StdoutFile), msg.Output); err != nil {
			return err
		}
		return appendTo(filepath.Join(dir, WhiteboardFile), msg.Whiteboard)
	default:
		return fmt.Errorf("unknown running message type %q", msg.Type)
	}
}

func withNewline(p types.Payload) []byte {
	if len(p) == 0 || bytes.HasSuffix(p, []byte("\n")) {
		return p
	}
	return append(append([]byte(nil), p...), '\n')
}

func appendTo(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
