// ============================================================================
// Status Repository - 每個任務的狀態訊息紀錄
// ============================================================================
//
// Package: internal/statusrepo
// 功能: 保存 worker 回報的訊息，提供最新狀態與終止狀態查詢
//
// 資料結構:
//   journals: task_id → 訊息清單（append-only，依到達順序）
//   每個 journal 另外快取第一則終止訊息（terminal_status），後續的終止訊息只記錄不生效
//
// 並發安全:
//   - status server 每條連線一個 goroutine 寫入，scheduler 同時讀取
//   - xsync.MapOf 負責 task_id 層級；journal 內部以 mutex 保護
//   - 同一連線的訊息在同一個 goroutine 依序呼叫 ProcessRawMessage，因此保持到達順序
//
// ============================================================================

package statusrepo

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/storage/wal"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// ParseOutcome ProcessRawMessage 的處理結果
type ParseOutcome int

const (
	Accepted ParseOutcome = iota // 訊息已加入 journal
	Dropped                      // 解析失敗或無效，已丟棄
	Skipped                      // 空白行，忽略
)

func (o ParseOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	default:
		return "skipped"
	}
}

// Listener 訊息被接受後的回呼（在寫入者的 goroutine 中同步呼叫）
type Listener func(msg *types.Message)

// Archiver 已接受訊息的持久化目的地（見 internal/storage/wal）
type Archiver interface {
	Append(taskID types.TaskID, message []byte, force bool) error
}

// Options Repo 選項
type Options struct {
	Logger    *slog.Logger
	Archive   Archiver
	Listeners []Listener
}

type journal struct {
	mu       sync.Mutex
	messages []*types.Message
	terminal *types.Message // 第一則終止訊息
}

// Repo 狀態訊息庫
type Repo struct {
	journals    *xsync.MapOf[types.TaskID, *journal]
	resultStats *xsync.MapOf[types.Result, int]
	parseErrors atomic.Int64
	duplicates  atomic.Int64

	archive   Archiver
	listeners []Listener
	log       *slog.Logger
}

// New 建立 Repo
func New(opts Options) *Repo {
	return &Repo{
		journals:    xsync.NewMapOf[types.TaskID, *journal](),
		resultStats: xsync.NewMapOf[types.Result, int](),
		archive:     opts.Archive,
		listeners:   opts.Listeners,
		log:         nlog.WithComponent(opts.Logger, "statusrepo"),
	}
}

// ============================================================================
// 寫入
// ============================================================================

// ProcessRawMessage 解析一行 UTF-8 JSON 並加入對應任務的 journal
//
// 解析失敗時遞增計數器並丟棄，不會影響任務本身
func (r *Repo) ProcessRawMessage(line []byte) (ParseOutcome, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Skipped, nil
	}

	msg, err := types.ParseMessage(line)
	if err != nil {
		r.parseErrors.Add(1)
		r.log.Debug("dropping status line", "error", err, "line", truncate(line, 200))
		return Dropped, err
	}

	if r.archive != nil {
		_, terminal := msg.Terminal()
		if err := r.archive.Append(msg.ID, line, terminal); err != nil {
			r.log.Warn("failed to archive status message", nlog.TaskIDKey, msg.ID, "error", err)
		}
	}

	r.Append(msg)
	return Accepted, nil
}

// Append 加入已解析的訊息
func (r *Repo) Append(msg *types.Message) {
	j, _ := r.journals.LoadOrCompute(msg.ID, func() *journal { return &journal{} })

	j.mu.Lock()
	j.messages = append(j.messages, msg)
	if result, ok := msg.Terminal(); ok {
		if j.terminal == nil {
			j.terminal = msg
			r.resultStats.Compute(result, func(old int, _ bool) (int, bool) {
				return old + 1, false
			})
		} else {
			r.duplicates.Add(1)
			r.log.Warn("ignoring additional terminal message",
				nlog.TaskIDKey, msg.ID, "first", j.terminal.Status, "ignored", msg.Status)
		}
	}
	j.mu.Unlock()

	for _, l := range r.listeners {
		l(msg)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Latest 任務最新的一則訊息，沒有時回傳 nil
func (r *Repo) Latest(id types.TaskID) *types.Message {
	j, ok := r.journals.Load(id)
	if !ok {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.messages) == 0 {
		return nil
	}
	return j.messages[len(j.messages)-1]
}

// Terminal 任務的終止結果（第一則終止訊息為準）
func (r *Repo) Terminal(id types.TaskID) (types.Result, *types.Message, bool) {
	j, ok := r.journals.Load(id)
	if !ok {
		return "", nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal == nil {
		return "", nil, false
	}
	result, _ := j.terminal.Terminal()
	return result, j.terminal, true
}

// LatestTerminal 由新到舊搜尋，回傳最近一則終止訊息
func (r *Repo) LatestTerminal(id types.TaskID) (types.Result, *types.Message, bool) {
	j, ok := r.journals.Load(id)
	if !ok {
		return "", nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.messages) - 1; i >= 0; i-- {
		if result, ok := j.messages[i].Terminal(); ok {
			return result, j.messages[i], true
		}
	}
	return "", nil, false
}

// Messages 任務所有訊息的複本（依到達順序）
func (r *Repo) Messages(id types.TaskID) []*types.Message {
	j, ok := r.journals.Load(id)
	if !ok {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*types.Message, len(j.messages))
	copy(out, j.messages)
	return out
}

// TaskIDs 目前有訊息的任務
func (r *Repo) TaskIDs() []types.TaskID {
	ids := make([]types.TaskID, 0, r.journals.Size())
	r.journals.Range(func(id types.TaskID, _ *journal) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// ParseErrors 被丟棄的訊息數
func (r *Repo) ParseErrors() int64 {
	return r.parseErrors.Load()
}

// DuplicateTerminals 被忽略的額外終止訊息數
func (r *Repo) DuplicateTerminals() int64 {
	return r.duplicates.Load()
}

// ResultStats 各終止結果的任務數
func (r *Repo) ResultStats() map[types.Result]int {
	out := make(map[types.Result]int)
	r.resultStats.Range(func(k types.Result, v int) bool {
		out[k] = v
		return true
	})
	return out
}

// ============================================================================
// 重放
// ============================================================================

// ReplayJournal 將 journal 檔案中的訊息灌入此 Repo（不會再次寫入 archive）
func (r *Repo) ReplayJournal(path string) error {
	return wal.ReplayFile(path, func(e wal.Event) error {
		msg, err := types.ParseMessage(e.Message)
		if err != nil {
			r.parseErrors.Add(1)
			return nil
		}
		r.Append(msg)
		return nil
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
