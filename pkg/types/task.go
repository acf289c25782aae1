package types

// ============================================================================
// Task - 已排程的 Runnable
// 在 Runnable 之外加上：job 內唯一的 ID、status server 端點、相依任務
// ============================================================================

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// 傳給 worker 的環境變數
const (
	EnvJobID     = "NRUNNER_JOB_ID"
	EnvOutputDir = "NRUNNER_TASK_OUTPUT_DIR"
)

// TaskRunCommand worker 執行單一任務的子命令
const TaskRunCommand = "task-run"

// TaskID job 內唯一的任務識別碼
type TaskID string

// Category 任務類別
type Category string

const (
	CategoryTest       Category = "test"       // 產生測試結果
	CategoryDependency Category = "dependency" // 前置任務，不產生測試結果
)

// StatusService worker 需要回報的 status server
type StatusService struct {
	URI string `json:"uri"`
}

// Task 排程單位
type Task struct {
	ID             TaskID          `json:"id"`
	Runnable       *Runnable       `json:"runnable"`
	Category       Category        `json:"category"`
	StatusServices []StatusService `json:"status_services"`
	DependsOn      []TaskID        `json:"depends_on,omitempty"` // 由排程器解析為索引
	JobID          string          `json:"job_id,omitempty"`
	OutputDir      string          `json:"output_dir,omitempty"`
	Timeout        time.Duration   `json:"-"` // 0 表示沿用 job 設定

	SpawnerHandle string `json:"-"` // spawner 回傳的不透明 token，尚未啟動時為空
}

// NewTaskID 依 "{suite_index}-{identifier};{variant_id}" 產生任務 ID
func NewTaskID(suiteIndex int, r *Runnable) TaskID {
	id := fmt.Sprintf("%d-%s", suiteIndex, r.Identifier())
	if vid := r.VariantID(); vid != "" {
		id += ";" + vid
	}
	return TaskID(id)
}

// NewTask 建立任務
func NewTask(id TaskID, r *Runnable, category Category, endpoints ...string) *Task {
	if category == "" {
		category = CategoryTest
	}
	services := make([]StatusService, 0, len(endpoints))
	for _, e := range endpoints {
		services = append(services, StatusService{URI: e})
	}
	return &Task{
		ID:             id,
		Runnable:       r,
		Category:       category,
		StatusServices: services,
	}
}

// String 實作 fmt.Stringer
func (id TaskID) String() string { return string(id) }

// 多數檔案系統的檔名上限（位元組）
const maxFilenameBytes = 255

// Filesystem 轉為可作為目錄名稱的字串
func (id TaskID) Filesystem() string {
	var b strings.Builder
	for _, r := range string(id) {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteByte('_')
		case r == ':' || r == '"' || r == '<' || r == '>' || r == '|' || r == '?' || r == '*':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) <= maxFilenameBytes {
		return out
	}
	// 退回 rune 邊界，避免切出不完整的 UTF-8
	n := maxFilenameBytes
	for n > 0 && !utf8.RuneStart(out[n]) {
		n--
	}
	return out[:n]
}

// Endpoints 取得所有 status server 端點
func (t *Task) Endpoints() []string {
	out := make([]string, 0, len(t.StatusServices))
	for _, s := range t.StatusServices {
		out = append(out, s.URI)
	}
	return out
}

// CommandArgs 產生 worker 命令列（不含執行檔本身）
//
//	task-run <task-id> <endpoint> [endpoint ...] -k <kind> ...
func (t *Task) CommandArgs() []string {
	args := []string{TaskRunCommand, string(t.ID)}
	args = append(args, t.Endpoints()...)
	return append(args, t.Runnable.CommandArgs()...)
}

// Env 傳給 worker 的額外環境變數
func (t *Task) Env() []string {
	var env []string
	if t.JobID != "" {
		env = append(env, EnvJobID+"="+t.JobID)
	}
	if t.OutputDir != "" {
		env = append(env, EnvOutputDir+"="+t.OutputDir)
	}
	return env
}

// IsTest 是否產生測試結果
func (t *Task) IsTest() bool {
	return t.Category != CategoryDependency
}

// ParseTaskCommand Task.CommandArgs 的反向操作
//
//	task-run <task-id> <endpoint> [endpoint ...] <runnable flags>
//
// 第一個以 "-" 開頭的參數之後皆視為 runnable 旗標
func ParseTaskCommand(args []string) (TaskID, []string, *Runnable, error) {
	if len(args) > 0 && args[0] == TaskRunCommand {
		args = args[1:]
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, nil, fmt.Errorf("%w: missing task id", ErrInvalidArgument)
	}
	id := TaskID(args[0])
	args = args[1:]

	i := 0
	for i < len(args) && !strings.HasPrefix(args[i], "-") {
		i++
	}
	if i == 0 {
		return "", nil, nil, fmt.Errorf("%w: missing status server endpoint", ErrInvalidArgument)
	}
	r, err := ParseCommandArgs(args[i:])
	if err != nil {
		return "", nil, nil, err
	}
	return id, args[:i], r, nil
}
