// ============================================================================
// Spawner - 啟動並監控 worker 的策略
// ============================================================================
//
// Package: internal/spawner
// 功能: 依任務啟動 worker 程序，回報存活狀態，必要時終止
//
// 變體:
//   process - 本機 fork/exec worker 執行檔
//   podman  - 在 podman 容器內執行 worker
//   lxc     - 在 LXC 容器內執行 worker（以 lxc-* CLI 操作）
//   remote  - 透過預先開啟的 SSH 連線（slot）在遠端主機執行
//
// Registry:
//   不做執行期的 plugin 探索；spawner 與 runner kind 都由呼叫端明確註冊
//   RegisterSpawner(name, constructor) / RegisterRunnerKind(kind, argv...)
//
// 錯誤語意:
//   Spawn 失敗          → scheduler 將任務標記 FINISHED_ERROR
//   ErrResourceExhausted → scheduler 保持 READY，下一個 tick 重試
//   IsAlive 回傳錯誤     → 視為 worker 已結束
//
// ============================================================================

package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// 內建 spawner 名稱
const (
	NameProcess = "process"
	NamePodman  = "podman"
	NameLXC     = "lxc"
	NameRemote  = "remote"
)

// 內建 runner kind（由本專案的 worker 實作）
const (
	KindNoop     = "noop"
	KindDryRun   = "dry-run"
	KindExecTest = "exec-test"
)

// DefaultTerminateGrace SIGTERM 之後等待 worker 結束的時間
const DefaultTerminateGrace = 2 * time.Second

var (
	ErrResourceExhausted = errors.New("spawner: resource exhausted")
	ErrUnknownSpawner    = errors.New("spawner: unknown spawner")
	ErrUnknownKind       = errors.New("spawner: no runner registered for kind")
	ErrNotSpawned        = errors.New("spawner: task was not spawned")
	ErrAlreadySpawned    = errors.New("spawner: task already spawned")
)

// Handle spawner 回傳的不透明 token（pid、容器 id、slot 名稱...）
type Handle string

// Spawner 啟動並監控 worker
type Spawner interface {
	Name() string
	Spawn(ctx context.Context, task *types.Task) (Handle, error)
	IsAlive(ctx context.Context, task *types.Task) (bool, error)
	Terminate(ctx context.Context, task *types.Task) error
	CheckRequirements(ctx context.Context, task *types.Task) bool
	Cleanup(ctx context.Context, task *types.Task) error
}

// CommandResolver 將任務轉為完整的 worker 命令列
type CommandResolver interface {
	CommandFor(task *types.Task) ([]string, error)
}

// Options 建立 spawner 時的參數
type Options struct {
	Logger         *slog.Logger
	Commands       CommandResolver
	TerminateGrace time.Duration

	Podman PodmanConfig
	LXC    LXCConfig
	Remote RemoteConfig
}

func (o Options) terminateGrace() time.Duration {
	if o.TerminateGrace <= 0 {
		return DefaultTerminateGrace
	}
	return o.TerminateGrace
}

// Constructor 建立 spawner
type Constructor func(opts Options) (Spawner, error)

// ============================================================================
// Registry
// ============================================================================

// Registry spawner 與 runner kind 的註冊表
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Constructor
	runners  map[string][]string
}

// NewRegistry 建立空的註冊表
func NewRegistry() *Registry {
	return &Registry{
		spawners: make(map[string]Constructor),
		runners:  make(map[string][]string),
	}
}

// DefaultRegistry 註冊四種內建 spawner，並把內建 kind 指向 workerArgv
func DefaultRegistry(workerArgv []string) *Registry {
	r := NewRegistry()
	r.RegisterSpawner(NameProcess, func(o Options) (Spawner, error) { return NewProcess(o), nil })
	r.RegisterSpawner(NamePodman, func(o Options) (Spawner, error) { return NewPodman(o), nil })
	r.RegisterSpawner(NameLXC, func(o Options) (Spawner, error) { return NewLXC(o), nil })
	r.RegisterSpawner(NameRemote, func(o Options) (Spawner, error) { return NewRemote(o) })
	for _, kind := range []string{KindNoop, KindDryRun, KindExecTest} {
		r.RegisterRunnerKind(kind, workerArgv...)
	}
	return r
}

// RegisterSpawner 註冊（或覆寫）spawner
func (r *Registry) RegisterSpawner(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[name] = ctor
}

// RegisterRunnerKind 註冊 kind 對應的 worker 執行方式
func (r *Registry) RegisterRunnerKind(kind string, argv ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = append([]string(nil), argv...)
}

// RunnerFor 取得 kind 的 worker 執行方式
func (r *Registry) RunnerFor(kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	argv, ok := r.runners[kind]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return append([]string(nil), argv...), nil
}

// CommandFor 實作 CommandResolver：runner argv + task-run 參數
func (r *Registry) CommandFor(task *types.Task) ([]string, error) {
	argv, err := r.RunnerFor(task.Runnable.Kind)
	if err != nil {
		return nil, err
	}
	return append(argv, task.CommandArgs()...), nil
}

// New 依名稱建立 spawner
func (r *Registry) New(name string, opts Options) (Spawner, error) {
	r.mu.RLock()
	ctor, ok := r.spawners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpawner, name)
	}
	if opts.Commands == nil {
		opts.Commands = r
	}
	return ctor(opts)
}

// HasSpawner 是否已註冊
func (r *Registry) HasSpawner(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spawners[name]
	return ok
}

// Spawners 已註冊的 spawner 名稱（排序）
func (r *Registry) Spawners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.spawners)
}

// Kinds 已註冊的 runner kind（排序）
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.runners)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
