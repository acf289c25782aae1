package spawner

// ============================================================================
// LXC Spawner - 在 LXC 容器中執行 worker
//
// 容器以 slot 管理：<prefix>-0 ... <prefix>-(N-1)，每個 slot 同時只跑一個任務
// 容器不存在時以 lxc-create 建立（預設 download template），之後重複使用
// worker 以 lxc-attach 在背景啟動；存活判斷為 pgrep -r R,S -f <task id>
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/puzpuzpuz/xsync/v3"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// LXCConfig lxc spawner 設定
type LXCConfig struct {
	ContainerPrefix string
	Template        string
	Dist            string
	Release         string
	Arch            string
	Slots           int
	CreateHook      string // 容器建立後在主機執行的命令，{name} 會替換為容器名稱
	WorkerPath      string // worker 在容器內的路徑，空字串表示與主機相同
}

// 預設值
const (
	DefaultLXCPrefix   = "nrunner"
	DefaultLXCTemplate = "download"
	DefaultLXCDist     = "fedora"
	DefaultLXCRelease  = "40"
	DefaultLXCArch     = "amd64"
	DefaultLXCSlots    = 1
)

type lxcTask struct {
	container string
	bound     bool // 由 SpawnerHandle 指定，不占用 slot
}

// LXC 容器 spawner
type LXC struct {
	cfg      LXCConfig
	logger   *slog.Logger
	commands CommandResolver
	grace    int
	slots    *slotPool[string]
	tasks    *xsync.MapOf[types.TaskID, lxcTask]
	exec     execFunc
	lookPath func(file string) (string, error)
}

// NewLXC 建立 lxc spawner
func NewLXC(opts Options) *LXC {
	cfg := opts.LXC
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = DefaultLXCPrefix
	}
	if cfg.Template == "" {
		cfg.Template = DefaultLXCTemplate
	}
	if cfg.Dist == "" {
		cfg.Dist = DefaultLXCDist
	}
	if cfg.Release == "" {
		cfg.Release = DefaultLXCRelease
	}
	if cfg.Arch == "" {
		cfg.Arch = DefaultLXCArch
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultLXCSlots
	}
	names := make([]string, cfg.Slots)
	for i := range names {
		names[i] = cfg.ContainerPrefix + "-" + strconv.Itoa(i)
	}
	grace := int(opts.terminateGrace().Seconds())
	if grace < 1 {
		grace = 1
	}
	return &LXC{
		cfg:      cfg,
		logger:   nlog.WithComponent(nlog.OrDefault(opts.Logger), "spawner.lxc"),
		commands: opts.Commands,
		grace:    grace,
		slots:    newSlotPool(names),
		tasks:    xsync.NewMapOf[types.TaskID, lxcTask](),
		exec:     runCommand,
		lookPath: exec.LookPath,
	}
}

// Name 實作 Spawner
func (l *LXC) Name() string { return NameLXC }

// Spawn 取得 slot，確保容器執行中，於容器內背景啟動 worker；回傳容器名稱
func (l *LXC) Spawn(ctx context.Context, task *types.Task) (handle Handle, err error) {
	if _, ok := l.tasks.Load(task.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadySpawned, task.ID)
	}
	argv, err := l.commands.CommandFor(task)
	if err != nil {
		return "", err
	}

	state := lxcTask{container: task.SpawnerHandle, bound: task.SpawnerHandle != ""}
	if !state.bound {
		if state.container, err = l.slots.tryReserve(); err != nil {
			return "", err
		}
		defer func() {
			if err != nil {
				l.slots.release(state.container)
			}
		}()
	}

	if err := l.ensureContainer(ctx, state.container); err != nil {
		return "", err
	}

	if l.cfg.WorkerPath != "" {
		argv[0] = l.cfg.WorkerPath
	}
	attach := []string{"-n", state.container}
	for _, env := range task.Env() {
		attach = append(attach, "--set-var", env)
	}
	attach = append(attach, "--", "sh", "-c", "nohup "+shellJoin(argv)+" >/dev/null 2>&1 &")
	if _, err := l.exec(ctx, "lxc-attach", attach...); err != nil {
		return "", fmt.Errorf("failed to start worker in container %s: %w", state.container, err)
	}

	l.tasks.Store(task.ID, state)
	l.logger.Debug("worker started", nlog.TaskIDKey, task.ID, "container", state.container)
	return Handle(state.container), nil
}

// ensureContainer 容器不存在則建立，未執行則啟動
func (l *LXC) ensureContainer(ctx context.Context, name string) error {
	if _, err := l.exec(ctx, "lxc-info", "-n", name); err != nil {
		l.logger.Info("creating container", "container", name, "dist", l.cfg.Dist, "release", l.cfg.Release)
		_, err := l.exec(ctx, "lxc-create", "-n", name, "-t", l.cfg.Template, "--",
			"--dist", l.cfg.Dist, "--release", l.cfg.Release, "--arch", l.cfg.Arch)
		if err != nil {
			return fmt.Errorf("failed to create container %s: %w", name, err)
		}
		if err := l.runCreateHook(ctx, name); err != nil {
			return err
		}
	}

	out, err := l.exec(ctx, "lxc-info", "-n", name, "-s", "-H")
	if err != nil {
		return fmt.Errorf("failed to query container %s: %w", name, err)
	}
	if strings.TrimSpace(string(out)) != "RUNNING" {
		if _, err := l.exec(ctx, "lxc-start", "-n", name); err != nil {
			return fmt.Errorf("failed to start container %s: %w", name, err)
		}
	}
	return nil
}

func (l *LXC) runCreateHook(ctx context.Context, name string) error {
	if l.cfg.CreateHook == "" {
		return nil
	}
	argv, err := shlex.Split(strings.ReplaceAll(l.cfg.CreateHook, "{name}", name))
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("invalid lxc create hook %q: %v", l.cfg.CreateHook, err)
	}
	if _, err := l.exec(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("lxc create hook failed for %s: %w", name, err)
	}
	return nil
}

// IsAlive 在容器內以 pgrep 尋找 worker
func (l *LXC) IsAlive(ctx context.Context, task *types.Task) (bool, error) {
	state, ok := l.tasks.Load(task.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	_, err := l.exec(ctx, "lxc-attach", "-n", state.container, "--",
		"pgrep", "-r", "R,S", "-f", regexp.QuoteMeta(string(task.ID)))
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil // pgrep: 沒有符合的程序
	}
	return false, err
}

// Terminate pkill -TERM，grace 後仍存在則 pkill -KILL
func (l *LXC) Terminate(ctx context.Context, task *types.Task) error {
	state, ok := l.tasks.Load(task.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	pattern := regexp.QuoteMeta(string(task.ID))
	_, _ = l.exec(ctx, "lxc-attach", "-n", state.container, "--", "pkill", "-TERM", "-f", pattern)

	_, err := l.exec(ctx, "lxc-attach", "-n", state.container, "--",
		"timeout", strconv.Itoa(l.grace), "sh", "-c",
		"while pgrep -r R,S -f "+shellQuote(pattern)+" >/dev/null; do sleep 0.1; done")
	if err == nil {
		return nil
	}
	_, err = l.exec(ctx, "lxc-attach", "-n", state.container, "--", "pkill", "-KILL", "-f", pattern)
	if err != nil && exitCode(err) != 1 {
		return err
	}
	return nil
}

// CheckRequirements LXC 工具可用
func (l *LXC) CheckRequirements(_ context.Context, task *types.Task) bool {
	if _, err := l.commands.CommandFor(task); err != nil {
		return false
	}
	for _, bin := range []string{"lxc-info", "lxc-attach", "lxc-start", "lxc-create"} {
		if _, err := l.lookPath(bin); err != nil {
			l.logger.Debug("lxc tool not found", nlog.TaskIDKey, task.ID, "bin", bin)
			return false
		}
	}
	return true
}

// Cleanup 歸還 slot；容器保留給下一個任務
func (l *LXC) Cleanup(_ context.Context, task *types.Task) error {
	state, ok := l.tasks.LoadAndDelete(task.ID)
	if !ok {
		return nil
	}
	if !state.bound {
		l.slots.release(state.container)
	}
	return nil
}
