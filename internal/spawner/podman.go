package spawner

// ============================================================================
// Podman Spawner - 在容器中執行 worker
//
// 流程:
//   podman create --net=host ... <image> <task-run args>   → 容器 id
//   podman cp <worker> <id>:<worker path>                  → 放入 worker 執行檔
//   podman start <id>
//
// 存活判斷: podman ps --all --filter=id=<id> --format={{.State}}
// 清理時以 podman logs 將容器輸出寫入任務目錄，再移除容器
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// PodmanConfig podman spawner 設定
type PodmanConfig struct {
	Bin        string // podman 執行檔
	Image      string // worker 執行的映像檔
	WorkerPath string // worker 在容器內的路徑
}

// 預設值
const (
	DefaultPodmanBin        = "podman"
	DefaultPodmanImage      = "fedora:latest"
	DefaultPodmanWorkerPath = "/usr/local/bin/nrunner-worker"
)

// 視為仍在執行的容器狀態
var podmanAliveStates = map[string]bool{
	"configured": true,
	"created":    true,
	"running":    true,
}

// Podman 容器 spawner
type Podman struct {
	cfg        PodmanConfig
	logger     *slog.Logger
	commands   CommandResolver
	grace      int // 秒
	containers *xsync.MapOf[types.TaskID, string]
	exec       execFunc
	lookPath   func(file string) (string, error)
}

// NewPodman 建立 podman spawner
func NewPodman(opts Options) *Podman {
	cfg := opts.Podman
	if cfg.Bin == "" {
		cfg.Bin = DefaultPodmanBin
	}
	if cfg.Image == "" {
		cfg.Image = DefaultPodmanImage
	}
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = DefaultPodmanWorkerPath
	}
	grace := int(opts.terminateGrace().Seconds())
	if grace < 1 {
		grace = 1
	}
	return &Podman{
		cfg:        cfg,
		logger:     nlog.WithComponent(nlog.OrDefault(opts.Logger), "spawner.podman"),
		commands:   opts.Commands,
		grace:      grace,
		containers: xsync.NewMapOf[types.TaskID, string](),
		exec:       runCommand,
		lookPath:   exec.LookPath,
	}
}

// Name 實作 Spawner
func (p *Podman) Name() string { return NamePodman }

// Spawn 建立並啟動容器，回傳容器 id
func (p *Podman) Spawn(ctx context.Context, task *types.Task) (Handle, error) {
	if _, ok := p.containers.Load(task.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadySpawned, task.ID)
	}
	argv, err := p.commands.CommandFor(task)
	if err != nil {
		return "", err
	}

	args := []string{"create", "--net=host", "--entrypoint=" + p.cfg.WorkerPath}
	for _, env := range task.Env() {
		args = append(args, "--env="+env)
	}
	for _, vol := range p.volumes(task) {
		args = append(args, "--volume="+vol+":"+vol+":z")
	}
	args = append(args, p.cfg.Image)
	args = append(args, argv[1:]...)

	out, err := p.exec(ctx, p.cfg.Bin, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("podman create returned no container id")
	}

	if _, err := p.exec(ctx, p.cfg.Bin, "cp", argv[0], id+":"+p.cfg.WorkerPath); err != nil {
		p.remove(ctx, id)
		return "", fmt.Errorf("failed to copy worker into container: %w", err)
	}
	if _, err := p.exec(ctx, p.cfg.Bin, "start", id); err != nil {
		p.remove(ctx, id)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	p.containers.Store(task.ID, id)
	p.logger.Debug("container started", nlog.TaskIDKey, task.ID, "container", id)
	return Handle(id), nil
}

// volumes 需要掛載到容器內的主機目錄：任務輸出目錄與 UNIX socket 所在目錄
func (p *Podman) volumes(task *types.Task) []string {
	var vols []string
	if task.OutputDir != "" {
		vols = append(vols, task.OutputDir)
	}
	for _, uri := range task.Endpoints() {
		ep, err := types.ParseEndpoint(uri)
		if err != nil || ep.IsTCP() {
			continue
		}
		vols = append(vols, filepath.Dir(ep.Address))
	}
	return vols
}

// IsAlive 查詢容器狀態
func (p *Podman) IsAlive(ctx context.Context, task *types.Task) (bool, error) {
	id, ok := p.containers.Load(task.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	out, err := p.exec(ctx, p.cfg.Bin, "ps", "--all", "--format={{.State}}", "--filter=id="+id)
	if err != nil {
		return false, err
	}
	state := strings.ToLower(strings.TrimSpace(string(out)))
	return podmanAliveStates[state], nil
}

// Terminate podman stop（podman 本身會在逾時後送 SIGKILL）
func (p *Podman) Terminate(ctx context.Context, task *types.Task) error {
	id, ok := p.containers.Load(task.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	_, err := p.exec(ctx, p.cfg.Bin, "stop", "--time="+strconv.Itoa(p.grace), id)
	return err
}

// CheckRequirements podman 可用且映像檔已存在
func (p *Podman) CheckRequirements(ctx context.Context, task *types.Task) bool {
	if _, err := p.commands.CommandFor(task); err != nil {
		return false
	}
	if _, err := p.lookPath(p.cfg.Bin); err != nil {
		p.logger.Debug("podman not found", nlog.TaskIDKey, task.ID, "bin", p.cfg.Bin)
		return false
	}
	if _, err := p.exec(ctx, p.cfg.Bin, "image", "exists", p.cfg.Image); err != nil {
		p.logger.Debug("podman image missing", nlog.TaskIDKey, task.ID, "image", p.cfg.Image, "exit_code", exitCode(err))
		return false
	}
	return true
}

// Cleanup 保存容器輸出後移除容器
func (p *Podman) Cleanup(ctx context.Context, task *types.Task) error {
	id, ok := p.containers.LoadAndDelete(task.ID)
	if !ok {
		return nil
	}
	if task.OutputDir != "" {
		if out, err := p.exec(ctx, p.cfg.Bin, "logs", id); err == nil && len(out) > 0 {
			if err := appendFile(filepath.Join(task.OutputDir, StdoutFile), out); err != nil {
				p.logger.Warn("failed to save container logs", nlog.TaskIDKey, task.ID, "error", err)
			}
		}
	}
	return p.remove(ctx, id)
}

func (p *Podman) remove(ctx context.Context, id string) error {
	_, err := p.exec(ctx, p.cfg.Bin, "rm", "--force", id)
	return err
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := openAppend(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
