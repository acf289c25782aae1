// ============================================================================
// Config - nrunner 的設定
// ============================================================================
//
// Package: internal/config
// 功能: 型別化的設定結構（封閉集合），YAML 載入、--set 覆寫、驗證
//
// 來源優先序（後者覆蓋前者）:
//   1. Default()
//   2. YAML 檔（未知的鍵直接報錯）
//   3. --set key=value（以點號分隔的鍵，例如 nrunner.max_parallel_tasks=4）
//   4. 命令列旗標（由 cli 直接寫入欄位）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/nrunner/internal/server"
	"github.com/ChuLiYu/nrunner/internal/spawner"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

var ErrInvalid = errors.New("invalid configuration")

// KnownSpawners 內建 spawner 名稱
var KnownSpawners = []string{spawner.NameProcess, spawner.NamePodman, spawner.NameLXC, spawner.NameRemote}

// Config 所有可辨識的設定
type Config struct {
	NRunner NRunnerConfig `yaml:"nrunner"`
	Task    TaskConfig    `yaml:"task"`
	Job     JobConfig     `yaml:"job"`
	Spawner SpawnerConfig `yaml:"spawner"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

// NRunnerConfig 排程器與 status server
type NRunnerConfig struct {
	MaxParallelTasks       int           `yaml:"max_parallel_tasks"`
	StatusServerListen     string        `yaml:"status_server_listen"`
	StatusServerBufferSize int           `yaml:"status_server_buffer_size"`
	Shuffle                bool          `yaml:"shuffle"`
	Spawner                string        `yaml:"spawner"`
	TickInterval           time.Duration `yaml:"tick_interval"`
	SpawnGrace             time.Duration `yaml:"spawn_grace"`
	TerminateGrace         time.Duration `yaml:"terminate_grace"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
	StallTimeout           time.Duration `yaml:"stall_timeout"` // spawner 持續資源不足多久後放棄
	SpawnRate              float64       `yaml:"spawn_rate"` // 每秒最多啟動幾個任務，0 表示不限制
	WorkerCommand          string        `yaml:"worker_command"`
	IdentifierFormat       string        `yaml:"identifier_format"`
}

// TaskConfig 每個任務的預設值
type TaskConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// JobConfig job 層級
type JobConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FailFast      bool          `yaml:"fail_fast"`
	ResultsDir    string        `yaml:"results_dir"`
	ArchiveStatus bool          `yaml:"archive_status"`
}

// SpawnerConfig 各 spawner 的設定
type SpawnerConfig struct {
	Podman PodmanConfig `yaml:"podman"`
	LXC    LXCConfig    `yaml:"lxc"`
	Remote RemoteConfig `yaml:"remote"`
}

type PodmanConfig struct {
	Bin        string `yaml:"bin"`
	Image      string `yaml:"image"`
	WorkerPath string `yaml:"worker_path"`
}

type LXCConfig struct {
	ContainerPrefix string `yaml:"container_prefix"`
	Template        string `yaml:"template"`
	Dist            string `yaml:"dist"`
	Release         string `yaml:"release"`
	Arch            string `yaml:"arch"`
	Slots           int    `yaml:"slots"`
	CreateHook      string `yaml:"create_hook"`
	WorkerPath      string `yaml:"worker_path"`
}

type RemoteConfig struct {
	Slots       []string      `yaml:"slots"`
	SetupHook   string        `yaml:"setup_hook"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	WorkerPath  string        `yaml:"worker_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 預設設定
func Default() *Config {
	return &Config{
		NRunner: NRunnerConfig{
			MaxParallelTasks:       runtime.NumCPU(),
			StatusServerListen:     "127.0.0.1:0",
			StatusServerBufferSize: server.DefaultBufferSize,
			Spawner:                spawner.NameProcess,
			TickInterval:           50 * time.Millisecond,
			SpawnGrace:             500 * time.Millisecond,
			TerminateGrace:         spawner.DefaultTerminateGrace,
			ShutdownTimeout:        server.DefaultDrainTimeout,
			StallTimeout:           10 * time.Second,
			IdentifierFormat:       types.DefaultIdentifierFormat,
		},
		Job: JobConfig{
			ResultsDir: "~/nrunner/job-results",
		},
		Spawner: SpawnerConfig{
			Podman: PodmanConfig{
				Bin:        spawner.DefaultPodmanBin,
				Image:      spawner.DefaultPodmanImage,
				WorkerPath: spawner.DefaultPodmanWorkerPath,
			},
			LXC: LXCConfig{
				ContainerPrefix: spawner.DefaultLXCPrefix,
				Template:        spawner.DefaultLXCTemplate,
				Dist:            spawner.DefaultLXCDist,
				Release:         spawner.DefaultLXCRelease,
				Arch:            spawner.DefaultLXCArch,
				Slots:           spawner.DefaultLXCSlots,
			},
			Remote: RemoteConfig{
				Slots:       []string{},
				DialTimeout: spawner.DefaultDialTimeout,
			},
		},
		Metrics: MetricsConfig{Listen: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 以預設值為基礎讀取 YAML 檔；path 為空時只回傳預設值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// ApplyOverrides 套用 key=value 形式的覆寫
func (c *Config) ApplyOverrides(sets []string) error {
	if len(sets) == 0 {
		return nil
	}
	tree := map[string]any{}
	for _, set := range sets {
		key, value, ok := strings.Cut(set, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: override %q must be key=value", ErrInvalid, set)
		}
		if err := insert(tree, strings.Split(key, "."), value); err != nil {
			return fmt.Errorf("%w: override %q: %v", ErrInvalid, set, err)
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "yaml",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(tree); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func insert(tree map[string]any, path []string, value string) error {
	for i, part := range path {
		if part == "" {
			return errors.New("empty key segment")
		}
		if i == len(path)-1 {
			if _, isMap := tree[part].(map[string]any); isMap {
				return fmt.Errorf("%q is a section", part)
			}
			tree[part] = value
			return nil
		}
		next, ok := tree[part].(map[string]any)
		if !ok {
			if _, exists := tree[part]; exists {
				return fmt.Errorf("%q is not a section", part)
			}
			next = map[string]any{}
			tree[part] = next
		}
		tree = next
	}
	return nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var problems []string
	n := c.NRunner
	if n.MaxParallelTasks <= 0 {
		problems = append(problems, "nrunner.max_parallel_tasks must be positive")
	}
	if n.StatusServerBufferSize <= 0 {
		problems = append(problems, "nrunner.status_server_buffer_size must be positive")
	}
	if _, err := types.ParseEndpoint(n.StatusServerListen); err != nil {
		problems = append(problems, fmt.Sprintf("nrunner.status_server_listen: %v", err))
	}
	if !slices.Contains(KnownSpawners, n.Spawner) {
		problems = append(problems, fmt.Sprintf("nrunner.spawner: unknown spawner %q", n.Spawner))
	}
	if n.TickInterval <= 0 {
		problems = append(problems, "nrunner.tick_interval must be positive")
	}
	if n.SpawnGrace < 0 || n.TerminateGrace < 0 || n.ShutdownTimeout < 0 || n.StallTimeout < 0 {
		problems = append(problems, "nrunner grace periods must not be negative")
	}
	if n.SpawnRate < 0 {
		problems = append(problems, "nrunner.spawn_rate must not be negative")
	}
	if _, err := c.WorkerArgv(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Task.Timeout < 0 || c.Job.Timeout < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	if c.Job.ResultsDir == "" {
		problems = append(problems, "job.results_dir is required")
	}
	if n.Spawner == spawner.NameRemote && len(c.Spawner.Remote.Slots) == 0 {
		problems = append(problems, "spawner.remote.slots is required for the remote spawner")
	}
	if c.Spawner.LXC.Slots < 0 {
		problems = append(problems, "spawner.lxc.slots must not be negative")
	}
	if c.Spawner.Remote.SetupHook != "" {
		if _, err := shlex.Split(c.Spawner.Remote.SetupHook); err != nil {
			problems = append(problems, fmt.Sprintf("spawner.remote.setup_hook: %v", err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// WorkerArgv worker 執行方式；未設定時使用目前的執行檔
func (c *Config) WorkerArgv() ([]string, error) {
	if c.NRunner.WorkerCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		return []string{exe}, nil
	}
	argv, err := shlex.Split(c.NRunner.WorkerCommand)
	if err != nil {
		return nil, fmt.Errorf("nrunner.worker_command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("nrunner.worker_command is empty")
	}
	return argv, nil
}

// ResultsDir 展開 ~ 後的結果目錄
func (c *Config) ResultsDir() string {
	dir := c.Job.ResultsDir
	if rest, ok := strings.CutPrefix(dir, "~"); ok && (rest == "" || rest[0] == '/') {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return dir
}

// SpawnerOptions 轉為 spawner.Options
func (c *Config) SpawnerOptions(logger *slog.Logger) spawner.Options {
	s := c.Spawner
	return spawner.Options{
		Logger:         logger,
		TerminateGrace: c.NRunner.TerminateGrace,
		Podman:         spawner.PodmanConfig(s.Podman),
		LXC:            spawner.LXCConfig(s.LXC),
		Remote:         spawner.RemoteConfig(s.Remote),
	}
}

// YAML 輸出目前的設定（nrunner config 使用）
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
