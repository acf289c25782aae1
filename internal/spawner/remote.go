package spawner

// ============================================================================
// Remote Spawner - 透過 SSH 在遠端主機執行 worker
//
// Slot cache:
//   每個 slot 是一條預先開啟的 SSH 連線（設定檔中每個 JSON 檔描述一台主機）
//   第一次 Spawn 時才連線；每個任務占用一個 slot，worker 結束後歸還
//   沒有空閒 slot 且任務未指定主機時回傳 ErrResourceExhausted
//
// 任務流程:
//   reserve slot → setup hook（可選）→ 新的 session 執行 worker → Wait → release
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// RemoteConfig remote spawner 設定
type RemoteConfig struct {
	Slots       []string // 每個元素為描述一台主機的 JSON 檔路徑
	SetupHook   string
	DialTimeout time.Duration
	WorkerPath  string // 遠端 worker 路徑，空字串表示與主機相同
}

// DefaultDialTimeout SSH 連線逾時
const DefaultDialTimeout = 10 * time.Second

var ErrNoSlots = errors.New("spawner: remote spawner has no slots configured")

// SlotSpec 一台遠端主機的連線資訊
type SlotSpec struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"username"`
	Password   string `json:"password,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty"`
	Insecure   bool   `json:"insecure_ignore_host_key,omitempty"`
}

// LoadSlotSpec 讀取 slot JSON 檔
func LoadSlotSpec(path string) (SlotSpec, error) {
	var spec SlotSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read remote slot: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse remote slot %s: %w", path, err)
	}
	if spec.Host == "" {
		return spec, fmt.Errorf("remote slot %s: host is required", path)
	}
	return spec, nil
}

// Address host:port
func (s SlotSpec) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// ClientConfig 轉為 ssh.ClientConfig
func (s SlotSpec) ClientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.KeyFile != "" {
		key, err := os.ReadFile(expandHome(s.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}

	var hostKey ssh.HostKeyCallback
	if s.Insecure {
		hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		path := s.KnownHosts
		if path == "" {
			path = "~/.ssh/known_hosts"
		}
		cb, err := knownhosts.New(expandHome(path))
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

// ============================================================================
// SSH 抽象（測試時替換）
// ============================================================================

type sshSession interface {
	Start(cmd string) error
	Wait() error
	CombinedOutput(cmd string) ([]byte, error)
	Signal(sig ssh.Signal) error
	Close() error
}

type sshClient interface {
	NewSession() (sshSession, error)
	Close() error
}

type dialFunc func(ctx context.Context, spec SlotSpec, timeout time.Duration) (sshClient, error)

type clientAdapter struct{ *ssh.Client }

func (c clientAdapter) NewSession() (sshSession, error) {
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func dialSSH(ctx context.Context, spec SlotSpec, timeout time.Duration) (sshClient, error) {
	cfg, err := spec.ClientConfig(timeout)
	if err != nil {
		return nil, err
	}
	addr := spec.Address()
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return clientAdapter{ssh.NewClient(c, chans, reqs)}, nil
}

// ============================================================================
// Remote
// ============================================================================

type remoteTask struct {
	slot    string
	session sshSession
	done    chan struct{}
	release sync.Once
	err     error
}

// Remote SSH spawner
type Remote struct {
	cfg      RemoteConfig
	logger   *slog.Logger
	commands CommandResolver
	grace    time.Duration
	specs    map[string]SlotSpec // slot 名稱（host:port）→ 連線資訊
	names    []string

	connectOnce sync.Once
	connectErr  error
	clients     map[string]sshClient

	pool  *slotPool[string]
	tasks *xsync.MapOf[types.TaskID, *remoteTask]
	dial  dialFunc
}

// NewRemote 讀取 slot 設定；連線延後到第一次 Spawn
func NewRemote(opts Options) (*Remote, error) {
	cfg := opts.Remote
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	r := &Remote{
		cfg:      cfg,
		logger:   nlog.WithComponent(nlog.OrDefault(opts.Logger), "spawner.remote"),
		commands: opts.Commands,
		grace:    opts.terminateGrace(),
		specs:    make(map[string]SlotSpec),
		tasks:    xsync.NewMapOf[types.TaskID, *remoteTask](),
		dial:     dialSSH,
	}
	for _, path := range cfg.Slots {
		if path == "" {
			continue
		}
		spec, err := LoadSlotSpec(path)
		if err != nil {
			return nil, err
		}
		if err := r.addSlot(spec); err != nil {
			return nil, err
		}
	}
	r.pool = newSlotPool(r.names)
	return r, nil
}

func (r *Remote) addSlot(spec SlotSpec) error {
	name := spec.Address()
	if _, dup := r.specs[name]; dup {
		return fmt.Errorf("remote slot %s configured twice", name)
	}
	r.specs[name] = spec
	r.names = append(r.names, name)
	return nil
}

// Name 實作 Spawner
func (r *Remote) Name() string { return NameRemote }

// connect 並行開啟所有 slot 的連線（只做一次）
func (r *Remote) connect(ctx context.Context) error {
	r.connectOnce.Do(func() {
		if len(r.names) == 0 {
			r.connectErr = ErrNoSlots
			return
		}
		clients := make([]sshClient, len(r.names))
		g, gctx := errgroup.WithContext(ctx)
		for i, name := range r.names {
			i, name := i, name
			g.Go(func() error {
				c, err := r.dial(gctx, r.specs[name], r.cfg.DialTimeout)
				if err != nil {
					return fmt.Errorf("failed to connect to %s: %w", name, err)
				}
				clients[i] = c
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			for _, c := range clients {
				if c != nil {
					c.Close()
				}
			}
			r.connectErr = err
			return
		}
		r.clients = make(map[string]sshClient, len(clients))
		for i, name := range r.names {
			r.clients[name] = clients[i]
		}
		r.logger.Info("remote slots connected", "slots", len(clients))
	})
	return r.connectErr
}

// Spawn 占用 slot 並在遠端啟動 worker；回傳 slot 名稱
func (r *Remote) Spawn(ctx context.Context, task *types.Task) (Handle, error) {
	if _, ok := r.tasks.Load(task.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadySpawned, task.ID)
	}
	argv, err := r.commands.CommandFor(task)
	if err != nil {
		return "", err
	}
	if err := r.connect(ctx); err != nil {
		return "", err
	}

	rt := &remoteTask{done: make(chan struct{})}
	bound := task.SpawnerHandle != ""
	if bound {
		if !r.pool.contains(task.SpawnerHandle) {
			return "", fmt.Errorf("unknown remote slot %q", task.SpawnerHandle)
		}
		rt.slot = task.SpawnerHandle
		rt.release.Do(func() {}) // 指定的主機不占用 slot
	} else if rt.slot, err = r.pool.tryReserve(); err != nil {
		return "", err
	}
	fail := func(err error) (Handle, error) {
		r.releaseSlot(rt)
		return "", err
	}

	client := r.clients[rt.slot]
	if err := r.runSetupHook(client, rt.slot); err != nil {
		return fail(err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fail(fmt.Errorf("failed to open session on %s: %w", rt.slot, err))
	}
	if r.cfg.WorkerPath != "" {
		argv[0] = r.cfg.WorkerPath
	}
	cmd := shellJoin(argv) + " >/dev/null"
	if env := task.Env(); len(env) > 0 {
		cmd = "env " + shellJoin(env) + " " + cmd
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return fail(fmt.Errorf("failed to start worker on %s: %w", rt.slot, err))
	}

	rt.session = session
	r.tasks.Store(task.ID, rt)
	go func() {
		rt.err = session.Wait()
		session.Close()
		r.releaseSlot(rt)
		close(rt.done)
		r.logger.Debug("remote worker exited", nlog.TaskIDKey, task.ID, "slot", rt.slot, "error", rt.err)
	}()

	r.logger.Debug("remote worker started", nlog.TaskIDKey, task.ID, "slot", rt.slot)
	return Handle(rt.slot), nil
}

func (r *Remote) runSetupHook(client sshClient, slot string) error {
	if r.cfg.SetupHook == "" {
		return nil
	}
	argv, err := shlex.Split(r.cfg.SetupHook)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("invalid remote setup hook %q: %v", r.cfg.SetupHook, err)
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", slot, err)
	}
	defer session.Close()
	if out, err := session.CombinedOutput(shellJoin(argv)); err != nil {
		r.logger.Error("setup hook failed", "slot", slot, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("setup hook failed on %s: %w", slot, err)
	}
	return nil
}

func (r *Remote) releaseSlot(rt *remoteTask) {
	rt.release.Do(func() { r.pool.release(rt.slot) })
}

// IsAlive session 尚未結束即視為存活
func (r *Remote) IsAlive(_ context.Context, task *types.Task) (bool, error) {
	rt, ok := r.tasks.Load(task.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	select {
	case <-rt.done:
		return false, nil
	default:
		return true, nil
	}
}

// Terminate 送 SIGTERM；grace 後在遠端 pkill -KILL 並關閉 session
func (r *Remote) Terminate(ctx context.Context, task *types.Task) error {
	rt, ok := r.tasks.Load(task.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSpawned, task.ID)
	}
	_ = rt.session.Signal(ssh.SIGTERM)
	if waitDone(ctx, rt.done, r.grace) {
		return nil
	}

	r.logger.Warn("remote worker ignored SIGTERM, killing", nlog.TaskIDKey, task.ID, "slot", rt.slot)
	if kill, err := r.clients[rt.slot].NewSession(); err == nil {
		_, _ = kill.CombinedOutput("pkill -KILL -f " + shellQuote(regexp.QuoteMeta(string(task.ID))))
		kill.Close()
	}
	rt.session.Close()
	if !waitDone(ctx, rt.done, r.grace) {
		return fmt.Errorf("remote worker for task %s on %s did not exit", task.ID, rt.slot)
	}
	return nil
}

// CheckRequirements 只要求 runner 可解析；遠端環境由 setup hook 準備
func (r *Remote) CheckRequirements(_ context.Context, task *types.Task) bool {
	_, err := r.commands.CommandFor(task)
	return err == nil
}

// Cleanup 歸還 slot
func (r *Remote) Cleanup(_ context.Context, task *types.Task) error {
	rt, ok := r.tasks.LoadAndDelete(task.ID)
	if !ok {
		return nil
	}
	r.releaseSlot(rt)
	return nil
}

// Close 關閉所有 SSH 連線
func (r *Remote) Close() error {
	var errs *nerrors.MultiError
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = errs.Append(fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

// InUse 目前被占用的 slot 數
func (r *Remote) InUse() int { return r.pool.inUse() }
