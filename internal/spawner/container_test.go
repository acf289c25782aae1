package spawner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// fakeCLI 記錄 podman/lxc 呼叫並依前綴回傳預先設定的結果
type fakeCLI struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]fakeReply
}

type fakeReply struct {
	out string
	err error
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{replies: map[string]fakeReply{}}
}

func (f *fakeCLI) on(prefix, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[prefix] = fakeReply{out: out, err: err}
}

func (f *fakeCLI) exec(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	best := ""
	for prefix := range f.replies {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	r := f.replies[best]
	return []byte(r.out), r.err
}

func (f *fakeCLI) called(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func foundPath(file string) (string, error) { return file, nil }

func containerTask(t *testing.T) *types.Task {
	task := types.NewTask("1-/bin/true", types.NewRunnable(KindExecTest, "/bin/true"), "", "127.0.0.1:9000")
	task.JobID = "job-1"
	task.OutputDir = filepath.Join(t.TempDir(), "1-_bin_true")
	return task
}

func testRegistry() *Registry {
	return DefaultRegistry([]string{"/usr/bin/nrunner"})
}

// ============================================================================
// podman
// ============================================================================

func newFakePodman(cli *fakeCLI) *Podman {
	p := NewPodman(Options{Logger: nlog.Discard(), Commands: testRegistry()})
	p.exec = cli.exec
	p.lookPath = foundPath
	return p
}

func TestPodmanSpawn(t *testing.T) {
	cli := newFakeCLI()
	cli.on("podman create", "abc123\n", nil)
	p := newFakePodman(cli)
	task := containerTask(t)

	handle, err := p.Spawn(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Handle("abc123"), handle)

	create := cli.called("podman create")
	require.Len(t, create, 1)
	assert.Contains(t, create[0], "--net=host")
	assert.Contains(t, create[0], "--entrypoint="+DefaultPodmanWorkerPath)
	assert.Contains(t, create[0], "--env="+types.EnvJobID+"=job-1")
	assert.Contains(t, create[0], "--volume="+task.OutputDir+":"+task.OutputDir+":z")
	assert.Contains(t, create[0], DefaultPodmanImage+" task-run 1-/bin/true 127.0.0.1:9000 -k exec-test -u /bin/true")

	assert.Equal(t, []string{"podman cp /usr/bin/nrunner abc123:" + DefaultPodmanWorkerPath}, cli.called("podman cp"))
	assert.Equal(t, []string{"podman start abc123"}, cli.called("podman start"))
}

func TestPodmanSpawnStartFailureRemovesContainer(t *testing.T) {
	cli := newFakeCLI()
	cli.on("podman create", "abc123", nil)
	cli.on("podman start", "", errors.New("boom"))
	p := newFakePodman(cli)

	_, err := p.Spawn(context.Background(), containerTask(t))
	require.Error(t, err)
	assert.Equal(t, []string{"podman rm --force abc123"}, cli.called("podman rm"))
}

func TestPodmanIsAlive(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"running", true},
		{"Created", true},
		{"configured", true},
		{"exited", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			cli := newFakeCLI()
			cli.on("podman create", "abc123", nil)
			cli.on("podman ps", tt.state+"\n", nil)
			p := newFakePodman(cli)
			task := containerTask(t)
			_, err := p.Spawn(context.Background(), task)
			require.NoError(t, err)

			alive, err := p.IsAlive(context.Background(), task)
			require.NoError(t, err)
			assert.Equal(t, tt.want, alive)
		})
	}
}

func TestPodmanTerminateAndCleanup(t *testing.T) {
	cli := newFakeCLI()
	cli.on("podman create", "abc123", nil)
	cli.on("podman logs", "container output\n", nil)
	p := newFakePodman(cli)
	task := containerTask(t)
	ctx := context.Background()

	_, err := p.Spawn(ctx, task)
	require.NoError(t, err)
	require.NoError(t, p.Terminate(ctx, task))
	assert.Equal(t, []string{"podman stop --time=2 abc123"}, cli.called("podman stop"))

	require.NoError(t, p.Cleanup(ctx, task))
	assert.Equal(t, []string{"podman rm --force abc123"}, cli.called("podman rm"))
	data, err := os.ReadFile(filepath.Join(task.OutputDir, StdoutFile))
	require.NoError(t, err)
	assert.Equal(t, "container output\n", string(data))

	_, err = p.IsAlive(ctx, task)
	assert.ErrorIs(t, err, ErrNotSpawned)
}

func TestPodmanCheckRequirements(t *testing.T) {
	cli := newFakeCLI()
	p := newFakePodman(cli)
	task := containerTask(t)

	assert.True(t, p.CheckRequirements(context.Background(), task))
	assert.Equal(t, []string{"podman image exists " + DefaultPodmanImage}, cli.called("podman image"))

	cli.on("podman image exists", "", errors.New("exit status 1"))
	assert.False(t, p.CheckRequirements(context.Background(), task))
}

func TestPodmanMountsUnixSocketDir(t *testing.T) {
	p := newFakePodman(newFakeCLI())
	task := types.NewTask("1-x", types.NewRunnable(KindNoop, ""), "", "/run/nrunner/job.sock")
	assert.Equal(t, []string{"/run/nrunner"}, p.volumes(task))
}

// ============================================================================
// lxc
// ============================================================================

func newFakeLXC(cli *fakeCLI, cfg LXCConfig) *LXC {
	l := NewLXC(Options{Logger: nlog.Discard(), Commands: testRegistry(), LXC: cfg})
	l.exec = cli.exec
	l.lookPath = foundPath
	return l
}

func TestLXCSpawnCreatesContainer(t *testing.T) {
	cli := newFakeCLI()
	cli.on("lxc-info -n nrunner-0", "", errors.New("doesn't exist"))
	cli.on("lxc-info -n nrunner-0 -s -H", "STOPPED\n", nil)
	l := newFakeLXC(cli, LXCConfig{CreateHook: "setup-container {name}"})
	task := containerTask(t)

	handle, err := l.Spawn(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Handle("nrunner-0"), handle)

	assert.Equal(t, []string{
		"lxc-create -n nrunner-0 -t download -- --dist fedora --release 40 --arch amd64",
	}, cli.called("lxc-create"))
	assert.Equal(t, []string{"setup-container nrunner-0"}, cli.called("setup-container"))
	assert.Equal(t, []string{"lxc-start -n nrunner-0"}, cli.called("lxc-start"))

	attach := cli.called("lxc-attach")
	require.Len(t, attach, 1)
	assert.Contains(t, attach[0], "--set-var "+types.EnvJobID+"=job-1")
	assert.Contains(t, attach[0], "nohup /usr/bin/nrunner task-run 1-/bin/true 127.0.0.1:9000")
}

func TestLXCSlotsExhaustedAndReleased(t *testing.T) {
	cli := newFakeCLI()
	cli.on("lxc-info -n nrunner-0 -s -H", "RUNNING", nil)
	l := newFakeLXC(cli, LXCConfig{Slots: 1})
	ctx := context.Background()

	first := containerTask(t)
	_, err := l.Spawn(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, cli.called("lxc-create"))
	assert.Empty(t, cli.called("lxc-start"))

	second := types.NewTask("2-/bin/true", types.NewRunnable(KindExecTest, "/bin/true"), "", "127.0.0.1:9000")
	_, err = l.Spawn(ctx, second)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	require.NoError(t, l.Cleanup(ctx, first))
	_, err = l.Spawn(ctx, second)
	assert.NoError(t, err)
}

func TestLXCSpawnFailureReleasesSlot(t *testing.T) {
	cli := newFakeCLI()
	cli.on("lxc-info -n nrunner-0 -s -H", "RUNNING", nil)
	cli.on("lxc-attach", "", errors.New("attach failed"))
	l := newFakeLXC(cli, LXCConfig{Slots: 1})

	_, err := l.Spawn(context.Background(), containerTask(t))
	require.Error(t, err)
	assert.Equal(t, 0, l.slots.inUse())
}

func TestLXCIsAlive(t *testing.T) {
	cli := newFakeCLI()
	cli.on("lxc-info -n nrunner-0 -s -H", "RUNNING", nil)
	l := newFakeLXC(cli, LXCConfig{})
	task := containerTask(t)
	ctx := context.Background()

	_, err := l.Spawn(ctx, task)
	require.NoError(t, err)

	alive, err := l.IsAlive(ctx, task)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, []string{`lxc-attach -n nrunner-0 -- pgrep -r R,S -f 1-/bin/true`}, cli.called("lxc-attach -n nrunner-0 -- pgrep"))

	cli.on("lxc-attach -n nrunner-0 -- pgrep", "", errors.New("pgrep failed"))
	_, err = l.IsAlive(ctx, task)
	assert.Error(t, err)
}

func TestLXCCheckRequirements(t *testing.T) {
	l := newFakeLXC(newFakeCLI(), LXCConfig{})
	assert.True(t, l.CheckRequirements(context.Background(), containerTask(t)))

	l.lookPath = func(file string) (string, error) {
		if file == "lxc-attach" {
			return "", errors.New("not found")
		}
		return file, nil
	}
	assert.False(t, l.CheckRequirements(context.Background(), containerTask(t)))
}
