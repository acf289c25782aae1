package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

type fakeSession struct {
	host     *fakeHost
	started  string
	exit     chan struct{}
	exitOnce sync.Once
}

func (s *fakeSession) Start(cmd string) error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if s.host.startErr != nil {
		return s.host.startErr
	}
	s.started = cmd
	s.host.started = append(s.host.started, s)
	return nil
}

func (s *fakeSession) Wait() error {
	<-s.exit
	return nil
}

func (s *fakeSession) CombinedOutput(cmd string) ([]byte, error) {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.ran = append(s.host.ran, cmd)
	return nil, s.host.hookErr
}

func (s *fakeSession) Signal(sig ssh.Signal) error {
	if sig == ssh.SIGTERM && !s.host.ignoreTerm {
		s.finish()
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.finish()
	return nil
}

func (s *fakeSession) finish() { s.exitOnce.Do(func() { close(s.exit) }) }

type fakeHost struct {
	mu         sync.Mutex
	started    []*fakeSession
	ran        []string
	startErr   error
	hookErr    error
	ignoreTerm bool
	closed     bool
}

func (h *fakeHost) NewSession() (sshSession, error) {
	return &fakeSession{host: h, exit: make(chan struct{})}, nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHost) session(i int) *fakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started[i]
}

func writeSlot(t *testing.T, dir, host string) string {
	t.Helper()
	data, err := json.Marshal(SlotSpec{Host: host, User: "tester", Insecure: true})
	require.NoError(t, err)
	path := filepath.Join(dir, host+".json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func newFakeRemote(t *testing.T, hookCmd string, hosts ...string) (*Remote, map[string]*fakeHost) {
	t.Helper()
	dir := t.TempDir()
	var slots []string
	fakes := map[string]*fakeHost{}
	for _, h := range hosts {
		slots = append(slots, writeSlot(t, dir, h))
		fakes[h+":22"] = &fakeHost{}
	}
	r, err := NewRemote(Options{
		Logger:         nlog.Discard(),
		Commands:       testRegistry(),
		TerminateGrace: 100 * time.Millisecond,
		Remote:         RemoteConfig{Slots: slots, SetupHook: hookCmd},
	})
	require.NoError(t, err)
	r.dial = func(_ context.Context, spec SlotSpec, _ time.Duration) (sshClient, error) {
		return fakes[spec.Address()], nil
	}
	return r, fakes
}

func newRemoteTask(id string) *types.Task {
	task := types.NewTask(types.TaskID(id), types.NewRunnable(KindExecTest, "/bin/true"), "", "10.0.0.1:9000")
	task.JobID = "job-1"
	return task
}

func TestRemoteSpawnRunsWorker(t *testing.T) {
	r, hosts := newFakeRemote(t, "dnf install -y 'nrunner worker'", "host-a")
	task := newRemoteTask("1-/bin/true")

	handle, err := r.Spawn(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Handle("host-a:22"), handle)

	host := hosts["host-a:22"]
	assert.Equal(t, []string{"dnf install -y 'nrunner worker'"}, host.ran)
	assert.Equal(t,
		"env NRUNNER_JOB_ID=job-1 /usr/bin/nrunner task-run 1-/bin/true 10.0.0.1:9000 -k exec-test -u /bin/true >/dev/null",
		host.session(0).started)
	assert.Equal(t, 1, r.InUse())

	alive, err := r.IsAlive(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, alive)

	host.session(0).finish()
	require.Eventually(t, func() bool {
		alive, err := r.IsAlive(context.Background(), task)
		return err == nil && !alive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.InUse())
}

func TestRemoteResourceExhausted(t *testing.T) {
	r, hosts := newFakeRemote(t, "", "host-a")
	ctx := context.Background()

	first := newRemoteTask("1-a")
	_, err := r.Spawn(ctx, first)
	require.NoError(t, err)

	_, err = r.Spawn(ctx, newRemoteTask("2-b"))
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// worker 結束後 slot 自動歸還；之後的 Cleanup 不可重複歸還
	hosts["host-a:22"].session(0).finish()
	require.Eventually(t, func() bool { return r.InUse() == 0 }, time.Second, 5*time.Millisecond)

	second := newRemoteTask("2-b")
	_, err = r.Spawn(ctx, second)
	require.NoError(t, err)
	require.NoError(t, r.Cleanup(ctx, first))
	assert.Equal(t, 1, r.InUse())
}

func TestRemoteBoundSlotBypassesCache(t *testing.T) {
	r, _ := newFakeRemote(t, "", "host-a")
	ctx := context.Background()

	_, err := r.Spawn(ctx, newRemoteTask("1-a"))
	require.NoError(t, err)

	bound := newRemoteTask("2-b")
	bound.SpawnerHandle = "host-a:22"
	handle, err := r.Spawn(ctx, bound)
	require.NoError(t, err)
	assert.Equal(t, Handle("host-a:22"), handle)
	assert.Equal(t, 1, r.InUse())

	unknown := newRemoteTask("3-c")
	unknown.SpawnerHandle = "host-z:22"
	_, err = r.Spawn(ctx, unknown)
	assert.Error(t, err)
}

func TestRemoteSetupHookFailureReleasesSlot(t *testing.T) {
	r, hosts := newFakeRemote(t, "prepare-host", "host-a")
	hosts["host-a:22"].hookErr = errors.New("exit status 1")

	_, err := r.Spawn(context.Background(), newRemoteTask("1-a"))
	require.Error(t, err)
	assert.Equal(t, 0, r.InUse())
}

func TestRemoteStartFailureReleasesSlot(t *testing.T) {
	r, hosts := newFakeRemote(t, "", "host-a")
	hosts["host-a:22"].startErr = errors.New("session refused")

	_, err := r.Spawn(context.Background(), newRemoteTask("1-a"))
	require.Error(t, err)
	assert.Equal(t, 0, r.InUse())
}

func TestRemoteTerminate(t *testing.T) {
	r, hosts := newFakeRemote(t, "", "host-a")
	ctx := context.Background()
	task := newRemoteTask("1-a")
	_, err := r.Spawn(ctx, task)
	require.NoError(t, err)

	require.NoError(t, r.Terminate(ctx, task))
	alive, err := r.IsAlive(ctx, task)
	require.NoError(t, err)
	assert.False(t, alive)

	// 忽略 SIGTERM 的 worker：pkill 後關閉 session
	hosts["host-a:22"].ignoreTerm = true
	stubborn := newRemoteTask("2-b")
	_, err = r.Spawn(ctx, stubborn)
	require.NoError(t, err)
	require.NoError(t, r.Terminate(ctx, stubborn))
	assert.Contains(t, hosts["host-a:22"].ran, "pkill -KILL -f 2-b")
}

func TestRemoteNoSlots(t *testing.T) {
	r, _ := newFakeRemote(t, "")
	_, err := r.Spawn(context.Background(), newRemoteTask("1-a"))
	assert.ErrorIs(t, err, ErrNoSlots)
}

func TestRemoteClose(t *testing.T) {
	r, hosts := newFakeRemote(t, "", "host-a", "host-b")
	_, err := r.Spawn(context.Background(), newRemoteTask("1-a"))
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, hosts["host-a:22"].closed)
	assert.True(t, hosts["host-b:22"].closed)
}

func TestLoadSlotSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"host":"::1","port":2222,"username":"root","password":"x"}`), 0600))

	spec, err := LoadSlotSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:2222", spec.Address())

	require.NoError(t, os.WriteFile(path, []byte(`{"username":"root"}`), 0600))
	_, err = LoadSlotSpec(path)
	assert.Error(t, err)
}
