package spawner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry([]string{"/usr/bin/nrunner"})

	assert.Equal(t, []string{NameLXC, NamePodman, NameProcess, NameRemote}, reg.Spawners())
	assert.Equal(t, []string{KindDryRun, KindExecTest, KindNoop}, reg.Kinds())
	assert.True(t, reg.HasSpawner(NameProcess))
	assert.False(t, reg.HasSpawner("virsh"))
}

func TestRegistryCommandFor(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRunnerKind("exec-test", "/opt/worker", "--verbose")

	task := types.NewTask("1-/bin/true", types.NewRunnable("exec-test", "/bin/true"), "", "127.0.0.1:9000")
	argv, err := reg.CommandFor(task)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/opt/worker", "--verbose",
		"task-run", "1-/bin/true", "127.0.0.1:9000",
		"-k", "exec-test", "-u", "/bin/true",
	}, argv)

	// RunnerFor 回傳副本
	runner, err := reg.RunnerFor("exec-test")
	require.NoError(t, err)
	runner[0] = "changed"
	again, _ := reg.RunnerFor("exec-test")
	assert.Equal(t, "/opt/worker", again[0])
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RunnerFor("tap")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = reg.New("virsh", Options{})
	assert.ErrorIs(t, err, ErrUnknownSpawner)
}

type stubSpawner struct {
	Spawner
	opts Options
}

func TestRegistryNewInjectsCommands(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterSpawner("stub", func(o Options) (Spawner, error) {
		return &stubSpawner{opts: o}, nil
	})

	s, err := reg.New("stub", Options{})
	require.NoError(t, err)
	assert.Same(t, reg, s.(*stubSpawner).opts.Commands)
}

func TestSlotPool(t *testing.T) {
	pool := newSlotPool([]string{"a", "b"})

	first, err := pool.tryReserve()
	require.NoError(t, err)
	second, err := pool.tryReserve()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first, second})
	assert.Equal(t, 2, pool.inUse())

	_, err = pool.tryReserve()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	pool.release(first)
	pool.release(first) // 重複歸還不影響計數
	assert.Equal(t, 1, pool.inUse())

	again, err := pool.tryReserve()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.True(t, pool.contains("a"))
	assert.False(t, pool.contains("c"))
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"/bin/sleep", "/bin/sleep"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'"'"'s'`},
		{"1-/bin/true;v1", "'1-/bin/true;v1'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), tt.in)
	}
	assert.Equal(t, "a 'b c'", shellJoin([]string{"a", "b c"}))
}
