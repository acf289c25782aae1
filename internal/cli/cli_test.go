package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nrunner/internal/result"
	"github.com/ChuLiYu/nrunner/internal/worker"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

const helperEnv = "NRUNNER_CLI_TEST_WORKER"

// TestHelperCLI 子程序模式：把 "--" 之後的參數交給 Execute
func TestHelperCLI(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a worker subprocess")
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	os.Exit(Execute(context.Background(), args, os.Stdout, os.Stderr))
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "nrunner", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"run", "task-run", "runnable-run", "capabilities", "config", "results"} {
		assert.True(t, names[name], "missing command %q", name)
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestCapabilitiesCommand(t *testing.T) {
	code, stdout, _ := execute(t, "capabilities")
	require.Equal(t, 0, code)

	var caps worker.Capabilities
	require.NoError(t, json.Unmarshal([]byte(stdout), &caps))
	assert.Contains(t, caps.Runnables, worker.KindNoop)
	assert.Contains(t, caps.Commands, types.TaskRunCommand)
}

func TestConfigCommand(t *testing.T) {
	code, stdout, _ := execute(t, "config", "--set", "nrunner.max_parallel_tasks=3", "--set", "job.timeout=1m")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "max_parallel_tasks: 3")
	assert.Contains(t, stdout, "timeout: 1m0s")

	path := filepath.Join(t.TempDir(), "nrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nrunner:\n  bogus: 1\n"), 0644))
	code, _, stderr := execute(t, "config", "--config", path)
	assert.Equal(t, result.ExitAborted, code)
	assert.Contains(t, stderr, "bogus")

	code, _, _ = execute(t, "config", "--set", "nrunner.max_parallel_tasks=0")
	assert.Equal(t, result.ExitAborted, code)
}

func TestRunnableRunCommand(t *testing.T) {
	code, stdout, _ := execute(t, "runnable-run", "-k", worker.KindDryRun, "-u", "x")
	require.Equal(t, 0, code)

	lines := bytes.Split(bytes.TrimSpace([]byte(stdout)), []byte("\n"))
	require.Len(t, lines, 2)
	last, err := types.ParseMessage(lines[1])
	require.NoError(t, err)
	assert.Equal(t, types.ResultSkip, last.Result)
	assert.Equal(t, types.TaskID("x"), last.ID)

	code, _, _ = execute(t, "runnable-run", "-u", "x")
	assert.Equal(t, 1, code)
}

func TestRunUsageErrors(t *testing.T) {
	code, _, stderr := execute(t, "run")
	assert.Equal(t, result.ExitAborted, code)
	assert.Contains(t, stderr, "file")

	code, _, _ = execute(t, "run", "-f", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, result.ExitAborted, code)

	code, _, _ = execute(t, "bogus")
	assert.Equal(t, result.ExitAborted, code)
}

func writeRunnables(t *testing.T, runnables ...*types.Runnable) string {
	t.Helper()
	data, err := json.Marshal(runnables)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "runnables.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestRunCommand(t *testing.T) {
	t.Setenv(helperEnv, "1")
	resultsDir := t.TempDir()
	workerCmd := fmt.Sprintf("nrunner.worker_command=%s -test.run=^TestHelperCLI$ --", os.Args[0])

	run := func(file string, extra ...string) (int, string) {
		args := append([]string{"run", "-f", file,
			"--results-dir", resultsDir,
			"--max-parallel", "2",
			"--timeout", "30s",
			"--log-level", "error",
			"--set", workerCmd,
			"--set", "nrunner.tick_interval=10ms"}, extra...)
		code, stdout, stderr := execute(t, args...)
		t.Log(stderr)
		return code, stdout
	}

	code, stdout := run(writeRunnables(t,
		types.NewRunnable(worker.KindNoop, "a"),
		types.NewRunnable(worker.KindExecTest, "/bin/true"),
	))
	assert.Equal(t, result.ExitOK, code)
	assert.Contains(t, stdout, "RESULTS: 2 tests")
	assert.Contains(t, stdout, "JOB LOG")

	code, _ = run(writeRunnables(t,
		types.NewRunnable(worker.KindNoop, "a"),
		types.NewRunnable(worker.KindExecTest, "/bin/false"),
	))
	assert.Equal(t, result.ExitFailures, code)

	// results 讀取最新一次的 job
	code, stdout, _ = execute(t, "results", filepath.Join(resultsDir, "latest"))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "FINISHED_FAIL")
	assert.Contains(t, stdout, "2-/bin/false")

	// 沒有 journal 的 job
	code, _, stderr := execute(t, "results", "--journal", filepath.Join(resultsDir, "latest"))
	assert.Equal(t, result.ExitAborted, code)
	assert.Contains(t, stderr, "status journal")

	code, _ = run(writeRunnables(t, types.NewRunnable(worker.KindNoop, "a")), "--set", "job.archive_status=true")
	require.Equal(t, result.ExitOK, code)

	code, stdout, stderr = execute(t, "results", "--journal", filepath.Join(resultsDir, "latest"))
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "JOURNAL: 2 events")
	assert.Contains(t, stdout, "[seq:1] 1-a")
	assert.NotContains(t, stdout, "CORRUPTED")
}

