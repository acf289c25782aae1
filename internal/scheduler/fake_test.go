package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/nrunner/internal/spawner"
	"github.com/ChuLiYu/nrunner/internal/statusrepo"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

// fakeSpawner 依 runnable.Kind 模擬 worker 行為，訊息直接寫入 status repo
//
//	pass/fail/error/skip/cancel  延遲 args[0] 後回報該狀態並結束
//	finished                     以 status=finished, result=args[1] 回報
//	double                       先回報 pass 再回報 fail
//	hang                         不回報，直到被 Terminate
//	crash                        延遲 args[0] 後結束，沒有任何訊息
//	late                         立即結束，args[0] 之後才送達 pass
//	instant                      Spawn 時就寫入 pass，但永遠不結束
type fakeSpawner struct {
	repo *statusrepo.Repo

	mu          sync.Mutex
	alive       map[types.TaskID]chan struct{}
	started     []types.TaskID
	terminated  []types.TaskID
	cleaned     []types.TaskID
	concurrent  int
	peak        int
	exhaustions int // 前 N 次 Spawn 回報資源不足；-1 表示永遠
	spawnErr    map[types.TaskID]error
	unmet       map[string]bool // kind → 需求不符
}

func newFakeSpawner(repo *statusrepo.Repo) *fakeSpawner {
	return &fakeSpawner{
		repo:     repo,
		alive:    map[types.TaskID]chan struct{}{},
		spawnErr: map[types.TaskID]error{},
		unmet:    map[string]bool{},
	}
}

func (f *fakeSpawner) Name() string { return "fake" }

func (f *fakeSpawner) Spawn(_ context.Context, task *types.Task) (spawner.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhaustions != 0 {
		if f.exhaustions > 0 {
			f.exhaustions--
		}
		return "", spawner.ErrResourceExhausted
	}
	if err := f.spawnErr[task.ID]; err != nil {
		return "", err
	}

	done := make(chan struct{})
	f.alive[task.ID] = done
	f.started = append(f.started, task.ID)
	f.concurrent++
	if f.concurrent > f.peak {
		f.peak = f.concurrent
	}

	r := task.Runnable
	delay := time.Duration(0)
	if len(r.Args) > 0 {
		delay, _ = time.ParseDuration(r.Args[0])
	}
	switch r.Kind {
	case "hang":
	case "instant":
		f.send(task.ID, types.StatusPass, "")
	case "late":
		f.exit(task.ID)
		go func() {
			time.Sleep(delay)
			f.send(task.ID, types.StatusPass, "")
		}()
	default:
		go func() {
			time.Sleep(delay)
			f.send(task.ID, types.StatusStarted, "")
			switch r.Kind {
			case "crash":
			case "finished":
				f.send(task.ID, types.StatusFinished, types.Result(r.Args[1]))
			case "double":
				f.send(task.ID, types.StatusPass, "")
				f.send(task.ID, types.StatusFail, "")
			default:
				f.send(task.ID, types.Status(r.Kind), "")
			}
			f.mu.Lock()
			f.exit(task.ID)
			f.mu.Unlock()
		}()
	}
	return spawner.Handle("pid-" + string(task.ID)), nil
}

func (f *fakeSpawner) send(id types.TaskID, status types.Status, result types.Result) {
	msg := &types.Message{Status: status, ID: id, Time: float64(time.Now().UnixNano()) / 1e9, Result: result}
	if status == types.StatusFail {
		msg.FailReason = "assertion failed"
	}
	f.repo.Append(msg)
}

// exit 呼叫前必須持有 mu
func (f *fakeSpawner) exit(id types.TaskID) {
	done, ok := f.alive[id]
	if !ok {
		return
	}
	select {
	case <-done:
	default:
		close(done)
		f.concurrent--
	}
}

func (f *fakeSpawner) IsAlive(_ context.Context, task *types.Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	done, ok := f.alive[task.ID]
	if !ok {
		return false, spawner.ErrNotSpawned
	}
	select {
	case <-done:
		return false, nil
	default:
		return true, nil
	}
}

func (f *fakeSpawner) Terminate(_ context.Context, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, task.ID)
	f.exit(task.ID)
	return nil
}

func (f *fakeSpawner) CheckRequirements(_ context.Context, task *types.Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unmet[task.Runnable.Kind]
}

func (f *fakeSpawner) Cleanup(_ context.Context, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, task.ID)
	return nil
}

func (f *fakeSpawner) snapshot() (started, terminated, cleaned []types.TaskID, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TaskID(nil), f.started...),
		append([]types.TaskID(nil), f.terminated...),
		append([]types.TaskID(nil), f.cleaned...),
		f.peak
}

var errBoom = errors.New("boom")
