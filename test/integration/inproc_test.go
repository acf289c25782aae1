package integration

// ============================================================================
// 整合測試共用：以 goroutine 執行 worker 的 spawner
//
// 與 process spawner 走相同的路徑（status server、TCP、line JSON），
// 但不 fork 子程序，讓大量任務的測試可以在幾秒內跑完
// ============================================================================

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/nrunner/internal/config"
	nlog "github.com/ChuLiYu/nrunner/internal/log"
	"github.com/ChuLiYu/nrunner/internal/spawner"
	"github.com/ChuLiYu/nrunner/internal/worker"
	"github.com/ChuLiYu/nrunner/pkg/types"
)

type inprocTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type inprocSpawner struct {
	worker *worker.Worker

	mu    sync.Mutex
	tasks map[types.TaskID]*inprocTask
}

func newInprocSpawner() *inprocSpawner {
	return &inprocSpawner{
		worker: worker.New(nil, nlog.Discard()),
		tasks:  map[types.TaskID]*inprocTask{},
	}
}

// inprocRegistry 以 in-process spawner 取代 process spawner
func inprocRegistry() *spawner.Registry {
	reg := spawner.NewRegistry()
	reg.RegisterSpawner(spawner.NameProcess, func(spawner.Options) (spawner.Spawner, error) {
		return newInprocSpawner(), nil
	})
	return reg
}

func (s *inprocSpawner) Name() string { return "inproc" }

func (s *inprocSpawner) Spawn(_ context.Context, task *types.Task) (spawner.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	it := &inprocTask{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.tasks[task.ID]; ok {
		s.mu.Unlock()
		cancel()
		return "", spawner.ErrAlreadySpawned
	}
	s.tasks[task.ID] = it
	s.mu.Unlock()

	go func() {
		defer close(it.done)
		client, err := worker.Dial(ctx, task.Endpoints(), time.Second, nlog.Discard())
		if err != nil {
			return
		}
		defer client.Close()
		_ = s.worker.Run(ctx, task.ID, task.JobID, task.Runnable, client)
	}()
	return spawner.Handle("goroutine-" + task.ID), nil
}

func (s *inprocSpawner) lookup(id types.TaskID) (*inprocTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.tasks[id]
	if !ok {
		return nil, spawner.ErrNotSpawned
	}
	return it, nil
}

func (s *inprocSpawner) IsAlive(_ context.Context, task *types.Task) (bool, error) {
	it, err := s.lookup(task.ID)
	if err != nil {
		return false, err
	}
	select {
	case <-it.done:
		return false, nil
	default:
		return true, nil
	}
}

func (s *inprocSpawner) Terminate(ctx context.Context, task *types.Task) error {
	it, err := s.lookup(task.ID)
	if err != nil {
		return err
	}
	it.cancel()
	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *inprocSpawner) CheckRequirements(context.Context, *types.Task) bool { return true }

func (s *inprocSpawner) Cleanup(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, task.ID)
	return nil
}

func integrationConfig(resultsDir string) *config.Config {
	cfg := config.Default()
	cfg.Job.ResultsDir = resultsDir
	cfg.NRunner.MaxParallelTasks = 16
	cfg.NRunner.TickInterval = 5 * time.Millisecond
	cfg.NRunner.SpawnGrace = 200 * time.Millisecond
	return cfg
}
