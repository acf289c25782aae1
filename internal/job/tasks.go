package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

var ErrNoRunnables = errors.New("no runnables to run")

// TaskOptions 建立任務時共用的值
type TaskOptions struct {
	JobID            string
	Endpoints        []string
	TestResultsDir   string        // 空字串表示不建立任務目錄
	Timeout          time.Duration // 每個任務的逾時，0 表示不限制
	IdentifierFormat string        // runnable 未指定時使用
}

// BuildTasks 依序將 runnable 轉為任務
//
// 測試任務的 ID 為 "<n>-<identifier>"（n 從 1 開始）。runnable 的前置 runnable
// 依 Key 去重後成為 category=dependency 的任務，ID 為 "dependency-<n>-<identifier>"，
// 並加入相依的測試任務的 DependsOn
func BuildTasks(runnables []*types.Runnable, opts TaskOptions) ([]*types.Task, error) {
	if len(runnables) == 0 {
		return nil, ErrNoRunnables
	}

	var tasks []*types.Task
	depIDs := map[string]types.TaskID{} // runnable key → task id
	seen := map[types.TaskID]bool{}

	add := func(id types.TaskID, r *types.Runnable, category types.Category) (*types.Task, error) {
		if seen[id] {
			return nil, fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = true
		t := types.NewTask(id, r, category, opts.Endpoints...)
		t.JobID = opts.JobID
		t.Timeout = opts.Timeout
		if opts.TestResultsDir != "" {
			t.OutputDir = filepath.Join(opts.TestResultsDir, id.Filesystem())
		}
		tasks = append(tasks, t)
		return t, nil
	}

	for i, r := range runnables {
		if r == nil || r.Kind == "" {
			return nil, fmt.Errorf("runnable %d: missing kind", i+1)
		}
		applyFormat(r, opts.IdentifierFormat)

		var deps []types.TaskID
		for _, dep := range r.Dependencies {
			applyFormat(dep, opts.IdentifierFormat)
			key := dep.Key()
			id, ok := depIDs[key]
			if !ok {
				id = types.TaskID(fmt.Sprintf("dependency-%d-%s", len(depIDs)+1, dep.Identifier()))
				if _, err := add(id, dep, types.CategoryDependency); err != nil {
					return nil, err
				}
				depIDs[key] = id
			}
			deps = append(deps, id)
		}

		t, err := add(types.NewTaskID(i+1, r), r, types.CategoryTest)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return tasks, nil
}

func applyFormat(r *types.Runnable, format string) {
	if r.IdentifierFormat == "" && format != "" {
		r.IdentifierFormat = format
	}
}
