package job

// ============================================================================
// job 結果目錄
//
//	<results_dir>/
//	  latest -> job-<timestamp>-<shortid>/
//	  job-<timestamp>-<shortid>/
//	    id, job.log, results.json, status.journal, test-results/<task-id>/...
// ============================================================================

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// 目錄內的檔名
const (
	LatestLink     = "latest"
	IDFile         = "id"
	LogFile        = "job.log"
	JournalFile    = "status.journal"
	TestResultsDir = "test-results"
	lockFile       = ".nrunner.lock"

	dirTimeFormat = "2006-01-02T15.04"
	shortIDLen    = 7
	lockRetry     = 50 * time.Millisecond
)

var ErrNotSymlink = errors.New("latest exists and is not a symlink")

// NewID 產生 40 字元十六進位的 job id
func NewID() string {
	seed := uuid.New()
	sum := sha1.Sum([]byte(seed.String() + time.Now().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// createDir 建立 job-<timestamp>-<shortid> 目錄
// 名稱衝突時依序多取 id 的下一個字元，id 用盡後加上 .N
func createDir(base, id string, now time.Time) (string, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("failed to create results dir: %w", err)
	}
	n := min(shortIDLen, len(id))
	dir := filepath.Join(base, fmt.Sprintf("job-%s-%s", now.Format(dirTimeFormat), id[:n]))
	for i := n; ; i++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create job dir: %w", err)
		}
		if i >= len(id) {
			break
		}
		dir += id[i : i+1]
	}
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("%s.%d", dir, i)
		if err := os.Mkdir(candidate, 0755); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create job dir: %w", err)
		}
	}
	return "", fmt.Errorf("unable to create unique job dir under %s", base)
}

// updateLatest 讓 latest 指向 dir
// 先建立 latest.<pid> 再 rename，並以檔案鎖避免多個 job 同時更新
func updateLatest(ctx context.Context, base, dir string) error {
	lock := flock.New(filepath.Join(base, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", lock.Path())
	}
	defer lock.Unlock()

	latest := filepath.Join(base, LatestLink)
	if info, err := os.Lstat(latest); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%w: %s", ErrNotSymlink, latest)
	}

	tmp := fmt.Sprintf("%s.%d", latest, os.Getpid())
	os.Remove(tmp)
	if err := os.Symlink(filepath.Base(dir), tmp); err != nil {
		return fmt.Errorf("failed to create latest link: %w", err)
	}
	if err := os.Rename(tmp, latest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to update latest link: %w", err)
	}
	return nil
}

func writeIDFile(dir, id string) error {
	return os.WriteFile(filepath.Join(dir, IDFile), []byte(id+"\n"), 0644)
}
