package spawner

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotPool 固定數量的執行位置（容器名稱、SSH 主機...）
// semaphore 控制可用數量；busy 記錄哪個 slot 被占用
type slotPool[T comparable] struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	order []T
	busy  map[T]bool
}

func newSlotPool[T comparable](slots []T) *slotPool[T] {
	p := &slotPool[T]{
		sem:   semaphore.NewWeighted(int64(len(slots))),
		order: append([]T(nil), slots...),
		busy:  make(map[T]bool, len(slots)),
	}
	for _, s := range slots {
		p.busy[s] = false
	}
	return p
}

// tryReserve 取得空閒 slot；沒有時回傳 ErrResourceExhausted
func (p *slotPool[T]) tryReserve() (T, error) {
	if !p.sem.TryAcquire(1) {
		var zero T
		return zero, fmt.Errorf("%w: all %d slots in use", ErrResourceExhausted, len(p.order))
	}
	return p.take(), nil
}

func (p *slotPool[T]) take() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.order {
		if !p.busy[s] {
			p.busy[s] = true
			return s
		}
	}
	// semaphore 與 busy 不一致代表 release 次數錯誤
	panic("slot pool: semaphore acquired but no free slot")
}

// release 歸還 slot；重複歸還會被忽略
func (p *slotPool[T]) release(s T) {
	p.mu.Lock()
	busy, known := p.busy[s]
	if known && busy {
		p.busy[s] = false
	}
	p.mu.Unlock()
	if known && busy {
		p.sem.Release(1)
	}
}

// contains 是否為此 pool 的 slot
func (p *slotPool[T]) contains(s T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[s]
	return ok
}

// inUse 目前被占用的數量
func (p *slotPool[T]) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}
