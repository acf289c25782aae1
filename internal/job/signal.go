package job

import (
	"context"
	"os"
	"os/signal"

	"github.com/ChuLiYu/nrunner/internal/scheduler"
)

// InterruptOnSignal 收到任一訊號時以 scheduler.ErrInterrupted 取消 context
// 第二次收到訊號時不再攔截，交回預設行為（通常是直接結束程式）
func InterruptOnSignal(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		select {
		case <-sigCh:
			cancel(scheduler.ErrInterrupted)
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, func() { cancel(context.Canceled) }
}
