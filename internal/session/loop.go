package session

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
)

// loop is one cancellable background goroutine. stop cancels it and waits,
// re-raising any panic from the goroutine.
type loop struct {
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

func startLoop(fn func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, wg: conc.NewWaitGroup()}
	l.wg.Go(func() { fn(ctx) })
	return l
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
}
