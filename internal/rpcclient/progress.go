package rpcclient

import (
	"context"
	"time"
)

// Progress is the busy indicator shown while a slow call runs. Begin is
// called once the grace period expires, Pulse periodically afterwards,
// and End exactly once after Begin when the call finishes.
type Progress interface {
	Begin(title string)
	Pulse()
	End()
}

type ProgressOptions struct {
	Grace time.Duration
	Pulse time.Duration
}

func DefaultProgressOptions() ProgressOptions {
	return ProgressOptions{Grace: 225 * time.Millisecond, Pulse: 100 * time.Millisecond}
}

type blockingResult[T any] struct {
	value T
	err   error
}

// RunBlocking runs fn on a worker goroutine and waits for it. If fn has
// not returned within opts.Grace, p is shown and pulsed until it does.
// fn always runs to completion; ctx is handed to fn unchanged.
func RunBlocking[T any](ctx context.Context, p Progress, opts ProgressOptions, title string, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan blockingResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- blockingResult[T]{value: v, err: err}
	}()

	if p == nil {
		r := <-done
		return r.value, r.err
	}
	if opts.Pulse <= 0 {
		opts.Pulse = DefaultProgressOptions().Pulse
	}

	grace := time.NewTimer(opts.Grace)
	defer grace.Stop()
	select {
	case r := <-done:
		return r.value, r.err
	case <-grace.C:
	}

	p.Begin(title)
	defer p.End()
	ticker := time.NewTicker(opts.Pulse)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.value, r.err
		case <-ticker.C:
			p.Pulse()
		}
	}
}
