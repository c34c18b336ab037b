package listener

import (
	"context"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on one goroutine, passing each value to handler.
// Handler errors go to the error callback; the loop keeps running until the
// context is cancelled, Stop is called or the channel is closed.
type Listener[T any] struct {
	handler func(ctx context.Context, input T) error
	onError func(input T, err error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	onError ...func(T, error),
) *Listener[T] {
	if len(onError) == 0 {
		onError = []func(T, error){func(_ T, err error) {
			slog.Error("listener handler failed", "error", err)
		}}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		onError: onError[0],
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(ctx, inp); err != nil {
					l.onError(inp, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight handler to return.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
