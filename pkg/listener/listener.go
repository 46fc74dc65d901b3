// Package listener pumps a channel into a handler on its own goroutine.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener calls handler for every value received from in until stopped or
// until in is closed. Handler errors are logged and do not stop the loop.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()
	log         *slog.Logger

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		log:         slog.Default().With("listener", name),
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.log.Warn("handler failed", "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		return l.handler(inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the loop and waits for a running handler call to return.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
