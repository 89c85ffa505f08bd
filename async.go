package kisa

import (
	"context"

	"github.com/minus-twelve/kisa-sql/types"
)

// Future is the pending result of a store call started with Go.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs op once in its own goroutine.
func Go[T any](ctx context.Context, op func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = op(ctx)
	}()
	return f
}

// Await blocks until the call completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then calls cb with the result once the call completes.
func (f *Future[T]) Then(cb func(T, error)) {
	go func() {
		<-f.done
		cb(f.value, f.err)
	}()
}

// Done is closed when the call completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Call starts op. With a callback it attaches cb and returns nil; without
// one it returns the future to await.
func Call[T any](ctx context.Context, op func(context.Context) (T, error), cb func(T, error)) *Future[T] {
	f := Go(ctx, op)
	if cb == nil {
		return f
	}
	f.Then(cb)
	return nil
}

// AsyncStore exposes a Store through futures and callbacks.
type AsyncStore struct {
	store Store
}

func Async(store Store) *AsyncStore {
	return &AsyncStore{store: store}
}

func (a *AsyncStore) Get(ctx context.Context, sid string, cb func(*types.SessionData, error)) *Future[*types.SessionData] {
	return Call(ctx, func(ctx context.Context) (*types.SessionData, error) {
		return a.store.Get(ctx, sid)
	}, cb)
}

func (a *AsyncStore) Set(ctx context.Context, sid string, data *types.SessionData, cb func(*types.Record, error)) *Future[*types.Record] {
	return Call(ctx, func(ctx context.Context) (*types.Record, error) {
		return a.store.Set(ctx, sid, data)
	}, cb)
}

func (a *AsyncStore) Touch(ctx context.Context, sid string, data *types.SessionData, cb func(*types.Record, error)) *Future[*types.Record] {
	return Call(ctx, func(ctx context.Context) (*types.Record, error) {
		return a.store.Touch(ctx, sid, data)
	}, cb)
}

func (a *AsyncStore) Destroy(ctx context.Context, sid string, cb func(struct{}, error)) *Future[struct{}] {
	return Call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.store.Destroy(ctx, sid)
	}, cb)
}

func (a *AsyncStore) Length(ctx context.Context, cb func(int, error)) *Future[int] {
	return Call(ctx, a.store.Length, cb)
}
