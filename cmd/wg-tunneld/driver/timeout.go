package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutDriver struct {
	next    Driver
	timeout time.Duration
}

// WithTimeout bounds every call of next. A call that outlives the timeout
// fails with an error wrapping context.DeadlineExceeded. The underlying call
// is left to finish in the background; netlink requests cannot be interrupted.
func WithTimeout(next Driver, timeout time.Duration) Driver {
	if timeout <= 0 {
		return next
	}
	return &timeoutDriver{next: next, timeout: timeout}
}

func run[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.val, fmt.Errorf("timed out after %s: %w", timeout, r.err)
	}
	return r.val, r.err
}

func (d *timeoutDriver) Up(ctx context.Context, cfg InterfaceConfig) error {
	_, err := run(ctx, d.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.Up(ctx, cfg)
	})
	return err
}

func (d *timeoutDriver) Down(ctx context.Context, name string) error {
	_, err := run(ctx, d.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.Down(ctx, name)
	})
	return err
}

func (d *timeoutDriver) SyncPeers(ctx context.Context, name string, peers []PeerConfig) error {
	_, err := run(ctx, d.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.next.SyncPeers(ctx, name, peers)
	})
	return err
}

func (d *timeoutDriver) Stats(ctx context.Context, name string) (Stats, error) {
	return run(ctx, d.timeout, func(ctx context.Context) (Stats, error) {
		return d.next.Stats(ctx, name)
	})
}

func (d *timeoutDriver) Close() error {
	return d.next.Close()
}
