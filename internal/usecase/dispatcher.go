package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDispatcherClosed is returned by Go after Shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Dispatcher runs pipelines as tracked background goroutines. Every job
// error is delivered to onError from a single supervisor goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	errs    chan error
	done    chan struct{}
	onError func(error)
}

// NewDispatcher starts the supervisor. onError may be nil.
func NewDispatcher(onError func(error)) *Dispatcher {
	if onError == nil {
		onError = func(error) {}
	}
	d := &Dispatcher{
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
		onError: onError,
	}
	go d.supervise()
	return d
}

// Go starts job in the background. The returned channel receives the job's
// error (nil on success) exactly once.
func (d *Dispatcher) Go(ctx context.Context, name string, job func(context.Context) error) (<-chan error, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		defer d.wg.Done()
		err := job(ctx)
		result <- err
		if err != nil {
			d.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
	return result, nil
}

// Shutdown stops accepting jobs and waits for running ones to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		go func() {
			d.wg.Wait()
			close(d.errs)
		}()
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) supervise() {
	defer close(d.done)
	for err := range d.errs {
		d.onError(err)
	}
}
