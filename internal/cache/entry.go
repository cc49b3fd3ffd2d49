package cache

import (
	"context"
	"sync"
)

// State is the lifecycle stage of an Entry.
type State int

const (
	Loading State = iota
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "loading"
}

// Entry is the shared, observable result of the single request sequence for
// a cache key. All callers that obtain the same key while the entry is cached
// hold the same *Entry. An entry starts Loading and is completed exactly
// once, with either data or an error.
type Entry struct {
	Key string

	mu    sync.RWMutex
	state State
	data  []byte
	err   error
	done  chan struct{}
	once  sync.Once
}

func newEntry(key string) *Entry {
	return &Entry{
		Key:  key,
		done: make(chan struct{}),
	}
}

// Complete moves the entry to Done with the given outcome. Only the first
// call has any effect.
func (e *Entry) Complete(data []byte, err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.state = Done
		e.data = data
		e.err = err
		e.mu.Unlock()

		close(e.done)
	})
}

// Done is closed when the entry completes.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the entry completes or ctx is done. Abandoning the wait
// does not affect the entry.
func (e *Entry) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-e.done:
		return e.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed entry. While loading, both values
// are nil.
func (e *Entry) Result() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data, e.err
}

func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) Data() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

func (e *Entry) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Failed reports whether the entry completed with an error.
func (e *Entry) Failed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == Done && e.err != nil
}
