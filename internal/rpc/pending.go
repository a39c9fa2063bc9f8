package rpc

import (
	"sync"
	"time"
)

// Result is the outcome of a pending request.
type Result[T any] struct {
	Value T
	Err   error
}

type entry[T any] struct {
	ch      chan Result[T]
	timer   *time.Timer
	created time.Time
}

// Pending is a registry of futures keyed by correlation id. Every entry is
// completed exactly once: by Resolve, by Fail, or by its timer. The entry is
// removed from the map in the same critical section that claims it.
type Pending[T any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[T]
	onChange func(n int)
}

// NewPending returns an empty registry.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{entries: make(map[string]*entry[T])}
}

// Add registers id. The returned channel receives exactly one Result; if no
// reply arrives within timeout it carries ErrTimeout.
func (p *Pending[T]) Add(id string, timeout time.Duration) (<-chan Result[T], error) {
	p.mu.Lock()
	if _, exists := p.entries[id]; exists {
		p.mu.Unlock()
		return nil, ErrDuplicateID
	}
	e := &entry[T]{ch: make(chan Result[T], 1), created: time.Now()}
	p.entries[id] = e
	// Timer is created under the lock so complete never sees a nil timer.
	e.timer = time.AfterFunc(timeout, func() { p.Fail(id, ErrTimeout) })
	n := len(p.entries)
	p.mu.Unlock()

	p.changed(n)
	return e.ch, nil
}

// Resolve completes id with v. It reports false if id was unknown or already
// completed.
func (p *Pending[T]) Resolve(id string, v T) bool {
	return p.complete(id, Result[T]{Value: v})
}

// Fail completes id with err. It reports false if id was unknown or already
// completed.
func (p *Pending[T]) Fail(id string, err error) bool {
	return p.complete(id, Result[T]{Err: err})
}

func (p *Pending[T]) complete(id string, res Result[T]) bool {
	p.mu.Lock()
	e, exists := p.entries[id]
	if !exists {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, id)
	n := len(p.entries)
	e.timer.Stop()
	p.mu.Unlock()

	e.ch <- res
	p.changed(n)
	return true
}

// Age returns how long id has been pending.
func (p *Pending[T]) Age(id string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return 0, false
	}
	return time.Since(e.created), true
}

// Len returns the number of outstanding entries.
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// FailAll completes every outstanding entry with err.
func (p *Pending[T]) FailAll(err error) int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	failed := 0
	for _, id := range ids {
		if p.Fail(id, err) {
			failed++
		}
	}
	return failed
}

func (p *Pending[T]) changed(n int) {
	if p.onChange != nil {
		p.onChange(n)
	}
}
