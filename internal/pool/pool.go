// Package pool owns the set of backend connections to the PostgreSQL
// server, keyed by (database, user). It enforces the global connection cap,
// performs idle eviction, and carries the session-pin map used by
// session-mode pooling.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrExhausted is returned by Acquire when the global cap is reached
	// and no idle backend exists for the key.
	ErrExhausted = errors.New("pool: no available connections")

	// ErrClosed is returned by Acquire after Shutdown.
	ErrClosed = errors.New("pool: closed")
)

// Key partitions backend connections. Equality is literal string equality;
// no canonicalization is applied.
type Key struct {
	Database string
	User     string
}

func (k Key) String() string {
	return k.Database + "/" + k.User
}

// DialFunc opens, negotiates and authenticates a new backend connection.
// The id is assigned by the pool and must be passed to NewBackendConn.
type DialFunc func(ctx context.Context, id uint64, key Key) (*BackendConn, error)

// Options configures a Pool.
type Options struct {
	// Mode is the pooling mode: session, transaction or statement. Only
	// session mode maintains pins.
	Mode string

	// MaxConns is the global cap on backend connections across all keys.
	MaxConns int

	// IdleTimeout evicts free backends idle longer than this. Zero
	// disables eviction.
	IdleTimeout time.Duration

	// Dial opens new backends.
	Dial DialFunc
}

// KeyStats describes one pool key's free list.
type KeyStats struct {
	Database string `json:"database"`
	User     string `json:"user"`
	Idle     int    `json:"idle"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total     int        `json:"total"`
	Idle      int        `json:"idle"`
	Active    int        `json:"active"`
	MaxConns  int        `json:"max_connections"`
	Pins      int        `json:"session_pins"`
	Exhausted int64      `json:"exhausted_total"`
	Evicted   int64      `json:"evicted_total"`
	Keys      []KeyStats `json:"keys"`
}

type pinKey struct {
	sessionID string
	key       Key
}

// Pool manages backend connections. All mutations of the free lists, the
// pin map and the total counter happen under one mutex so acquire, release
// and the eviction sweep observe a single serialization order.
type Pool struct {
	mu     sync.Mutex
	opts   Options
	free   map[Key][]*BackendConn
	pins   map[pinKey]*BackendConn
	total  int
	nextID uint64
	closed bool

	exhausted int64
	evicted   int64

	onExhausted func(Key)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool and starts its eviction sweep when an idle timeout is
// configured.
func New(opts Options) *Pool {
	p := &Pool{
		opts:   opts,
		free:   make(map[Key][]*BackendConn),
		pins:   make(map[pinKey]*BackendConn),
		stopCh: make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}

	return p
}

// SetOnExhausted sets a callback invoked (outside the pool lock) whenever
// Acquire fails with ErrExhausted. Must be set before traffic starts.
func (p *Pool) SetOnExhausted(cb func(Key)) {
	p.onExhausted = cb
}

// Acquire returns a backend for the key: the session's pinned backend when
// idle (session mode), else the first idle backend from the key's free
// list, else a newly opened backend while the global cap allows. Returns
// ErrExhausted when the cap is reached and nothing is idle.
func (p *Pool) Acquire(ctx context.Context, sessionID string, key Key) (*BackendConn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	sessionMode := p.opts.Mode == "session"

	if sessionMode && sessionID != "" {
		if b, ok := p.pins[pinKey{sessionID, key}]; ok && !b.InUse() {
			p.removeFromFreeLocked(key, b)
			b.markInUse()
			p.mu.Unlock()
			return b, nil
		}
	}

	if list := p.free[key]; len(list) > 0 {
		b := list[0]
		p.free[key] = list[1:]
		b.markInUse()
		if sessionMode && sessionID != "" {
			p.pins[pinKey{sessionID, key}] = b
		}
		p.mu.Unlock()
		return b, nil
	}

	if p.total < p.opts.MaxConns {
		p.total++
		p.nextID++
		id := p.nextID
		p.mu.Unlock()

		b, err := p.opts.Dial(ctx, id, key)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}

		b.markInUse()
		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			b.Close()
			return nil, ErrClosed
		}
		if sessionMode && sessionID != "" {
			p.pins[pinKey{sessionID, key}] = b
		}
		p.mu.Unlock()
		slog.Debug("opened backend", "id", id, "key", key.String())
		return b, nil
	}

	p.exhausted++
	cb := p.onExhausted
	p.mu.Unlock()

	if cb != nil {
		cb(key)
	}
	return nil, ErrExhausted
}

// Release returns a backend to its key's free list. A non-empty sessionID
// additionally removes the session's pin on this backend.
func (p *Pool) Release(b *BackendConn, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID != "" {
		pk := pinKey{sessionID, b.Key()}
		if p.pins[pk] == b {
			delete(p.pins, pk)
		}
	}

	if p.closed {
		b.Close()
		p.total--
		return
	}

	b.markIdle()
	p.free[b.Key()] = append(p.free[b.Key()], b)
}

// Discard removes a failed backend from the pool without re-listing it.
// Used when the backend socket errored while a session held it.
func (p *Pool) Discard(b *BackendConn) {
	b.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total--
	p.removePinsLocked(b)
}

// EvictIdle closes and forgets every free backend idle longer than the
// configured timeout. Returns the number evicted.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, list := range p.free {
		kept := list[:0]
		for _, b := range list {
			if b.idleLongerThan(p.opts.IdleTimeout) {
				b.Close()
				p.total--
				p.removePinsLocked(b)
				evicted++
			} else {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(p.free, key)
		} else {
			p.free[key] = kept
		}
	}

	p.evicted += int64(evicted)
	if evicted > 0 {
		slog.Info("evicted idle backends", "count", evicted)
	}
	return evicted
}

// Stats returns a snapshot of the pool's state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:     p.total,
		MaxConns:  p.opts.MaxConns,
		Pins:      len(p.pins),
		Exhausted: p.exhausted,
		Evicted:   p.evicted,
	}
	for key, list := range p.free {
		s.Idle += len(list)
		s.Keys = append(s.Keys, KeyStats{Database: key.Database, User: key.User, Idle: len(list)})
	}
	s.Active = s.Total - s.Idle
	return s
}

// Shutdown closes every free backend and marks the pool closed. Backends
// still held by sessions are closed as their sessions release them.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	for _, list := range p.free {
		for _, b := range list {
			b.Close()
			p.total--
		}
	}
	p.free = make(map[Key][]*BackendConn)
	p.pins = make(map[pinKey]*BackendConn)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("pool shut down")
}

// InjectIdleConn adds a pre-built backend directly to the free list,
// bypassing dial and authentication. Test use only.
func (p *Pool) InjectIdleConn(b *BackendConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.markIdle()
	p.free[b.Key()] = append(p.free[b.Key()], b)
	p.total++
}

func (p *Pool) removeFromFreeLocked(key Key, b *BackendConn) {
	list := p.free[key]
	for i, c := range list {
		if c == b {
			p.free[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (p *Pool) removePinsLocked(b *BackendConn) {
	for pk, c := range p.pins {
		if c == b {
			delete(p.pins, pk)
		}
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	interval := p.opts.IdleTimeout
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EvictIdle()
		case <-p.stopCh:
			return
		}
	}
}
