package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pipeDial returns a DialFunc producing pre-authenticated backends over
// net.Pipe, counting how many were opened.
func pipeDial(opened *atomic.Int32) DialFunc {
	return func(_ context.Context, id uint64, key Key) (*BackendConn, error) {
		c1, c2 := net.Pipe()
		go func() {
			// Keep the far end alive; discard anything written to it.
			buf := make([]byte, 256)
			for {
				if _, err := c2.Read(buf); err != nil {
					return
				}
			}
		}()
		b := NewBackendConn(id, key, c1)
		b.SetAuthenticated(map[string]string{"server_version": "16.0"}, 100, 200)
		if opened != nil {
			opened.Add(1)
		}
		return b, nil
	}
}

func testKey() Key {
	return Key{Database: "app", User: "alice"}
}

func TestAcquireOpensAndReusesBackend(t *testing.T) {
	var opened atomic.Int32
	p := New(Options{Mode: "statement", MaxConns: 5, Dial: pipeDial(&opened)})
	defer p.Shutdown()

	b1, err := p.Acquire(context.Background(), "s1", testKey())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !b1.InUse() || !b1.Authenticated() {
		t.Error("acquired backend should be in use and authenticated")
	}

	p.Release(b1, "")
	if b1.InUse() {
		t.Error("released backend should not be in use")
	}

	b2, err := p.Acquire(context.Background(), "s1", testKey())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if b2 != b1 {
		t.Error("expected the idle backend to be reused")
	}
	if opened.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", opened.Load())
	}
}

func TestAcquireSeparateKeys(t *testing.T) {
	var opened atomic.Int32
	p := New(Options{Mode: "transaction", MaxConns: 5, Dial: pipeDial(&opened)})
	defer p.Shutdown()

	b1, err := p.Acquire(context.Background(), "s1", Key{Database: "app", User: "alice"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(b1, "")

	// A different (database, user) must not receive alice's backend.
	b2, err := p.Acquire(context.Background(), "s2", Key{Database: "app", User: "bob"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b2 == b1 {
		t.Error("backend leaked across pool keys")
	}
	if opened.Load() != 2 {
		t.Errorf("expected 2 dials, got %d", opened.Load())
	}
}

func TestAcquireExhausted(t *testing.T) {
	var exhaustedKey atomic.Value
	p := New(Options{Mode: "session", MaxConns: 1, Dial: pipeDial(nil)})
	defer p.Shutdown()
	p.SetOnExhausted(func(k Key) { exhaustedKey.Store(k) })

	b, err := p.Acquire(context.Background(), "a", testKey())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = p.Acquire(context.Background(), "b", testKey())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if exhaustedKey.Load() != testKey() {
		t.Error("exhaustion callback not invoked with the key")
	}

	// Session A closing frees the slot for B.
	p.Release(b, "a")
	if _, err := p.Acquire(context.Background(), "b", testKey()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSessionPinReuse(t *testing.T) {
	p := New(Options{Mode: "session", MaxConns: 5, Dial: pipeDial(nil)})
	defer p.Shutdown()

	b1, err := p.Acquire(context.Background(), "sess-1", testKey())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Release without the session ID keeps the pin: after another session
	// has used and released the backend, sess-1 gets the same backend
	// back.
	p.Release(b1, "")

	other, _ := p.Acquire(context.Background(), "sess-2", testKey())
	if other != b1 {
		t.Fatal("expected sess-2 to take the only idle backend")
	}
	p.Release(other, "sess-2")

	b2, err := p.Acquire(context.Background(), "sess-1", testKey())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if b2 != b1 {
		t.Error("pinned backend not reused across acquire cycles")
	}
}

func TestReleaseWithSessionIDRemovesPin(t *testing.T) {
	p := New(Options{Mode: "session", MaxConns: 5, Dial: pipeDial(nil)})
	defer p.Shutdown()

	b, err := p.Acquire(context.Background(), "sess-1", testKey())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(b, "sess-1")

	if got := p.Stats().Pins; got != 0 {
		t.Errorf("expected 0 pins after release, got %d", got)
	}
}

func TestNoPinsOutsideSessionMode(t *testing.T) {
	p := New(Options{Mode: "transaction", MaxConns: 5, Dial: pipeDial(nil)})
	defer p.Shutdown()

	b, _ := p.Acquire(context.Background(), "sess-1", testKey())
	if got := p.Stats().Pins; got != 0 {
		t.Errorf("transaction mode must not pin, got %d pins", got)
	}
	p.Release(b, "")
}

func TestDiscardNeverRepools(t *testing.T) {
	p := New(Options{Mode: "transaction", MaxConns: 1, Dial: pipeDial(nil)})
	defer p.Shutdown()

	b, err := p.Acquire(context.Background(), "s", testKey())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.Discard(b)

	s := p.Stats()
	if s.Total != 0 || s.Idle != 0 {
		t.Errorf("discarded backend still counted: %+v", s)
	}

	// The slot is available again for a fresh backend.
	b2, err := p.Acquire(context.Background(), "s", testKey())
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if b2 == b {
		t.Error("dead backend returned from the pool")
	}
}

func TestTotalCountsFreePlusHeld(t *testing.T) {
	p := New(Options{Mode: "transaction", MaxConns: 10, Dial: pipeDial(nil)})
	defer p.Shutdown()

	held, _ := p.Acquire(context.Background(), "a", testKey())
	idle, _ := p.Acquire(context.Background(), "b", testKey())
	p.Release(idle, "")

	s := p.Stats()
	if s.Total != 2 || s.Idle != 1 || s.Active != 1 {
		t.Errorf("invariant violated: %+v", s)
	}
	_ = held
}

func TestStatementModeReusesOneBackend(t *testing.T) {
	var opened atomic.Int32
	p := New(Options{Mode: "statement", MaxConns: 3, Dial: pipeDial(&opened)})
	defer p.Shutdown()

	// N sequential acquire/release cycles from one session with no
	// concurrency must use exactly one backend.
	for i := 0; i < 10; i++ {
		b, err := p.Acquire(context.Background(), "s", testKey())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if s := p.Stats(); s.Total != 1 {
			t.Fatalf("cycle %d: total = %d, want 1", i, s.Total)
		}
		p.Release(b, "")
	}
	if opened.Load() != 1 {
		t.Errorf("expected 1 backend for 10 statements, got %d", opened.Load())
	}
}

func TestInjectIdleConn(t *testing.T) {
	p := New(Options{Mode: "session", MaxConns: 5, Dial: pipeDial(nil)})
	defer p.Shutdown()

	c1, c2 := net.Pipe()
	defer c2.Close()
	b := NewBackendConn(99, testKey(), c1)
	b.SetAuthenticated(nil, 0, 0)
	p.InjectIdleConn(b)

	if s := p.Stats(); s.Total != 1 || s.Idle != 1 {
		t.Fatalf("after inject: %+v", s)
	}

	got, err := p.Acquire(context.Background(), "s", testKey())
	if err != nil || got != b {
		t.Fatalf("expected injected backend, got %v, %v", got, err)
	}
}

func TestEvictIdle(t *testing.T) {
	p := New(Options{Mode: "transaction", MaxConns: 5, IdleTimeout: 20 * time.Millisecond, Dial: pipeDial(nil)})
	defer p.Shutdown()

	held, _ := p.Acquire(context.Background(), "a", testKey())
	idle, _ := p.Acquire(context.Background(), "b", testKey())
	p.Release(idle, "")

	time.Sleep(40 * time.Millisecond)

	if n := p.EvictIdle(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	s := p.Stats()
	if s.Total != 1 || s.Idle != 0 {
		t.Errorf("after eviction: %+v", s)
	}
	if !held.InUse() {
		t.Error("held backend must survive eviction")
	}
}

func TestEvictIdleDisabledByZeroTimeout(t *testing.T) {
	p := New(Options{Mode: "transaction", MaxConns: 5, Dial: pipeDial(nil)})
	defer p.Shutdown()

	b, _ := p.Acquire(context.Background(), "a", testKey())
	p.Release(b, "")

	time.Sleep(10 * time.Millisecond)
	if n := p.EvictIdle(); n != 0 {
		t.Errorf("zero timeout must disable eviction, evicted %d", n)
	}
}

func TestShutdownClosesFreeBackends(t *testing.T) {
	p := New(Options{Mode: "session", MaxConns: 5, Dial: pipeDial(nil)})

	b, _ := p.Acquire(context.Background(), "a", testKey())
	p.Release(b, "a")
	p.Shutdown()

	if _, err := p.Acquire(context.Background(), "a", testKey()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("backends remain after shutdown: %+v", s)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p := New(Options{Mode: "statement", MaxConns: 4, Dial: pipeDial(nil)})
	defer p.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b, err := p.Acquire(context.Background(), "s", testKey())
				if errors.Is(err, ErrExhausted) {
					continue
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				p.Release(b, "")
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.Total > 4 {
		t.Errorf("cap breached: %+v", s)
	}
	if s.Active != 0 {
		t.Errorf("backends leaked in-use: %+v", s)
	}
	if s.Total != s.Idle {
		t.Errorf("counter drift: %+v", s)
	}
}
