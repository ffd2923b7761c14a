package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	id       int
	renderFn func(ctx context.Context, url string) (string, error)
	closed   atomic.Bool
}

func (s *fakeSession) Render(ctx context.Context, url string, _ RenderOptions) (string, error) {
	if s.renderFn != nil {
		return s.renderFn(ctx, url)
	}
	return "<html></html>", nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) NewSession(context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{id: len(f.sessions) + 1}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestPool_NeverExceedsMaxSessions(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 3, MaxIdle: 3})
	defer pool.Close()

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.With(context.Background(), func(ctx context.Context, s Session) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrent sessions = %d, want <= 3", got)
	}
	if got := factory.count(); got > 3 {
		t.Errorf("created %d sessions, want <= 3", got)
	}
	st := pool.Stats()
	if st.InUse != 0 {
		t.Errorf("InUse = %d after all callers finished, want 0", st.InUse)
	}
}

func TestPool_ReusesReleasedSession(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 2, MaxIdle: 2})
	defer pool.Close()

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(first)

	second, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(second)

	if first != second {
		t.Error("expected the released session to be reused")
	}
	st := pool.Stats()
	if st.Created != 1 || st.Reused != 1 {
		t.Errorf("Stats = %+v, want Created=1 Reused=1", st)
	}
}

func TestPool_ReleaseBeyondMaxIdleCloses(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 2, MaxIdle: 1})
	defer pool.Close()

	a, _ := pool.Acquire(context.Background())
	b, _ := pool.Acquire(context.Background())
	pool.Release(a)
	pool.Release(b)

	if !b.(*fakeSession).closed.Load() {
		t.Error("second released session should be closed when idle list is full")
	}
	if a.(*fakeSession).closed.Load() {
		t.Error("first released session should stay idle")
	}
	if got := pool.Stats().Idle; got != 1 {
		t.Errorf("Idle = %d, want 1", got)
	}
}

func TestPool_WithDiscardsUnusableSession(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 1, MaxIdle: 1})
	defer pool.Close()

	var used Session
	err := pool.With(context.Background(), func(ctx context.Context, s Session) error {
		used = s
		return fmt.Errorf("render: %w", ErrSessionUnusable)
	})
	if !errors.Is(err, ErrSessionUnusable) {
		t.Fatalf("With error = %v, want ErrSessionUnusable", err)
	}
	if !used.(*fakeSession).closed.Load() {
		t.Error("unusable session was not closed")
	}

	err = pool.With(context.Background(), func(ctx context.Context, s Session) error {
		if s == used {
			t.Error("discarded session was handed out again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With after discard: %v", err)
	}
	if got := pool.Stats().Discarded; got != 1 {
		t.Errorf("Discarded = %d, want 1", got)
	}
}

func TestPool_WithReleasesOnOrdinaryError(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 1, MaxIdle: 1})
	defer pool.Close()

	boom := errors.New("timeout")
	if err := pool.With(context.Background(), func(context.Context, Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("With error = %v, want %v", err, boom)
	}

	// The single slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after failed With: %v", err)
	}
	pool.Release(s)
	if factory.count() != 1 {
		t.Errorf("created %d sessions, want 1 (reuse after ordinary error)", factory.count())
	}
}

func TestPool_WithReleasesOnPanic(t *testing.T) {
	pool := NewPool(&fakeFactory{}, PoolOptions{MaxSessions: 1})
	defer pool.Close()

	func() {
		defer func() { _ = recover() }()
		_ = pool.With(context.Background(), func(context.Context, Session) error { panic("boom") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("slot leaked after panic: %v", err)
	}
	pool.Release(s)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	pool := NewPool(&fakeFactory{}, PoolOptions{MaxSessions: 1})
	defer pool.Close()

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on exhausted pool = %v, want deadline exceeded", err)
	}
}

func TestPool_FactoryErrorFreesSlot(t *testing.T) {
	factory := &fakeFactory{err: errors.New("chrome gone")}
	pool := NewPool(factory, PoolOptions{MaxSessions: 1})
	defer pool.Close()

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("expected factory error")
	}

	factory.mu.Lock()
	factory.err = nil
	factory.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after factory error: %v", err)
	}
	pool.Release(s)
}

func TestPool_Close(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 2, MaxIdle: 2})

	idle, _ := pool.Acquire(context.Background())
	busy, _ := pool.Acquire(context.Background())
	pool.Release(idle)

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !idle.(*fakeSession).closed.Load() {
		t.Error("idle session not closed by Close")
	}
	if busy.(*fakeSession).closed.Load() {
		t.Error("checked-out session closed before release")
	}
	pool.Release(busy)
	if !busy.(*fakeSession).closed.Load() {
		t.Error("session released after Close was not closed")
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}

func TestPool_RateLimit(t *testing.T) {
	pool := NewPool(&fakeFactory{}, PoolOptions{MaxSessions: 1, RatePerSecond: 20, RateBurst: 1})
	defer pool.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := pool.With(context.Background(), func(context.Context, Session) error { return nil }); err != nil {
			t.Fatalf("With: %v", err)
		}
	}
	// burst 1 at 20/s: two waits of ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 acquisitions took %v, expected rate limiting to slow them", elapsed)
	}
}

func TestRenderErr(t *testing.T) {
	live := context.Background()
	deadTab, cancelTab := context.WithCancel(context.Background())
	cancelTab()
	expired, cancelExpired := context.WithTimeout(context.Background(), -time.Second)
	defer cancelExpired()
	callerGone, cancelCaller := context.WithCancel(context.Background())
	cancelCaller()
	navCancelled, cancelNav := context.WithCancel(context.Background())
	cancelNav()

	tests := []struct {
		name     string
		caller   context.Context
		tab      context.Context
		run      context.Context
		unusable bool
	}{
		{"ordinary failure", live, live, live, false},
		{"tab died", live, deadTab, live, true},
		{"navigation deadline with caller waiting", live, live, expired, true},
		{"navigation deadline after caller left", callerGone, live, expired, false},
		{"caller cancelled", callerGone, live, navCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := renderErr(tt.caller, tt.tab, tt.run, "https://example.test/s-anzeige/1", errors.New("net::ERR"))
			if got := errors.Is(err, ErrSessionUnusable); got != tt.unusable {
				t.Errorf("unusable = %v, want %v (err %v)", got, tt.unusable, err)
			}
		})
	}
}

func TestPool_NavigationTimeoutDiscardsSession(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolOptions{MaxSessions: 1, MaxIdle: 1})
	defer pool.Close()

	ctx := context.Background()
	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.(*fakeSession).renderFn = func(ctx context.Context, url string) (string, error) {
		run, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		<-run.Done()
		return "", renderErr(ctx, context.Background(), run, url, run.Err())
	}
	pool.Release(s)

	var used Session
	err = pool.With(ctx, func(ctx context.Context, s Session) error {
		used = s
		_, err := s.Render(ctx, "https://example.test/s-anzeige/1", RenderOptions{})
		return err
	})
	if !errors.Is(err, ErrSessionUnusable) {
		t.Fatalf("With error = %v, want ErrSessionUnusable", err)
	}
	if !used.(*fakeSession).closed.Load() {
		t.Error("timed-out session was not closed")
	}

	next, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
	defer pool.Release(next)
	if next == used {
		t.Error("timed-out session was handed out again")
	}
	if st := pool.Stats(); st.Discarded != 1 || factory.count() != 2 {
		t.Errorf("Discarded = %d, sessions created = %d, want 1 and 2", st.Discarded, factory.count())
	}
}
