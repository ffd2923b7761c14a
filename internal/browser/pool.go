// Package browser manages a bounded pool of headless browser sessions used to
// render Kleinanzeigen pages.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// ErrSessionUnusable marks a session that must not go back to the idle list.
// Session implementations wrap it into render errors caused by a dead tab.
var ErrSessionUnusable = errors.New("browser session unusable")

// RenderOptions tunes a single page render.
type RenderOptions struct {
	// WaitSelector is awaited for at most WaitTimeout after the body is ready.
	// A timeout while waiting is not an error.
	WaitSelector string
	WaitTimeout  time.Duration
}

// Session renders pages. A session is used by one caller at a time.
type Session interface {
	Render(ctx context.Context, url string, opts RenderOptions) (string, error)
	Close() error
}

// Factory creates new sessions on demand.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Session, error)

func (f FactoryFunc) NewSession(ctx context.Context) (Session, error) { return f(ctx) }

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxSessions   int
	MaxIdle       int
	RatePerSecond float64
	RateBurst     int
}

// Stats is a snapshot of pool counters.
type Stats struct {
	MaxSessions int   `json:"max_sessions"`
	InUse       int   `json:"in_use"`
	Idle        int   `json:"idle"`
	Created     int64 `json:"created"`
	Reused      int64 `json:"reused"`
	Discarded   int64 `json:"discarded"`
}

// Pool hands out at most MaxSessions concurrently checked-out sessions.
// Released sessions are kept idle for reuse up to MaxIdle.
type Pool struct {
	factory Factory
	opts    PoolOptions
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	idle   []Session
	inUse  int
	closed bool

	created   int64
	reused    int64
	discarded int64
}

// NewPool creates a pool. A non-positive RatePerSecond disables rate limiting.
func NewPool(factory Factory, opts PoolOptions) *Pool {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.MaxIdle < 0 || opts.MaxIdle > opts.MaxSessions {
		opts.MaxIdle = opts.MaxSessions
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Pool{
		factory: factory,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxSessions)),
		limiter: limiter,
		logger:  slog.Default().With("component", "browser_pool"),
	}
}

// Acquire blocks until a session slot is free and returns an idle session or
// a freshly created one. Every successful Acquire must be paired with exactly
// one Release or Discard.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for browser session: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("waiting for browser rate limit: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.reused++
		p.mu.Unlock()
		return s, nil
	}
	p.inUse++
	p.mu.Unlock()

	s, err := p.factory.NewSession(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("creating browser session: %w", err)
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.logger.Debug("browser session created")
	return s, nil
}

// Release returns a healthy session to the idle list, closing it instead when
// the idle list is full or the pool is closed.
func (p *Pool) Release(s Session) {
	p.mu.Lock()
	p.inUse--
	keep := !p.closed && len(p.idle) < p.opts.MaxIdle
	if keep {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()
	p.sem.Release(1)

	if !keep {
		p.closeSession(s)
	}
}

// Discard closes a session that failed in a way that makes it unfit for reuse.
func (p *Pool) Discard(s Session) {
	p.mu.Lock()
	p.inUse--
	p.discarded++
	p.mu.Unlock()
	p.sem.Release(1)
	p.closeSession(s)
}

// With acquires a session, runs fn with it and gives it back. The session is
// discarded when fn's error wraps ErrSessionUnusable and released otherwise,
// including when fn fails or panics.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, s Session) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Discard(s)
			panic(r)
		}
		if errors.Is(err, ErrSessionUnusable) {
			p.Discard(s)
			return
		}
		p.Release(s)
	}()
	return fn(ctx, s)
}

// Close closes idle sessions and makes future Acquire calls fail. Sessions
// still checked out are closed as they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSessions: p.opts.MaxSessions,
		InUse:       p.inUse,
		Idle:        len(p.idle),
		Created:     p.created,
		Reused:      p.reused,
		Discarded:   p.discarded,
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) closeSession(s Session) {
	if err := s.Close(); err != nil {
		p.logger.Warn("closing browser session", "error", err)
	}
}
