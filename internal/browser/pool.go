package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hbomb79/Rhea/pkg/logger"
)

// ErrPoolExhausted indicates every pooled session was leased for the duration
// of the acquire timeout. This is a backpressure signal; callers should retry
// later rather than treat it as a hard failure.
var ErrPoolExhausted = errors.New("browser session pool exhausted")

type (
	// SessionFactory launches a fresh session. The pool uses it both at
	// startup and when replacing a session whose browser process has died.
	SessionFactory func() (Session, error)

	// PoolStats is a point-in-time snapshot of pool occupancy, used by the
	// API health endpoint.
	PoolStats struct {
		Capacity int `json:"capacity"`
		Live     int `json:"live"`
		Free     int `json:"free"`
	}

	// Pool manages a fixed-size set of browser sessions. Sessions are handed
	// out for exclusive use per extraction and returned afterwards; a session
	// found unresponsive on release is torn down and replaced with a freshly
	// launched one rather than being returned to the pool.
	Pool struct {
		mu       sync.Mutex
		config   Config
		factory  SessionFactory
		free     chan Session
		capacity int
		live     atomic.Int32
		closed   bool
	}
)

// NewPool launches the configured number of sessions via the factory provided.
// Individual launch failures are tolerated (the slot is replaced in the
// background), but if not a single session can be launched, an error is
// returned as the service would be incapable of performing any extraction.
func NewPool(config Config, factory SessionFactory) (*Pool, error) {
	capacity := config.PoolSize
	if capacity < 1 {
		return nil, fmt.Errorf("illegal browser pool capacity %d", capacity)
	}

	pool := &Pool{
		config:   config,
		factory:  factory,
		free:     make(chan Session, capacity),
		capacity: capacity,
	}

	failedSlots := 0
	for i := 0; i < capacity; i++ {
		session, err := factory()
		if err != nil {
			log.Emit(logger.ERROR, "Failed to launch browser session for slot %d: %v\n", i, err)
			failedSlots++
			continue
		}

		pool.live.Add(1)
		pool.free <- session
	}

	if pool.live.Load() == 0 {
		return nil, errors.New("failed to launch any browser session")
	}

	// Failed slots are only relaunched once the pool is known viable; a
	// constructor failure must leave no goroutines retrying the factory.
	for i := 0; i < failedSlots; i++ {
		go pool.replaceSlot()
	}

	return pool, nil
}

// Acquire blocks until a session is free, the configured acquire timeout
// elapses, or the context provided is cancelled. Expiry of the timeout fails
// with ErrPoolExhausted.
func (pool *Pool) Acquire(ctx context.Context) (Session, error) {
	timer := time.NewTimer(pool.config.AcquireTimeout())
	defer timer.Stop()

	select {
	case session, ok := <-pool.free:
		if !ok {
			return nil, errors.New("browser session pool is closed")
		}

		log.Emit(logger.DEBUG, "Leased browser session %s\n", session.ID())
		return session, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool after clearing its per-lease state.
// If the session's browser process is found unresponsive, or its state cannot
// be cleared, the session is destroyed and a fresh one is launched in its
// place. The caller must not touch the session after releasing it.
func (pool *Pool) Release(session Session) {
	if session == nil {
		return
	}

	pool.mu.Lock()
	closed := pool.closed
	pool.mu.Unlock()
	if closed {
		session.Close()
		return
	}

	if !session.Healthy() {
		log.Emit(logger.WARNING, "Session %s unresponsive on release. Replacing with a fresh session\n", session.ID())
		pool.destroyAndReplace(session)
		return
	}

	if err := session.Reset(); err != nil {
		log.Emit(logger.WARNING, "Session %s failed to reset on release (%v). Replacing with a fresh session\n", session.ID(), err)
		pool.destroyAndReplace(session)
		return
	}

	pool.free <- session
}

// Healthy reports whether at least one session is live; this is the condition
// the service health endpoint depends on.
func (pool *Pool) Healthy() bool {
	return pool.live.Load() > 0
}

func (pool *Pool) Stats() PoolStats {
	return PoolStats{
		Capacity: pool.capacity,
		Live:     int(pool.live.Load()),
		Free:     len(pool.free),
	}
}

// Close tears down every free session. Leased sessions are destroyed as they
// are released.
func (pool *Pool) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	pool.mu.Unlock()

	for {
		select {
		case session := <-pool.free:
			session.Close()
			pool.live.Add(-1)
		default:
			return
		}
	}
}

func (pool *Pool) destroyAndReplace(session Session) {
	pool.live.Add(-1)
	if err := session.Close(); err != nil {
		log.Emit(logger.WARNING, "Failed to close broken session %s: %v\n", session.ID(), err)
	}

	go pool.replaceSlot()
}

// replaceSlot launches a replacement session, retrying with a linear delay
// until it succeeds or the pool is closed. Runs on its own goroutine.
func (pool *Pool) replaceSlot() {
	for attempt := 1; ; attempt++ {
		pool.mu.Lock()
		closed := pool.closed
		pool.mu.Unlock()
		if closed {
			return
		}

		session, err := pool.factory()
		if err == nil {
			// The pool may have closed while the factory was launching; a
			// session parked in free after that point would never be torn down.
			pool.mu.Lock()
			if pool.closed {
				pool.mu.Unlock()
				session.Close()
				return
			}

			pool.live.Add(1)
			pool.free <- session
			pool.mu.Unlock()

			log.Emit(logger.SUCCESS, "Replacement browser session %s launched\n", session.ID())
			return
		}

		log.Emit(logger.ERROR, "Replacement browser session launch failed (attempt %d): %v\n", attempt, err)
		time.Sleep(time.Duration(min(attempt, 12)) * 5 * time.Second)
	}
}
