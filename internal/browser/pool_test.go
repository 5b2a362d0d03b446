package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu       sync.Mutex
	id       uuid.UUID
	healthy  bool
	resetErr error
	resets   int
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: uuid.New(), healthy: true}
}

func (s *fakeSession) ID() uuid.UUID { return s.id }

func (s *fakeSession) Visit(context.Context, string, []cookie.SessionCookie, browser.NetworkObserver) (*browser.VisitResult, error) {
	return &browser.VisitResult{}, nil
}

func (s *fakeSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.resetErr
}

func (s *fakeSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func poolConfig(size int) browser.Config {
	return browser.Config{PoolSize: size, AcquireTimeoutSeconds: 1}
}

// trackingFactory hands out fake sessions and remembers every one it created.
type trackingFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	calls    int
	err      error
	gate     chan struct{} // when set, make blocks until the channel closes
}

func (f *trackingFactory) make() (browser.Session, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	session := newFakeSession()
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()
	return session, nil
}

func (f *trackingFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *trackingFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func Test_NewPool_LaunchesConfiguredCapacity(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(3), factory.make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	assert.Equal(t, 3, factory.created())
	assert.True(t, pool.Healthy())
	assert.Equal(t, browser.PoolStats{Capacity: 3, Live: 3, Free: 3}, pool.Stats())
}

func Test_NewPool_RejectsIllegalCapacity(t *testing.T) {
	t.Parallel()

	_, err := browser.NewPool(poolConfig(0), (&trackingFactory{}).make)
	assert.Error(t, err)
}

func Test_NewPool_NoRelaunchesAfterTotalStartupFailure(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{err: errors.New("browser binary missing")}
	_, err := browser.NewPool(poolConfig(2), factory.make)
	require.Error(t, err)

	// The constructor failing outright must not leave goroutines behind
	// retrying the factory against an abandoned pool.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, factory.callCount())
}

func Test_Close_DestroysReplacementLaunchedConcurrently(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(1), factory.make)
	require.NoError(t, err)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Hold the replacement launch open so Close lands mid-launch.
	launchGate := make(chan struct{})
	factory.mu.Lock()
	factory.gate = launchGate
	factory.mu.Unlock()

	broken := session.(*fakeSession)
	broken.mu.Lock()
	broken.healthy = false
	broken.mu.Unlock()
	pool.Release(session)

	require.Eventually(t, func() bool { return factory.callCount() == 2 }, time.Second*5, time.Millisecond*5)

	pool.Close()
	close(launchGate)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		factory.mu.Lock()
		count := len(factory.sessions)
		var replacement *fakeSession
		if count == 2 {
			replacement = factory.sessions[1]
		}
		factory.mu.Unlock()

		if assert.Equal(c, 2, count) {
			assert.True(c, replacement.isClosed(), "a replacement finishing launch after Close must be torn down, not parked")
		}
	}, time.Second*5, time.Millisecond*10)

	assert.False(t, pool.Healthy())
}

func Test_Acquire_LeasesExclusivelyAndTimesOut(t *testing.T) {
	t.Parallel()

	pool, err := browser.NewPool(poolConfig(1), (&trackingFactory{}).make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Stats().Free)

	// The only session is leased; a second acquire waits out the timeout.
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, browser.ErrPoolExhausted)

	pool.Release(session)
	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.ID(), again.ID())
	pool.Release(again)
}

func Test_Acquire_HonoursCallerContext(t *testing.T) {
	t.Parallel()

	pool, err := browser.NewPool(poolConfig(1), (&trackingFactory{}).make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(session)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_Release_ResetsSessionState(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(1), factory.make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(session)

	factory.mu.Lock()
	resets := factory.sessions[0].resets
	factory.mu.Unlock()
	assert.Equal(t, 1, resets, "per-lease state must be cleared on release")
}

func Test_Release_ReplacesUnhealthySession(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(1), factory.make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	broken := session.(*fakeSession)
	broken.mu.Lock()
	broken.healthy = false
	broken.mu.Unlock()

	pool.Release(session)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, broken.isClosed())
		assert.Equal(c, 2, factory.created())
		assert.Equal(c, browser.PoolStats{Capacity: 1, Live: 1, Free: 1}, pool.Stats())
	}, time.Second*5, time.Millisecond*10)

	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, broken.ID(), replacement.ID())
	pool.Release(replacement)
}

func Test_Release_ReplacesSessionWhoseResetFails(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(1), factory.make)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	stuck := session.(*fakeSession)
	stuck.mu.Lock()
	stuck.resetErr = errors.New("browser wedged")
	stuck.mu.Unlock()

	pool.Release(session)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.True(c, stuck.isClosed())
		assert.Equal(c, 2, factory.created())
	}, time.Second*5, time.Millisecond*10)
}

func Test_Close_TearsDownFreeSessions(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(2), factory.make)
	require.NoError(t, err)

	pool.Close()

	factory.mu.Lock()
	defer factory.mu.Unlock()
	for _, session := range factory.sessions {
		assert.True(t, session.closed)
	}

	assert.False(t, pool.Healthy())
}

func Test_Release_AfterCloseDestroysSession(t *testing.T) {
	t.Parallel()

	factory := &trackingFactory{}
	pool, err := browser.NewPool(poolConfig(1), factory.make)
	require.NoError(t, err)

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Close()
	pool.Release(session)

	assert.True(t, session.(*fakeSession).isClosed())
}
