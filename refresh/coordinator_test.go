package refresh_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pysiyou/atlas-sub001/refresh"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCoordinator() *refresh.Coordinator {
	return refresh.New(zerolog.Nop())
}

func TestStartRefreshSingleFlight(t *testing.T) {
	const callers = 16

	coord := newCoordinator()
	var calls atomic.Int64
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "token-new", nil
	}

	var wg sync.WaitGroup
	var entered atomic.Int64
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Add(1)
			results[i], errs[i] = coord.StartRefresh(context.Background(), fn)
		}(i)
	}

	// Wait until every caller has reached the coordinator and one of
	// them owns the flight, then let it settle.
	require.Eventually(t, func() bool {
		return entered.Load() == callers && coord.Refreshing()
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "refresh function must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-new", results[i])
	}
	assert.False(t, coord.Refreshing())
}

func TestStartRefreshSharedFailure(t *testing.T) {
	coord := newCoordinator()
	boom := errors.New("refresh token rejected")
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		<-release
		return "", boom
	}

	var wg sync.WaitGroup
	var entered atomic.Int64
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Add(1)
			_, errs[i] = coord.StartRefresh(context.Background(), fn)
		}(i)
	}
	require.Eventually(t, func() bool {
		return entered.Load() == int64(len(errs)) && coord.Refreshing()
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.False(t, coord.Refreshing())
}

func TestQueueDrainedInOrderOnSuccess(t *testing.T) {
	coord := newCoordinator()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "token-new", nil
		})
	}()
	<-started

	var order []int
	var mu sync.Mutex
	var channels []<-chan refresh.Outcome
	for i := 0; i < 5; i++ {
		i := i
		ch, ok := coord.Enqueue(func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		require.True(t, ok)
		channels = append(channels, ch)
	}

	close(release)

	for i, ch := range channels {
		outcome := <-ch
		require.NoError(t, outcome.Err)
		assert.Equal(t, i, outcome.Value)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "pending requests drain in enqueue order")
	assert.False(t, coord.Refreshing())

	_, ok := coord.Enqueue(func(ctx context.Context) (any, error) { return nil, nil })
	assert.False(t, ok, "queue is empty and idle after drain")
}

func TestQueueRejectedOnFailure(t *testing.T) {
	coord := newCoordinator()
	boom := errors.New("server error")
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "", boom
		})
	}()
	<-started

	var retried atomic.Int64
	ch, ok := coord.Enqueue(func(ctx context.Context) (any, error) {
		retried.Add(1)
		return nil, nil
	})
	require.True(t, ok)

	close(release)

	outcome := <-ch
	assert.ErrorIs(t, outcome.Err, boom)
	assert.Equal(t, int64(0), retried.Load(), "rejected requests are not replayed")
	assert.False(t, coord.Refreshing())
}

func TestStartRefreshPanickingFunc(t *testing.T) {
	coord := newCoordinator()

	_, err := coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
		panic("synchronous throw")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synchronous throw")
	assert.False(t, coord.Refreshing(), "coordinator returns to idle even when the refresh function panics")

	// The coordinator must remain usable afterwards.
	tok, err := coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
		return "token-new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "token-new", tok)
}

func TestClearRejectsQueuedRequests(t *testing.T) {
	coord := newCoordinator()
	release := make(chan struct{})
	started := make(chan struct{})
	settled := make(chan struct{})

	go func() {
		defer close(settled)
		_, _ = coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "token-new", nil
		})
	}()
	<-started

	ch, ok := coord.Enqueue(func(ctx context.Context) (any, error) { return nil, nil })
	require.True(t, ok)

	coord.Clear()
	assert.False(t, coord.Refreshing())

	outcome := <-ch
	assert.ErrorIs(t, outcome.Err, refresh.ErrCleared)

	// Let the detached flight settle; it must not resurrect any state.
	close(release)
	<-settled
	assert.False(t, coord.Refreshing())
}

func TestStartRefreshJoinHonorsContext(t *testing.T) {
	coord := newCoordinator()
	release := make(chan struct{})
	started := make(chan struct{})
	settled := make(chan struct{})

	go func() {
		defer close(settled)
		_, _ = coord.StartRefresh(context.Background(), func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "token-new", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coord.StartRefresh(ctx, func(ctx context.Context) (string, error) {
		t.Fatal("joined caller must not start a second refresh")
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-settled
}
