package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failure")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time, *[]string) {
	t.Helper()

	now := time.Now()
	var transitions []string

	b := NewBreaker(BreakerConfig{
		VolumeThreshold:       5,
		ErrorThresholdPercent: 50,
		ResetTimeout:          30 * time.Second,
		Window:                time.Minute,
	}, func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	b.now = func() time.Time { return now }

	return b, &now, &transitions
}

func fail(context.Context) error { return errDownstream }

func succeed(context.Context) error { return nil }

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), fail)
		require.ErrorIs(t, err, errDownstream)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(t)
	ctx := context.Background()

	// four failures: below the volume threshold, still closed
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errDownstream)
		assert.Equal(t, StateClosed, b.State())
	}

	require.ErrorIs(t, b.Do(ctx, fail), errDownstream)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"closed->open"}, *transitions)
}

func TestBreaker_BelowErrorRateStaysClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx := context.Background()

	// 2 failures out of 6 is a 33% rate, below the 50% threshold
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Do(ctx, succeed))
	}
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errDownstream)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenFailsFastWithoutNetwork(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	trip(t, b)

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not attempt the call")
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now, _ := newTestBreaker(t)
	trip(t, b)

	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeErr := make(chan error, 1)

	go func() {
		probeErr <- b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted

	// a second call while the probe is in flight is rejected
	err := b.Do(context.Background(), succeed)
	assert.ErrorIs(t, err, ErrOpen)

	close(probeRelease)
	require.NoError(t, <-probeErr)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, now, transitions := newTestBreaker(t)
	trip(t, b)

	*now = now.Add(31 * time.Second)
	require.ErrorIs(t, b.Do(context.Background(), fail), errDownstream)
	assert.Equal(t, StateOpen, b.State())

	// the reset timer restarts from the failed probe
	*now = now.Add(15 * time.Second)
	assert.ErrorIs(t, b.Do(context.Background(), succeed), ErrOpen)

	*now = now.Add(16 * time.Second)
	require.NoError(t, b.Do(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, *transitions)
}

func TestBreaker_StaleResultCannotSettleProbe(t *testing.T) {
	b, now, transitions := newTestBreaker(t)
	ctx := context.Background()

	// a slow call admitted while still closed, in flight across the trip
	staleStarted := make(chan struct{})
	staleRelease := make(chan struct{})
	staleDone := make(chan error, 1)

	go func() {
		staleDone <- b.Do(ctx, func(context.Context) error {
			close(staleStarted)
			<-staleRelease
			return nil
		})
	}()

	<-staleStarted
	trip(t, b)

	*now = now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeErr := make(chan error, 1)

	go func() {
		probeErr <- b.Do(ctx, func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return errDownstream
		})
	}()

	<-probeStarted

	// the slow call succeeds now; its result belongs to the closed period
	// and must neither close the breaker nor free the probe slot
	close(staleRelease)
	require.NoError(t, <-staleDone)

	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Do(ctx, succeed), ErrOpen)

	close(probeRelease)
	require.ErrorIs(t, <-probeErr, errDownstream)
	assert.Equal(t, StateOpen, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
	}, *transitions)
}

func TestBreaker_WindowExpiryResetsCounts(t *testing.T) {
	b, now, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errDownstream)
	}

	// window rolls over; the stale failures no longer count
	*now = now.Add(2 * time.Minute)

	require.ErrorIs(t, b.Do(ctx, fail), errDownstream)
	assert.Equal(t, StateClosed, b.State())
}
