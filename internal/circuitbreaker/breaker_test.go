package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing() error    { return errUpstream }
func succeeding() error { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "test", TripAfter: 3})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(failing), errUpstream)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(failing), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	// Open circuit fails fast without invoking the call.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{TripAfter: 3})

	require.Error(t, b.Execute(failing))
	require.Error(t, b.Execute(failing))
	require.NoError(t, b.Execute(succeeding))
	require.Error(t, b.Execute(failing))
	require.Error(t, b.Execute(failing))

	// Two failures since the success: still closed.
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New(Config{TripAfter: 1, Timeout: 10 * time.Millisecond})

	require.Error(t, b.Execute(failing))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New(Config{TripAfter: 1, Timeout: 10 * time.Millisecond})

	require.Error(t, b.Execute(failing))
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(failing), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	// The open window restarts from the failed probe.
	assert.ErrorIs(t, b.Execute(succeeding), ErrOpen)
}

func TestHalfOpenBoundsProbeCount(t *testing.T) {
	b := New(Config{TripAfter: 1, Timeout: 5 * time.Millisecond, MaxRequests: 1})

	require.Error(t, b.Execute(failing))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe admitted and still in flight; a second is rejected.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error { <-release; return nil })
	}()

	require.Eventually(t, func() bool {
		return errors.Is(b.Execute(succeeding), ErrTooManyRequests)
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, uint32(1), b.cfg.MaxRequests)
	assert.Equal(t, 30*time.Second, b.cfg.Timeout)
	assert.Equal(t, uint32(5), b.cfg.TripAfter)
}
