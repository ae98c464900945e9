package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithTickerTicks(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- RunWithTicker(ctx, mock, &Interval{Duration: time.Second}, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return calls.Load() >= 3
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunWithTicker did not return after cancel")
	}
}

func TestRunWithTickerStopsOnError(t *testing.T) {
	mock := clock.NewMock()
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- RunWithTicker(context.Background(), mock, &Interval{Duration: time.Second}, func(context.Context) error {
			return boom
		})
	}()

	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, err, boom)
}

func TestRunWithTickerNeverOverlaps(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, overlaps, calls atomic.Int32
	go RunWithTicker(ctx, mock, &Interval{Duration: time.Second}, func(context.Context) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return calls.Load() >= 5
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, overlaps.Load())
}
