package timer

import (
	"context"
	"reflect"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
}

// Runs the provided function periodically with a given duration. Exits when a context is cancelled or when f() returns an error.
// Calls never overlap: a tick that arrives while f() is running is held until it returns, extra ticks are dropped.
func RunWithTicker(ctx context.Context, clk clock.Clock, interval *Interval, f func(ctx context.Context) error) error {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	if clk == nil {
		clk = clock.New()
	}

	t := clk.Ticker(interval.Duration)
	defer t.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v", funcName, interval.Duration)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: function %s returned error: %v", funcName, err)
				return err
			}
		}
	}
}
