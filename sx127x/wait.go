package sx127x

import (
	"context"
	"time"
)

// Waiter decides how the driver waits for a chip condition.
//
// Wait calls ready once, then again after each Interval until ticks-1
// intervals have passed, and returns true as soon as ready does. The budget
// is wall time: checks triggered early by an event do not consume it. It
// returns false when the budget runs out and ctx.Err() when the context is
// cancelled first.
type Waiter interface {
	Wait(ctx context.Context, ticks int, ready func() (bool, error)) (bool, error)
}

// PollWaiter checks the condition once per Interval.
type PollWaiter struct {
	Interval time.Duration
}

func (w PollWaiter) Wait(ctx context.Context, ticks int, ready func() (bool, error)) (bool, error) {
	return waitLoop(ctx, ticks, w.Interval, nil, ready)
}

// EventWaiter checks the condition once per Interval and additionally
// whenever a value arrives on Events, typically a DIO0 edge.
type EventWaiter struct {
	Events   <-chan struct{}
	Interval time.Duration
}

func (w EventWaiter) Wait(ctx context.Context, ticks int, ready func() (bool, error)) (bool, error) {
	return waitLoop(ctx, ticks, w.Interval, w.Events, ready)
}

func waitLoop(ctx context.Context, ticks int, interval time.Duration, events <-chan struct{}, ready func() (bool, error)) (bool, error) {
	if interval <= 0 {
		interval = time.Millisecond
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	// Only timer ticks spend the budget. Events trigger extra checks.
	remaining := ticks - 1
	for {
		ok, err := ready()
		if err != nil || ok {
			return ok, err
		}
		if remaining <= 0 {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			remaining--
			timer.Reset(interval)
		case _, open := <-events:
			if !open {
				events = nil
			}
		}
	}
}
