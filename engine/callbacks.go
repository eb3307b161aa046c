package engine

import (
	"context"
	"time"

	"github.com/hupe1980/roundtable/core"
)

// TurnEvent describes one finished turn, successful or not.
type TurnEvent struct {
	Role     string
	Turn     int // 1-based
	Topic    string
	Text     string
	Usage    core.Usage // spend of this turn
	Total    core.Usage // spend of the run so far
	Duration time.Duration
	Err      error
}

// Observer receives turn events. Observers run synchronously on the run's
// goroutine and must not block.
type Observer interface {
	TurnCompleted(ctx context.Context, ev TurnEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev TurnEvent)

// TurnCompleted calls f.
func (f ObserverFunc) TurnCompleted(ctx context.Context, ev TurnEvent) { f(ctx, ev) }

// Observers fans an event out to every observer in order.
type Observers []Observer

// TurnCompleted notifies each non-nil observer.
func (o Observers) TurnCompleted(ctx context.Context, ev TurnEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.TurnCompleted(ctx, ev)
		}
	}
}
