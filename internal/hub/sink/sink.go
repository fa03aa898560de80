// Package sink defines the durable event hook the bridge invokes once
// per event, in per-job order.
package sink

import (
	"context"

	"github.com/taskbridge/taskbridge/internal/hub/event"
)

// Sink receives every event the bridge observes, exactly once, in the
// order the bridge observed them within each job.
type Sink interface {
	Persist(ctx context.Context, ev event.Event) error
}

// Nop discards events. Used when durable history is disabled and in
// tests that do not care about persistence.
type Nop struct{}

func (Nop) Persist(context.Context, event.Event) error { return nil }
