// Package ingest forwards location and status events to the append-only
// log. Writes never block the trip goroutines: callers go through Async.
package ingest

import (
	"context"
	"errors"

	"github.com/example/trip-dispatch/internal/models"
)

type Sink interface {
	AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error
	AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error
}

// Multi writes every event to each sink and joins the failures.
type Multi []Sink

func (m Multi) AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendLocationEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendStatusEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) AppendLocationEvent(context.Context, models.LocationEvent) error { return nil }
func (Discard) AppendStatusEvent(context.Context, models.StatusEvent) error     { return nil }
