package engine

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-dispatch/internal/fanout"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/payments"
)

var errSettled = errors.New("trip already finished")

// StatusChanged runs on the trip's goroutine after every transition. It must
// not call back into the registry for the same trip.
func (s *Service) StatusChanged(t models.Trip, from models.Status) {
	at := t.LastStamp()
	observability.StatusTransitions.WithLabelValues(string(t.Status)).Inc()
	s.logger.Info("trip status changed", "trip_id", t.ID, "from", from, "to", t.Status, "mover_id", t.AssignedMoverID)

	ev := models.NewStatusEvent(t.ID, t.Status, at)
	s.hub.Publish(t.ID, fanout.Event{Type: fanout.EventStatusChange, TripID: t.ID, Payload: ev})
	if t.AssignedMoverID != "" && (t.Status == models.StatusAccepted || t.Status == models.StatusCancelled) {
		s.hub.Publish(fanout.MoverTopic(t.AssignedMoverID), fanout.Event{Type: fanout.EventStatusChange, TripID: t.ID, Payload: ev})
	}
	s.appendStatus(t.ID, t.Status, at)
	s.ledger.SetStatus(t.ID, t.Status)

	switch t.Status {
	case models.StatusAccepted:
		s.hold(t)
	case models.StatusCompleted, models.StatusCancelled:
		s.dispatcher.Release(t.AssignedMoverID)
		if t.PaymentRef != "" {
			s.finishPayment(t.ID, t.Status, t.PaymentRef)
		}
	}
}

func (s *Service) appendStatus(tripID string, status models.Status, at time.Time) {
	if err := s.sink.AppendStatusEvent(context.Background(), models.NewStatusEvent(tripID, status, at)); err != nil {
		s.logger.Warn("status sink append failed", "trip_id", tripID, "error", err)
	}
}

// hold reserves the fare in the background and records the reference on the
// trip. If the trip finished while the hold was in flight the hold is
// settled straight away.
func (s *Service) hold(t models.Trip) {
	if s.payments == nil {
		return
	}
	req := payments.HoldRequest{TripID: t.ID, RequesterID: t.RequesterID, Amount: t.Price.Total, Currency: t.Price.Currency}
	s.settle.Add(1)
	go func() {
		defer s.settle.Done()
		ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
		defer cancel()
		ref, err := s.payments.Hold(ctx, req)
		if err != nil {
			observability.PaymentsTotal.WithLabelValues("hold", "error").Inc()
			s.logger.Error("payment hold failed", "trip_id", req.TripID, "error", err)
			return
		}
		observability.PaymentsTotal.WithLabelValues("hold", "ok").Inc()

		var final models.Status
		err = s.registry.Update(ctx, req.TripID, func(tr *models.Trip) error {
			if tr.Status.Terminal() {
				final = tr.Status
				return errSettled
			}
			tr.PaymentRef = ref
			return nil
		})
		switch {
		case errors.Is(err, errSettled):
			s.settlePayment(ctx, req.TripID, final, ref)
		case err != nil:
			s.logger.Warn("could not record payment hold", "trip_id", req.TripID, "payment_ref", ref, "error", err)
		}
	}()
}

func (s *Service) finishPayment(tripID string, status models.Status, ref string) {
	if s.payments == nil {
		return
	}
	s.settle.Add(1)
	go func() {
		defer s.settle.Done()
		ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
		defer cancel()
		s.settlePayment(ctx, tripID, status, ref)
	}()
}

func (s *Service) settlePayment(ctx context.Context, tripID string, status models.Status, ref string) {
	op, call := "capture", s.payments.Capture
	if status == models.StatusCancelled {
		op, call = "cancel", s.payments.Cancel
	}
	if err := call(ctx, ref); err != nil {
		observability.PaymentsTotal.WithLabelValues(op, "error").Inc()
		s.logger.Error("payment settlement failed", "trip_id", tripID, "op", op, "payment_ref", ref, "error", err)
		return
	}
	observability.PaymentsTotal.WithLabelValues(op, "ok").Inc()
}
