// Package payments settles trip fares with manual-capture PaymentIntents:
// funds are held when a mover accepts, captured on completion and released
// on cancellation.
package payments

import (
	"context"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// HoldRequest describes the funds to reserve for one trip.
type HoldRequest struct {
	TripID      string
	RequesterID string
	Amount      float64
	Currency    string
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(AmountMinor(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("trip_id", req.TripID)
	if req.RequesterID != "" {
		params.AddMetadata("requester_id", req.RequesterID)
	}
	params.SetIdempotencyKey("hold-" + req.TripID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}

var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true, "mga": true,
	"pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// AmountMinor converts a fare to the smallest currency unit Stripe expects.
func AmountMinor(amount float64, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}
