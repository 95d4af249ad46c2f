package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/keymarket/internal/circuitbreaker"
	"github.com/mbd888/keymarket/internal/retry"
	"github.com/mbd888/keymarket/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe reads Connect transfers through the Stripe API.
type Stripe struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

const breakerKey = "stripe"

// NewStripe creates a Stripe-backed provider.
func NewStripe(secretKey string, logger *slog.Logger) *Stripe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stripe{
		api:     client.New(secretKey, nil),
		breaker: circuitbreaker.New(5, time.Minute),
		logger:  logger,
	}
}

// GetTransfer fetches a transfer, retrying transient API failures. Once the
// API has failed repeatedly, lookups fail fast with circuitbreaker.ErrOpen
// until a probe succeeds.
func (s *Stripe) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	ctx, span := traces.StartSpan(ctx, "provider.GetTransfer", traces.Reference(id))
	defer span.End()

	var tr *stripe.Transfer
	lookup := func() error {
		return retry.Do(ctx, retry.Lookup, func() error {
			var err error
			tr, err = s.api.Transfers.Get(id, &stripe.TransferParams{Params: stripe.Params{Context: ctx}})
			if err == nil {
				return nil
			}
			var se *stripe.Error
			if errors.As(err, &se) {
				if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
					return retry.Permanent(ErrTransferNotFound)
				}
				if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
					return retry.Permanent(err)
				}
			}
			return err
		})
	}
	err := s.breaker.Do(breakerKey, lookup, func(err error) bool {
		return !errors.Is(err, ErrTransferNotFound)
	})
	if err != nil {
		traces.RecordError(span, err)
		if !errors.Is(err, ErrTransferNotFound) {
			s.logger.Warn("stripe transfer lookup failed", "transferId", id, "error", err)
		}
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}

	return &Transfer{
		ID:             tr.ID,
		AmountMinor:    tr.Amount,
		Currency:       strings.ToUpper(string(tr.Currency)),
		AmountReversed: tr.AmountReversed,
		Reversed:       tr.Reversed,
	}, nil
}
