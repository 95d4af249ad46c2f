// Package ledger is the append-only record of money movement.
//
// Entries are never updated or deleted. A user's balance in a currency is
// the sum of their entries in that currency. Every entry carries a unique
// reference, which is what makes releases and corrections idempotent:
// appending a reference that already exists is refused by the store and
// reported to the caller as "already done".
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/keymarket/internal/idgen"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/pagination"
	"github.com/mbd888/keymarket/internal/traces"
)

var (
	ErrDuplicateEntry  = errors.New("ledger entry with this reference already exists")
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAnchorRequired  = errors.New("correction must reference a payout, ledger entry or external id")
	ErrIdempotencyKey  = errors.New("idempotency key required")
	ErrMissingUser     = errors.New("user id required")
	ErrMissingOrderRef = errors.New("order id required")
)

// EntryType classifies why an entry exists.
type EntryType string

const (
	TypeEscrowRelease EntryType = "escrow_release"
	TypeCorrection    EntryType = "admin_correction"
)

// StatusAvailable is the only entry status this pipeline writes.
const StatusAvailable = "available"

// Entry is one immutable ledger line. Amount is signed, in minor units.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        EntryType `json:"type"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference"`
	RelatedID   string    `json:"relatedId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is a derived view over a user's entries in one currency.
type Balance struct {
	UserID    string `json:"userId"`
	Currency  string `json:"currency"`
	Available int64  `json:"available"`
	Entries   int    `json:"entries"`
}

// Store persists ledger entries.
type Store interface {
	// Append inserts e. Returns ErrDuplicateEntry if e.Reference exists.
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByReference(ctx context.Context, reference string) (*Entry, error)
	Sum(ctx context.Context, userID, currency string) (total int64, count int, err error)
	// History lists a user's entries newest first (created_at DESC, id DESC),
	// strictly after the cursor when one is given.
	History(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Entry, error)
}

// ReleaseReference is the idempotency reference for an order's escrow release.
func ReleaseReference(orderID string) string {
	return string(TypeEscrowRelease) + ":" + orderID
}

// CorrectionReference is the idempotency reference for an admin correction.
func CorrectionReference(idempotencyKey string) string {
	return string(TypeCorrection) + ":" + idempotencyKey
}

// ReleaseRequest asks the ledger to make a matured order's funds available
// to its seller.
type ReleaseRequest struct {
	OrderID     string
	SellerID    string
	Currency    string
	AmountMinor int64
}

// ReleaseResult reports the outcome of a release. Skipped means an earlier
// call already released this order; callers treat that as success.
type ReleaseResult struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	EntryID string `json:"entryId,omitempty"`
}

// CorrectionRequest describes a manual signed adjustment. At least one of
// PayoutID, EntryID or ExternalRef must anchor it.
type CorrectionRequest struct {
	IdempotencyKey string
	UserID         string
	Currency       string
	AmountMinor    int64
	Description    string
	PayoutID       string
	EntryID        string
	ExternalRef    string
}

func (r CorrectionRequest) anchor() string {
	switch {
	case r.PayoutID != "":
		return r.PayoutID
	case r.EntryID != "":
		return r.EntryID
	default:
		return r.ExternalRef
	}
}

// Ledger records money movement.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// ReleaseFunds credits the seller with the order amount exactly once per
// order. Business refusals (bad amount or currency) come back as a result
// with Success=false; infrastructure failures come back as an error. A
// zero-total order has nothing to credit and succeeds without an entry.
func (l *Ledger) ReleaseFunds(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.ReleaseFunds",
		append(traces.AmountMinor(req.AmountMinor, req.Currency), traces.OrderID(req.OrderID))...)
	defer span.End()
	done := observeOp("release")
	defer done()

	if req.OrderID == "" {
		return nil, ErrMissingOrderRef
	}
	if req.AmountMinor < 0 {
		return refused("amount must not be negative"), nil
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return refused("invalid currency"), nil
	}
	if strings.TrimSpace(req.SellerID) == "" {
		return refused("order has no seller"), nil
	}
	if req.AmountMinor == 0 {
		releaseOutcomes.WithLabelValues(outcomeSkipped).Inc()
		return &ReleaseResult{Success: true, Skipped: true, Reason: "nothing to release"}, nil
	}

	ref := ReleaseReference(req.OrderID)
	entry := &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixEntry),
		UserID:      req.SellerID,
		Type:        TypeEscrowRelease,
		Amount:      req.AmountMinor,
		Currency:    currency,
		Status:      StatusAvailable,
		Description: "escrow release for order " + req.OrderID,
		Reference:   ref,
		RelatedID:   req.OrderID,
		CreatedAt:   l.now().UTC(),
	}

	err = l.store.Append(ctx, entry)
	if errors.Is(err, ErrDuplicateEntry) {
		existing, gerr := l.store.GetByReference(ctx, ref)
		if gerr != nil {
			traces.RecordError(span, gerr)
			return nil, fmt.Errorf("load existing release: %w", gerr)
		}
		if existing.Amount != req.AmountMinor || existing.Currency != currency {
			l.logger.Warn("escrow release replay with different amount",
				"orderId", req.OrderID,
				"recorded", existing.Amount, "requested", req.AmountMinor,
				"recordedCurrency", existing.Currency, "requestedCurrency", currency)
		}
		releaseOutcomes.WithLabelValues(outcomeSkipped).Inc()
		return &ReleaseResult{Success: true, Skipped: true, Reason: "already released", EntryID: existing.ID}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("append release entry: %w", err)
	}

	releaseOutcomes.WithLabelValues(outcomeApplied).Inc()
	l.logger.Info("escrow released", "orderId", req.OrderID, "sellerId", req.SellerID,
		"amount", req.AmountMinor, "currency", currency, "entryId", entry.ID)
	return &ReleaseResult{Success: true, EntryID: entry.ID}, nil
}

func refused(reason string) *ReleaseResult {
	releaseOutcomes.WithLabelValues(outcomeRefused).Inc()
	return &ReleaseResult{Reason: reason}
}

// HasRelease reports whether the order's release entry exists.
func (l *Ledger) HasRelease(ctx context.Context, orderID string) (bool, error) {
	_, err := l.store.GetByReference(ctx, ReleaseReference(orderID))
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyCorrection appends a signed correction. Replaying an idempotency key
// returns the original entry with replayed=true.
func (l *Ledger) ApplyCorrection(ctx context.Context, req CorrectionRequest) (entry *Entry, replayed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.ApplyCorrection",
		traces.AmountMinor(req.AmountMinor, req.Currency)...)
	defer span.End()
	done := observeOp("correction")
	defer done()

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, false, ErrIdempotencyKey
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, false, ErrMissingUser
	}
	if req.AmountMinor == 0 {
		return nil, false, ErrInvalidAmount
	}
	if req.anchor() == "" {
		return nil, false, ErrAnchorRequired
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, false, err
	}

	ref := CorrectionReference(req.IdempotencyKey)
	entry = &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixEntry),
		UserID:      req.UserID,
		Type:        TypeCorrection,
		Amount:      req.AmountMinor,
		Currency:    currency,
		Status:      StatusAvailable,
		Description: req.Description,
		Reference:   ref,
		RelatedID:   req.anchor(),
		CreatedAt:   l.now().UTC(),
	}
	err = l.store.Append(ctx, entry)
	if errors.Is(err, ErrDuplicateEntry) {
		existing, gerr := l.store.GetByReference(ctx, ref)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, true, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, false, fmt.Errorf("append correction: %w", err)
	}

	l.logger.Info("ledger correction applied", "entryId", entry.ID, "userId", req.UserID,
		"amount", req.AmountMinor, "currency", currency, "anchor", entry.RelatedID)
	return entry, false, nil
}

// Balance sums a user's entries in a currency.
func (l *Ledger) Balance(ctx context.Context, userID, currency string) (*Balance, error) {
	c, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	total, count, err := l.store.Sum(ctx, userID, c)
	if err != nil {
		return nil, err
	}
	return &Balance{UserID: userID, Currency: c, Available: total, Entries: count}, nil
}

// History returns one page of a user's entries, newest first, and the cursor
// for the next page ("" on the last page).
func (l *Ledger) History(ctx context.Context, userID, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	entries, err := l.store.History(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// Get returns a single entry.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	return l.store.Get(ctx, id)
}
