// Package dispute freezes orders under dispute.
//
// Creating a dispute sets the order's dispute flag with a single atomic
// update before the dispute record is written, so no maturity or payout
// pass can advance the order once Create returns. Create is idempotent per
// order.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/keymarket/internal/idgen"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/syncutil"
	"github.com/mbd888/keymarket/internal/traces"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDuplicateDispute = errors.New("dispute already exists for order")
	ErrAlreadyResolved  = errors.New("dispute already resolved")
	ErrInvalidOutcome   = errors.New("invalid dispute outcome")
	ErrReasonRequired   = errors.New("dispute reason required")
	ErrOrderIDRequired  = errors.New("order id required")
)

// MaxReasonLength bounds the free-text reason.
const MaxReasonLength = 2000

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusResolvedSeller Status = "RESOLVED_SELLER"
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"
)

// IsTerminal reports whether the dispute has been resolved.
func (s Status) IsTerminal() bool {
	return s == StatusResolvedSeller || s == StatusResolvedBuyer
}

// Dispute is a buyer's claim against an order. Amount is in minor units.
type Dispute struct {
	ID                string            `json:"id"`
	ExternalID        string            `json:"externalId"`
	ProviderDisputeID string            `json:"providerDisputeId,omitempty"`
	OrderID           string            `json:"orderId"`
	OrderExternalID   string            `json:"orderExternalId,omitempty"`
	BuyerID           string            `json:"buyerId"`
	SellerID          string            `json:"sellerId"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Reason            string            `json:"reason"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Status            Status            `json:"status"`
	ResolutionNote    string            `json:"resolutionNote,omitempty"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Store persists disputes. At most one dispute exists per order; Create
// returns ErrDuplicateDispute otherwise.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID string) (*Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	// Resolve moves an OPEN dispute to a terminal status. Returns
	// ErrAlreadyResolved if the dispute is no longer open.
	Resolve(ctx context.Context, id string, status Status, note string, at time.Time) (*Dispute, error)
}

// OrderFreezer is the slice of the order store the dispute flow needs.
type OrderFreezer interface {
	SetDisputed(ctx context.Context, id string, disputed bool) (*order.Order, error)
}

// CreateRequest opens a dispute.
type CreateRequest struct {
	OrderID           string            `json:"orderId"`
	Reason            string            `json:"reason"`
	ExternalDisputeID string            `json:"externalDisputeId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Service manages disputes.
type Service struct {
	store  Store
	orders OrderFreezer
	logger *slog.Logger
	now    func() time.Time
	locks  *syncutil.KeyedMutex // serializes create/resolve per order in-process
}

// NewService creates a dispute service.
func NewService(store Store, orders OrderFreezer) *Service {
	return &Service{
		store:  store,
		orders: orders,
		logger: slog.Default(),
		now:    time.Now,
		locks:  syncutil.NewKeyedMutex(),
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Create freezes the order and records a dispute. If a dispute already
// exists for the order it is returned with created=false, after the
// freeze is re-asserted in case an earlier attempt froze the order but
// never wrote the record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (d *Dispute, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.OrderID(req.OrderID))
	defer span.End()
	defer func() { traces.RecordError(span, err) }()

	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.OrderID == "" {
		return nil, false, ErrOrderIDRequired
	}
	if req.Reason == "" {
		return nil, false, ErrReasonRequired
	}
	if r := []rune(req.Reason); len(r) > MaxReasonLength {
		req.Reason = string(r[:MaxReasonLength])
	}

	defer s.locks.Lock(req.OrderID)()

	existing, err := s.store.GetByOrder(ctx, req.OrderID)
	if err == nil {
		if err := s.reassertFreeze(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrDisputeNotFound) {
		return nil, false, fmt.Errorf("lookup dispute: %w", err)
	}

	// Freeze first. From here on, no automated pass can advance the order.
	o, err := s.orders.SetDisputed(ctx, req.OrderID, true)
	if err != nil {
		return nil, false, fmt.Errorf("freeze order: %w", err)
	}

	amount, err := o.AmountMinor()
	if err != nil {
		return nil, false, fmt.Errorf("convert amount: %w", err)
	}
	now := s.now().UTC()
	d = &Dispute{
		ID:                idgen.WithPrefix(idgen.PrefixDispute),
		ExternalID:        idgen.External(),
		ProviderDisputeID: strings.TrimSpace(req.ExternalDisputeID),
		OrderID:           o.ID,
		OrderExternalID:   o.ExternalID,
		BuyerID:           o.BuyerID,
		SellerID:          o.SellerID,
		Amount:            amount,
		Currency:          o.Currency,
		Reason:            req.Reason,
		Metadata:          req.Metadata,
		Status:            StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.store.Create(ctx, d)
	if errors.Is(err, ErrDuplicateDispute) {
		// Another process won the race; its record is authoritative.
		existing, gerr := s.store.GetByOrder(ctx, req.OrderID)
		if gerr != nil {
			return nil, false, fmt.Errorf("load concurrent dispute: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		// The order stays frozen; a retry finds no dispute and writes one.
		return nil, false, fmt.Errorf("persist dispute: %w", err)
	}

	disputesCreated.Inc()
	s.logger.Info("dispute created", "disputeId", d.ID, "orderId", d.OrderID,
		"amount", d.Amount, "currency", d.Currency)
	return d, true, nil
}

// reassertFreeze keeps the order frozen for any dispute not resolved in the
// seller's favor.
func (s *Service) reassertFreeze(ctx context.Context, d *Dispute) error {
	if d.Status == StatusResolvedSeller {
		return nil
	}
	if _, err := s.orders.SetDisputed(ctx, d.OrderID, true); err != nil {
		return fmt.Errorf("re-freeze order: %w", err)
	}
	return nil
}

// Resolve closes a dispute. RESOLVED_SELLER unfreezes the order so maturity
// resumes; RESOLVED_BUYER keeps it frozen (refunds are handled elsewhere).
// Repeating a resolution with the same outcome re-applies the order side
// effect and returns the dispute.
func (s *Service) Resolve(ctx context.Context, id string, outcome Status, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	defer s.locks.Lock(d.OrderID)()

	resolved, err := s.store.Resolve(ctx, id, outcome, strings.TrimSpace(note), s.now().UTC())
	if errors.Is(err, ErrAlreadyResolved) {
		cur, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status != outcome {
			return nil, fmt.Errorf("%w as %s", ErrAlreadyResolved, cur.Status)
		}
		resolved = cur
	} else if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	// Dispute record first, order second: a failure here leaves the order
	// frozen, and a retry of Resolve finishes the job.
	if _, err := s.orders.SetDisputed(ctx, resolved.OrderID, outcome == StatusResolvedBuyer); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("update order freeze: %w", err)
	}

	s.logger.Info("dispute resolved", "disputeId", id, "orderId", resolved.OrderID, "outcome", outcome)
	return resolved, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the dispute for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// List returns disputes, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, status, limit)
}
