// Package admin is the remediation escape hatch for states the automated
// pipeline cannot finish on its own. Every operation needs a super_admin,
// a written justification and a caller-supplied idempotency key, and is
// recorded in an append-only action log.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/keymarket/internal/auth"
	"github.com/mbd888/keymarket/internal/idgen"
	"github.com/mbd888/keymarket/internal/ledger"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/payout"
	"github.com/mbd888/keymarket/internal/reconciliation"
	"github.com/mbd888/keymarket/internal/syncutil"
	"github.com/mbd888/keymarket/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// MinJustificationLength is the minimum justification length in characters.
const MinJustificationLength = 20

const maxIdempotencyKeyLength = 255

var (
	ErrForbidden              = errors.New("remediation requires the super_admin role")
	ErrJustificationRequired  = fmt.Errorf("justification of at least %d characters required", MinJustificationLength)
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict    = errors.New("idempotency key already used for a different operation")
	ErrTargetRequired         = errors.New("target id required")
	ErrDuplicateKey           = errors.New("remediation action already recorded for key")
	ErrActionNotFound         = errors.New("remediation action not found")
)

// Operation names a remediation operation.
type Operation string

const (
	OpForcePayoutStatus Operation = "force_payout_status"
	OpLedgerCorrection  Operation = "ledger_correction"
	OpResolveAnomaly    Operation = "resolve_anomaly"
	OpForceEligibility  Operation = "force_eligibility"
)

// Action is one recorded remediation.
type Action struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Operation      Operation       `json:"operation"`
	TargetID       string          `json:"targetId"`
	Actor          string          `json:"actor"`
	Role           auth.Role       `json:"role"`
	Justification  string          `json:"justification"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Store is the append-only remediation log.
type Store interface {
	// Create returns ErrDuplicateKey when the idempotency key exists.
	Create(ctx context.Context, a *Action) error
	GetByKey(ctx context.Context, key string) (*Action, error)
	// List returns actions newest first; an empty targetID matches all.
	List(ctx context.Context, targetID string, limit int) ([]*Action, error)
}

// PayoutForcer moves stuck payouts to a terminal state.
type PayoutForcer interface {
	ForceStatus(ctx context.Context, id string, to payout.Status, reason string) (*payout.Schedule, error)
}

// LedgerCorrector appends correction entries.
type LedgerCorrector interface {
	ApplyCorrection(ctx context.Context, req ledger.CorrectionRequest) (*ledger.Entry, bool, error)
}

// AnomalyResolver closes reconciliation anomalies.
type AnomalyResolver interface {
	Resolve(ctx context.Context, id, resolution, resolvedBy string, at time.Time) (*reconciliation.Anomaly, error)
}

// EligibilityForcer sets an order's eligibility unconditionally.
type EligibilityForcer interface {
	ForceEligibility(ctx context.Context, id string, to order.Eligibility, at time.Time) (*order.Order, error)
}

// Meta carries the fields every remediation request needs.
type Meta struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Justification  string `json:"justification"`
}

// ForcePayoutRequest forces a payout to FAILED or CANCELLED.
type ForcePayoutRequest struct {
	Meta
	PayoutID string        `json:"payoutId"`
	Status   payout.Status `json:"status"`
	Reason   string        `json:"reason"`
}

// LedgerCorrectionRequest applies a signed ledger entry. At least one of
// PayoutID, EntryID and ExternalRef anchors it.
type LedgerCorrectionRequest struct {
	Meta
	UserID      string `json:"userId"`
	Currency    string `json:"currency"`
	AmountMinor int64  `json:"amountMinor"`
	Amount      string `json:"amount,omitempty"` // signed major units ("-12.50"), used when AmountMinor is 0
	Description string `json:"description"`
	PayoutID    string `json:"payoutId,omitempty"`
	EntryID     string `json:"entryId,omitempty"`
	ExternalRef string `json:"externalRef,omitempty"`
}

// ResolveAnomalyRequest marks an anomaly resolved.
type ResolveAnomalyRequest struct {
	Meta
	AnomalyID string `json:"anomalyId"`
	Note      string `json:"note"`
}

// ForceEligibilityRequest sets an order's eligibility.
type ForceEligibilityRequest struct {
	Meta
	OrderID     string            `json:"orderId"`
	Eligibility order.Eligibility `json:"eligibility"`
}

// Service executes remediation operations.
type Service struct {
	store     Store
	payouts   PayoutForcer
	ledger    LedgerCorrector
	anomalies AnomalyResolver
	orders    EligibilityForcer
	logger    *slog.Logger
	now       func() time.Time
	keyLocks  *syncutil.KeyedMutex
}

// NewService creates a remediation service.
func NewService(store Store, payouts PayoutForcer, ledger LedgerCorrector, anomalies AnomalyResolver, orders EligibilityForcer) *Service {
	return &Service{
		store:     store,
		payouts:   payouts,
		ledger:    ledger,
		anomalies: anomalies,
		orders:    orders,
		logger:    slog.Default(),
		now:       time.Now,
		keyLocks:  syncutil.NewKeyedMutex(),
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ForcePayoutStatus forces a payout schedule to FAILED or CANCELLED.
func (s *Service) ForcePayoutStatus(ctx context.Context, p auth.Principal, req ForcePayoutRequest) (*Action, bool, error) {
	return s.execute(ctx, p, OpForcePayoutStatus, req.PayoutID, req.Meta, func(ctx context.Context) (interface{}, error) {
		reason := req.Reason
		if reason == "" {
			reason = req.Justification
		}
		return s.payouts.ForceStatus(ctx, req.PayoutID, req.Status, reason)
	})
}

// ApplyLedgerCorrection appends a correction entry keyed by the request's
// idempotency key.
func (s *Service) ApplyLedgerCorrection(ctx context.Context, p auth.Principal, req LedgerCorrectionRequest) (*Action, bool, error) {
	return s.execute(ctx, p, OpLedgerCorrection, req.UserID, req.Meta, func(ctx context.Context) (interface{}, error) {
		desc := req.Description
		if desc == "" {
			desc = req.Justification
		}
		amount := req.AmountMinor
		if amount == 0 && req.Amount != "" {
			var err error
			if amount, err = money.ParseMinor(req.Amount, req.Currency); err != nil {
				return nil, err
			}
		}
		entry, _, err := s.ledger.ApplyCorrection(ctx, ledger.CorrectionRequest{
			IdempotencyKey: req.IdempotencyKey,
			UserID:         req.UserID,
			Currency:       req.Currency,
			AmountMinor:    amount,
			Description:    desc,
			PayoutID:       req.PayoutID,
			EntryID:        req.EntryID,
			ExternalRef:    req.ExternalRef,
		})
		return entry, err
	})
}

// ResolveAnomaly closes a reconciliation anomaly with a note.
func (s *Service) ResolveAnomaly(ctx context.Context, p auth.Principal, req ResolveAnomalyRequest) (*Action, bool, error) {
	return s.execute(ctx, p, OpResolveAnomaly, req.AnomalyID, req.Meta, func(ctx context.Context) (interface{}, error) {
		note := req.Note
		if note == "" {
			note = req.Justification
		}
		return s.anomalies.Resolve(ctx, req.AnomalyID, note, p.Actor, s.now().UTC())
	})
}

// ForceEligibility sets an order's eligibility state, the only way to move
// an order backwards.
func (s *Service) ForceEligibility(ctx context.Context, p auth.Principal, req ForceEligibilityRequest) (*Action, bool, error) {
	return s.execute(ctx, p, OpForceEligibility, req.OrderID, req.Meta, func(ctx context.Context) (interface{}, error) {
		e, err := order.ParseEligibility(string(req.Eligibility))
		if err != nil {
			return nil, err
		}
		return s.orders.ForceEligibility(ctx, req.OrderID, e, s.now().UTC())
	})
}

// Get returns the action recorded under an idempotency key.
func (s *Service) Get(ctx context.Context, key string) (*Action, error) {
	return s.store.GetByKey(ctx, key)
}

// List returns recorded actions, newest first.
func (s *Service) List(ctx context.Context, targetID string, limit int) ([]*Action, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, targetID, limit)
}

func (s *Service) execute(ctx context.Context, p auth.Principal, op Operation, target string, meta Meta,
	fn func(context.Context) (interface{}, error)) (*Action, bool, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Remediate",
		traces.Operation(string(op)), attribute.String("admin.target", target))
	defer span.End()

	meta.IdempotencyKey = strings.TrimSpace(meta.IdempotencyKey)
	if err := validate(p, target, meta); err != nil {
		remediationTotal.WithLabelValues(string(op), "rejected").Inc()
		return nil, false, err
	}

	unlock, err := s.keyLocks.LockContext(ctx, meta.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	if existing, err := s.replay(ctx, op, target, meta.IdempotencyKey); existing != nil || err != nil {
		return existing, existing != nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		traces.RecordError(span, err)
		remediationTotal.WithLabelValues(string(op), "failed").Inc()
		s.logger.Warn("remediation failed", "operation", op, "targetId", target,
			"actor", p.Actor, "error", err)
		return nil, false, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode remediation result: %w", err)
	}
	action := &Action{
		ID:             idgen.WithPrefix(idgen.PrefixRemediation),
		IdempotencyKey: meta.IdempotencyKey,
		Operation:      op,
		TargetID:       target,
		Actor:          p.Actor,
		Role:           p.Role,
		Justification:  strings.TrimSpace(meta.Justification),
		Result:         raw,
		CreatedAt:      s.now().UTC(),
	}
	err = s.store.Create(ctx, action)
	if errors.Is(err, ErrDuplicateKey) {
		// Another instance recorded the key first.
		existing, rerr := s.replay(ctx, op, target, meta.IdempotencyKey)
		if existing != nil || rerr != nil {
			return existing, existing != nil, rerr
		}
	}
	if err != nil {
		traces.RecordError(span, err)
		// The operation itself landed; operators see it in the target's state.
		s.logger.Error("remediation applied but not recorded", "operation", op, "targetId", target,
			"idempotencyKey", meta.IdempotencyKey, "error", err)
		return nil, false, fmt.Errorf("record remediation: %w", err)
	}

	remediationTotal.WithLabelValues(string(op), "applied").Inc()
	s.logger.Warn("remediation applied", "operation", op, "targetId", target, "actor", p.Actor,
		"actionId", action.ID, "justification", action.Justification)
	return action, false, nil
}

// replay returns the recorded action for key when it matches op and target.
func (s *Service) replay(ctx context.Context, op Operation, target, key string) (*Action, error) {
	existing, err := s.store.GetByKey(ctx, key)
	if errors.Is(err, ErrActionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing.Operation != op || existing.TargetID != target {
		return nil, ErrIdempotencyConflict
	}
	remediationTotal.WithLabelValues(string(op), "replayed").Inc()
	return existing, nil
}

func validate(p auth.Principal, target string, meta Meta) error {
	if p.Role != auth.RoleSuperAdmin {
		return ErrForbidden
	}
	if strings.TrimSpace(target) == "" {
		return ErrTargetRequired
	}
	if meta.IdempotencyKey == "" || len(meta.IdempotencyKey) > maxIdempotencyKeyLength {
		return ErrIdempotencyKeyRequired
	}
	if utf8.RuneCountInString(strings.TrimSpace(meta.Justification)) < MinJustificationLength {
		return ErrJustificationRequired
	}
	return nil
}
