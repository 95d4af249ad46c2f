package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/keymarket/internal/auth"
	"github.com/mbd888/keymarket/internal/escrow"
	"github.com/mbd888/keymarket/internal/ledger"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/order"
	"github.com/mbd888/keymarket/internal/payout"
	"github.com/mbd888/keymarket/internal/reconciliation"
)

// HeaderIdempotencyKey may carry the idempotency key instead of the body.
const HeaderIdempotencyKey = "Idempotency-Key"

// MaturityRunner runs one escrow maturity batch on demand.
type MaturityRunner interface {
	RunOnce(ctx context.Context) (*escrow.MaturityStats, error)
}

// PayoutRunner runs one payout scheduling pass on demand.
type PayoutRunner interface {
	RunOnce(ctx context.Context) (*payout.Stats, error)
}

// Reconciler runs reconciliation on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconciliation.Report, error)
}

// AnomalyLister lists reconciliation anomalies.
type AnomalyLister interface {
	List(ctx context.Context, status reconciliation.Status, limit int) ([]*reconciliation.Anomaly, error)
}

// Handler provides admin HTTP endpoints. Routes must be registered on a
// group that runs auth.Middleware.
type Handler struct {
	service    *Service
	maturity   MaturityRunner
	payouts    PayoutRunner
	reconciler Reconciler
	anomalies  AnomalyLister
	logger     *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// WithMaturityRunner enables POST /admin/jobs/maturity.
func (h *Handler) WithMaturityRunner(r MaturityRunner) *Handler {
	h.maturity = r
	return h
}

// WithPayoutRunner enables POST /admin/jobs/payouts.
func (h *Handler) WithPayoutRunner(r PayoutRunner) *Handler {
	h.payouts = r
	return h
}

// WithReconciler enables POST /admin/reconcile.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithAnomalyLister enables GET /admin/anomalies.
func (h *Handler) WithAnomalyLister(l AnomalyLister) *Handler {
	h.anomalies = l
	return h
}

// RegisterRoutes sets up admin routes. Remediation writes need super_admin;
// everything else is open to operators.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ops := auth.RequireRole(auth.RoleSuperAdmin, auth.RoleOperator)
	super := auth.RequireRole(auth.RoleSuperAdmin)

	r.GET("/admin/remediation/actions", ops, h.listActions)
	r.GET("/admin/remediation/actions/:key", ops, h.getAction)
	r.POST("/admin/remediation/payouts/:id/force", super, h.forcePayout)
	r.POST("/admin/remediation/ledger/corrections", super, h.ledgerCorrection)
	r.POST("/admin/remediation/anomalies/:id/resolve", super, h.resolveAnomaly)
	r.POST("/admin/remediation/orders/:id/eligibility", super, h.forceEligibility)

	r.GET("/admin/anomalies", ops, h.listAnomalies)
	r.POST("/admin/jobs/maturity", ops, h.runMaturity)
	r.POST("/admin/jobs/payouts", ops, h.runPayouts)
	r.POST("/admin/reconcile", ops, h.triggerReconciliation)
}

func (h *Handler) forcePayout(c *gin.Context) {
	var req ForcePayoutRequest
	if !h.bind(c, &req, &req.Meta) {
		return
	}
	req.PayoutID = c.Param("id")
	h.respond(c, func(p auth.Principal) (*Action, bool, error) {
		return h.service.ForcePayoutStatus(c.Request.Context(), p, req)
	})
}

func (h *Handler) ledgerCorrection(c *gin.Context) {
	var req LedgerCorrectionRequest
	if !h.bind(c, &req, &req.Meta) {
		return
	}
	h.respond(c, func(p auth.Principal) (*Action, bool, error) {
		return h.service.ApplyLedgerCorrection(c.Request.Context(), p, req)
	})
}

func (h *Handler) resolveAnomaly(c *gin.Context) {
	var req ResolveAnomalyRequest
	if !h.bind(c, &req, &req.Meta) {
		return
	}
	req.AnomalyID = c.Param("id")
	h.respond(c, func(p auth.Principal) (*Action, bool, error) {
		return h.service.ResolveAnomaly(c.Request.Context(), p, req)
	})
}

func (h *Handler) forceEligibility(c *gin.Context) {
	var req ForceEligibilityRequest
	if !h.bind(c, &req, &req.Meta) {
		return
	}
	req.OrderID = c.Param("id")
	h.respond(c, func(p auth.Principal) (*Action, bool, error) {
		return h.service.ForceEligibility(c.Request.Context(), p, req)
	})
}

func (h *Handler) listActions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	actions, err := h.service.List(c.Request.Context(), c.Query("targetId"), limit)
	if err != nil {
		h.internalError(c, "failed to list remediation actions", err)
		return
	}
	if actions == nil {
		actions = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

func (h *Handler) getAction(c *gin.Context) {
	action, err := h.service.Get(c.Request.Context(), c.Param("key"))
	if errors.Is(err, ErrActionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No remediation recorded for key"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to load remediation action", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (h *Handler) listAnomalies(c *gin.Context) {
	if h.anomalies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	list, err := h.anomalies.List(c.Request.Context(), reconciliation.Status(c.Query("status")), limit)
	if err != nil {
		h.internalError(c, "failed to list anomalies", err)
		return
	}
	if list == nil {
		list = []*reconciliation.Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": list, "count": len(list)})
}

// runMaturity runs one escrow maturity batch.
func (h *Handler) runMaturity(c *gin.Context) {
	if h.maturity == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maturity job not configured"})
		return
	}
	stats, err := h.maturity.RunOnce(c.Request.Context())
	h.jobResult(c, "stats", stats, err)
}

// runPayouts runs one payout scheduling pass.
func (h *Handler) runPayouts(c *gin.Context) {
	if h.payouts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payout job not configured"})
		return
	}
	stats, err := h.payouts.RunOnce(c.Request.Context())
	h.jobResult(c, "stats", stats, err)
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report, err := h.reconciler.RunOnce(c.Request.Context())
	h.jobResult(c, "report", report, err)
}

func (h *Handler) jobResult(c *gin.Context, key string, result interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrRunInProgress), errors.Is(err, payout.ErrRunInProgress),
		errors.Is(err, reconciliation.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress", "message": err.Error()})
	case err != nil:
		h.internalError(c, "job failed", err)
	default:
		c.JSON(http.StatusOK, gin.H{key: result})
	}
}

// bind decodes the body and fills the idempotency key from the header when
// the body omits it.
func (h *Handler) bind(c *gin.Context, req interface{}, meta *Meta) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return false
	}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = c.GetHeader(HeaderIdempotencyKey)
	}
	return true
}

func (h *Handler) respond(c *gin.Context, run func(auth.Principal) (*Action, bool, error)) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Admin credentials required"})
		return
	}
	action, replayed, err := run(p)
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.internalError(c, "remediation failed", err)
			return
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"action": action, "replayed": replayed})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrJustificationRequired), errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrTargetRequired), errors.Is(err, payout.ErrNotForceable),
		errors.Is(err, order.ErrUnknownEligibility), errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrAnchorRequired),
		errors.Is(err, ledger.ErrMissingUser):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, payout.ErrScheduleNotFound), errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, reconciliation.ErrAnomalyNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, payout.ErrInvalidTransition), errors.Is(err, payout.ErrStatusConflict),
		errors.Is(err, reconciliation.ErrAlreadyResolved):
		return http.StatusConflict, "invalid_state"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}
