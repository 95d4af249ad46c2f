package payout

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payout schedules.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up operator-readable payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.ListPayouts)
	r.GET("/payouts/:id", h.GetPayout)
	r.GET("/orders/:id/payout", h.GetOrderPayout)
}

// RegisterAdminRoutes sets up payout execution routes used by the payout
// runner to report progress.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/payouts/:id/transfer", h.RecordTransfer)
	r.POST("/admin/payouts/:id/paid", h.MarkPaid)
}

// ListPayouts handles GET /payouts?status=SCHEDULED&window=2026-01-31&limit=100
func (h *Handler) ListPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.List(c.Request.Context(), ListFilter{
		Status:     Status(c.Query("status")),
		WindowDate: c.Query("window"),
		Limit:      limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list payouts"})
		return
	}
	if list == nil {
		list = []*Schedule{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": list, "count": len(list)})
}

// GetPayout handles GET /payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	s, err := h.service.Get(c.Request.Context(), c.Param("id"))
	h.respond(c, s, err)
}

// GetOrderPayout handles GET /orders/:id/payout
func (h *Handler) GetOrderPayout(c *gin.Context) {
	s, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	h.respond(c, s, err)
}

type transferBody struct {
	TransferID string `json:"transferId" binding:"required"`
}

// RecordTransfer handles POST /admin/payouts/:id/transfer
func (h *Handler) RecordTransfer(c *gin.Context) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "transferId is required"})
		return
	}
	s, err := h.service.RecordTransfer(c.Request.Context(), c.Param("id"), body.TransferID)
	h.respond(c, s, err)
}

// MarkPaid handles POST /admin/payouts/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	s, err := h.service.Transition(c.Request.Context(), c.Param("id"), StatusPaid, "")
	h.respond(c, s, err)
}

func (h *Handler) respond(c *gin.Context, s *Schedule, err error) {
	switch {
	case errors.Is(err, ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout schedule not found"})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrTransferRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case err != nil:
		h.logger.Error("payout request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Payout operation failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"payout": s})
	}
}
