package dispute

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/keymarket/internal/order"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/dispute", h.CreateDispute)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListDisputes)
	r.POST("/admin/disputes/:id/resolve", h.ResolveDispute)
}

type createDisputeBody struct {
	Reason            string            `json:"reason" binding:"required"`
	ExternalDisputeID string            `json:"externalDisputeId"`
	Metadata          map[string]string `json:"metadata"`
}

// CreateDispute handles POST /orders/:id/dispute
func (h *Handler) CreateDispute(c *gin.Context) {
	var body createDisputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, created, err := h.service.Create(c.Request.Context(), CreateRequest{
		OrderID:           c.Param("id"),
		Reason:            body.Reason,
		ExternalDisputeID: body.ExternalDisputeID,
		Metadata:          body.Metadata,
	})
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		return
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrOrderIDRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case err != nil:
		h.logger.Error("dispute create failed", "orderId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_failed", "message": "Failed to create dispute"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"dispute": d, "created": created})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrDisputeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get dispute"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /admin/disputes?status=OPEN&limit=100
func (h *Handler) ListDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list disputes"})
		return
	}
	if list == nil {
		list = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

type resolveBody struct {
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

// ResolveDispute handles POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "outcome is required"})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Status(body.Outcome), body.Note)
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		return
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "outcome must be RESOLVED_SELLER or RESOLVED_BUYER"})
		return
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
		return
	case err != nil:
		h.logger.Error("dispute resolve failed", "disputeId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed", "message": "Failed to resolve dispute"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
