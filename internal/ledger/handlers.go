package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/keymarket/internal/money"
	"github.com/mbd888/keymarket/internal/pagination"
)

// Handler provides read-only HTTP endpoints over the ledger.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes. The group is expected to be
// operator-authenticated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
	r.GET("/ledger/entries/:entryId", h.GetEntry)
}

// GetBalance handles GET /users/:id/balance?currency=EUR
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.Balance(c.Request.Context(), c.Param("id"), c.DefaultQuery("currency", "EUR"))
	if errors.Is(err, money.ErrInvalidCurrency) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("balance lookup failed", "userId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /users/:id/ledger?limit=50&cursor=...
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	entries, next, err := h.ledger.History(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "nextCursor": next})
}

// GetEntry handles GET /ledger/entries/:entryId
func (h *Handler) GetEntry(c *gin.Context) {
	e, err := h.ledger.Get(c.Request.Context(), c.Param("entryId"))
	if errors.Is(err, ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Ledger entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}
