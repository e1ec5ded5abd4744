package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/validation"
)

// Handler provides HTTP endpoints for ledger accounts
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/accounts/:key", validation.KeyParamMiddleware("key"))
	g.GET("", h.GetAccount)
	g.GET("/history", h.GetHistory)
}

// RegisterDevRoutes sets up the development faucet. Never mount it outside
// development.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:key/airdrop", validation.KeyParamMiddleware("key"), h.Airdrop)
}

// GetAccount handles GET /accounts/:key
func (h *Handler) GetAccount(c *gin.Context) {
	key := keys.MustParse(c.Param("key"))

	acct, err := h.ledger.Account(c.Request.Context(), key)
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "Account does not exist",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": acct,
	})
}

// GetHistory handles GET /accounts/:key/history
func (h *Handler) GetHistory(c *gin.Context) {
	key := keys.MustParse(c.Param("key"))

	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.ledger.History(c.Request.Context(), key, limit)
	if err != nil {
		h.logger.Error("failed to load history", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// AirdropRequest credits a key-controlled account in development
type AirdropRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Airdrop handles POST /accounts/:key/airdrop
func (h *Handler) Airdrop(c *gin.Context) {
	key := keys.MustParse(c.Param("key"))

	var req AirdropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, ok := validation.ParseAmount(req.Amount)
	if !ok || amount == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive integer in base units",
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), key, amount, "airdrop")
	switch {
	case errors.Is(err, ErrBalanceOverflow):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "balance_overflow",
			"message": "Airdrop would overflow the account balance",
		})
		return
	case errors.Is(err, ErrInvalidAuthorization):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "program_owned",
			"message": "Program-owned accounts cannot receive airdrops",
		})
		return
	case errors.Is(err, ErrOffCurveAccount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "off_curve",
			"message": "Off-curve addresses cannot receive airdrops",
		})
		return
	case err != nil:
		h.logger.Error("airdrop failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to credit account",
		})
		return
	}

	balance, _ := h.ledger.Balance(c.Request.Context(), key)
	c.JSON(http.StatusOK, gin.H{
		"key":      key,
		"lamports": strconv.FormatUint(balance, 10),
	})
}
