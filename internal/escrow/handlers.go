package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:txid", h.GetEscrow)
	r.GET("/escrows/:txid/custody", h.LocateCustody)
}

// RegisterProtectedRoutes sets up signed escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.FundEscrow)
	r.POST("/escrows/:txid/release", h.ReleaseEscrow)
	r.POST("/escrows/:txid/cancel", h.CancelEscrow)
}

// FundRequestBody is the JSON body of POST /escrows. Amounts are decimal
// strings in base units.
type FundRequestBody struct {
	TransactionID  string `json:"transactionId"`
	TotalAmount    string `json:"totalAmount" binding:"required"`
	FeeBasisPoints uint16 `json:"feeBasisPoints"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller" binding:"required"`
	Authority      string `json:"authority" binding:"required"`
	FeeWallet      string `json:"feeWallet"`
}

// SettleRequestBody is the JSON body of the release and cancel endpoints.
type SettleRequestBody struct {
	Recipient string `json:"recipient" binding:"required"`
	// Custody defaults to the address derived from the transaction id.
	Custody string `json:"custody"`
}

// FundEscrow handles POST /escrows
func (h *Handler) FundEscrow(c *gin.Context) {
	signer, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Signed request required",
		})
		return
	}

	var body FundRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUint("transactionId", body.TransactionID, 64),
		validation.ValidAmount("totalAmount", body.TotalAmount),
		validation.ValidKey("buyer", body.Buyer),
		validation.Required("seller", body.Seller),
		validation.ValidKey("seller", body.Seller),
		validation.Required("authority", body.Authority),
		validation.ValidKey("authority", body.Authority),
		validation.ValidKey("feeWallet", body.FeeWallet),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The signer funds the escrow, so a named buyer must be the signer.
	if body.Buyer != "" && keys.MustParse(body.Buyer) != signer {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Signer must be the buyer",
		})
		return
	}

	txID := idgen.Seed()
	if body.TransactionID != "" {
		txID, _ = strconv.ParseUint(body.TransactionID, 10, 64)
	}
	total, _ := validation.ParseAmount(body.TotalAmount)
	feeWallet := h.engine.Params().FeeWallet
	if body.FeeWallet != "" {
		feeWallet = keys.MustParse(body.FeeWallet)
	}

	esc, err := h.engine.Fund(c.Request.Context(), FundRequest{
		TransactionID:  txID,
		TotalAmount:    total,
		FeeBasisPoints: body.FeeBasisPoints,
		Buyer:          signer,
		Seller:         keys.MustParse(body.Seller),
		Authority:      keys.MustParse(body.Authority),
		FeeWallet:      feeWallet,
	})
	if err != nil {
		h.writeError(c, "fund", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": esc})
}

// LocateCustody handles GET /escrows/:txid/custody. It derives the custody
// address for a transaction id without touching the ledger, so clients can
// learn where an escrow will live before funding it.
func (h *Handler) LocateCustody(c *gin.Context) {
	txID, ok := txIDParam(c)
	if !ok {
		return
	}
	addr, bump, err := h.engine.Locate(txID)
	if err != nil {
		h.writeError(c, "locate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": strconv.FormatUint(txID, 10),
		"custody":       addr,
		"bump":          bump,
		"program":       h.engine.Params().ProgramID,
	})
}

// GetEscrow handles GET /escrows/:txid
func (h *Handler) GetEscrow(c *gin.Context) {
	txID, ok := txIDParam(c)
	if !ok {
		return
	}

	esc, err := h.engine.Get(c.Request.Context(), txID)
	if err != nil {
		h.writeError(c, "get", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ListEscrows handles GET /escrows?party=&stage=&limit=&cursor=
func (h *Handler) ListEscrows(c *gin.Context) {
	var f Filter

	if p := c.Query("party"); p != "" {
		party, err := keys.Parse(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_key",
				"message": "party must be a base58 encoded 32-byte public key",
			})
			return
		}
		f.Party = &party
	}
	if s := c.Query("stage"); s != "" {
		stage, err := ParseStage(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_stage",
				"message": err.Error(),
			})
			return
		}
		f.Stage = &stage
	}
	f.Limit = pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	f.Cursor = cursor

	escrows, next, err := h.engine.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, "list", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"count":      len(escrows),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// ReleaseEscrow handles POST /escrows/:txid/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.settle(c, ActionReleased)
}

// CancelEscrow handles POST /escrows/:txid/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.settle(c, ActionCancelled)
}

func (h *Handler) settle(c *gin.Context, action string) {
	caller, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Signed request required",
		})
		return
	}
	txID, ok := txIDParam(c)
	if !ok {
		return
	}

	var body SettleRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidKey("recipient", body.Recipient),
		validation.ValidKey("custody", body.Custody),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	var addr keys.PublicKey
	if body.Custody != "" {
		addr = keys.MustParse(body.Custody)
	} else {
		derived, _, err := h.engine.Locate(txID)
		if err != nil {
			h.writeError(c, action, err)
			return
		}
		addr = derived
	}

	esc, err := h.engine.Settle(c.Request.Context(), action, SettleRequest{
		TransactionID: txID,
		Caller:        caller,
		Custody:       addr,
		Recipient:     keys.MustParse(body.Recipient),
	})
	if err != nil {
		h.writeError(c, action, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func txIDParam(c *gin.Context) (uint64, bool) {
	txID, err := strconv.ParseUint(c.Param("txid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transaction_id",
			"message": "Transaction id must be an unsigned 64-bit integer",
		})
		return 0, false
	}
	return txID, true
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{ErrZeroAmount, http.StatusBadRequest, "zero_amount"},
	{ErrInvalidFeeBasisPoints, http.StatusBadRequest, "invalid_fee_basis_points"},
	{ErrMinimumAmount, http.StatusBadRequest, "minimum_amount"},
	{ErrNetAmountTooSmall, http.StatusBadRequest, "net_amount_too_small"},
	{ErrFeeTooSmall, http.StatusBadRequest, "fee_too_small"},
	{ErrAmountLessThanFee, http.StatusBadRequest, "amount_less_than_fee"},
	{ErrArithmeticOverflow, http.StatusBadRequest, "arithmetic_overflow"},
	{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ErrUnauthorizedAuthority, http.StatusForbidden, "unauthorized_authority"},
	{ErrIncorrectFeeWallet, http.StatusForbidden, "incorrect_fee_wallet"},
	{ErrRecipientNotSeller, http.StatusBadRequest, "recipient_not_seller"},
	{ErrRecipientNotBuyer, http.StatusBadRequest, "recipient_not_buyer"},
	{ErrCustodyMismatch, http.StatusBadRequest, "custody_mismatch"},
	{ErrPartyIsCustody, http.StatusBadRequest, "party_is_custody"},
	{ErrNotInitialized, http.StatusNotFound, "not_found"},
	{ErrAlreadyProcessed, http.StatusConflict, "already_processed"},
	{ErrEscrowExists, http.StatusConflict, "escrow_exists"},
	{ErrInvalidRecord, http.StatusUnprocessableEntity, "invalid_record"},
	{ledger.ErrInsufficientFunds, http.StatusBadRequest, "insufficient_balance"},
	{ledger.ErrBalanceOverflow, http.StatusConflict, "balance_overflow"},
	{ledger.ErrOffCurveAccount, http.StatusBadRequest, "off_curve_recipient"},
	{ledger.ErrSelfTransfer, http.StatusBadRequest, "self_transfer"},
	{ledger.ErrConflict, http.StatusServiceUnavailable, "conflict"},
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": m.code, "message": err.Error()})
			return
		}
	}
	h.logger.Error("escrow operation failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Escrow operation failed",
	})
}
