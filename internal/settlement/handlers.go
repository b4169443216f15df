package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/validation"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

// Handler provides the fund-moving HTTP endpoints. Every route here is
// sensitive: the upstream gateway must set the approval flag or the
// executor refuses.
type Handler struct {
	exec *Executor
}

// NewHandler creates a new settlement handler.
func NewHandler(exec *Executor) *Handler {
	return &Handler{exec: exec}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/refund", h.Refund)
	r.POST("/trades/:id/resolve", h.ResolveDispute)
	r.POST("/trades/:id/resolve-ambiguous", h.ResolveAmbiguous)
	r.POST("/trades/:id/sweep-surplus", h.SweepSurplus)
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	out, err := h.exec.Release(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), c.GetBool("sensitiveApproved"))
	if err != nil {
		writeSettlementError(c, err, "release_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": out})
}

// Refund handles POST /v1/trades/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	out, err := h.exec.Refund(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), c.GetBool("sensitiveApproved"))
	if err != nil {
		writeSettlementError(c, err, "refund_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": out})
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=release refund"`
}

// ResolveDispute handles POST /v1/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome must be release or refund",
		})
		return
	}

	out, err := h.exec.ResolveDispute(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), req.Outcome, c.GetBool("sensitiveApproved"))
	if err != nil {
		writeSettlementError(c, err, "resolve_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": out})
}

type resolveAmbiguousRequest struct {
	TxHash string `json:"txHash" binding:"required"`
	Kind   string `json:"kind" binding:"required,oneof=release refund"`
}

// ResolveAmbiguous handles POST /v1/trades/:id/resolve-ambiguous
func (h *Handler) ResolveAmbiguous(c *gin.Context) {
	var req resolveAmbiguousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash and kind (release|refund) are required",
		})
		return
	}
	if !validation.IsValidTxHash(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": "txHash is not a well-formed transaction hash",
		})
		return
	}

	res, err := h.exec.ResolveAmbiguous(c.Request.Context(), c.Param("id"),
		req.TxHash, req.Kind, c.GetString("actorID"))
	if err != nil {
		writeSettlementError(c, err, "resolve_ambiguous_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolution": res})
}

type sweepRequest struct {
	DestAddress string `json:"destAddress" binding:"required"`
}

// SweepSurplus handles POST /v1/trades/:id/sweep-surplus
func (h *Handler) SweepSurplus(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "destAddress is required",
		})
		return
	}
	if !validation.IsValidMoneroAddress(req.DestAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "destAddress is not a valid address",
		})
		return
	}

	out, err := h.exec.SweepSurplus(c.Request.Context(), c.Param("id"),
		req.DestAddress, c.GetString("actorID"), c.GetBool("sensitiveApproved"))
	if err != nil {
		writeSettlementError(c, err, "sweep_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": out})
}

func writeSettlementError(c *gin.Context, err error, fallbackCode string) {
	status := http.StatusInternalServerError
	code := fallbackCode

	var te *walletrpc.TransferError
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, trade.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, trade.ErrNotApproved):
		status = http.StatusForbidden
		code = "approval_required"
	case errors.Is(err, ErrInsufficientEscrowFunds):
		status = http.StatusConflict
		code = "insufficient_escrow_funds"
	case errors.Is(err, ErrNoPayoutAddress), errors.Is(err, ErrNoRefundAddress):
		status = http.StatusUnprocessableEntity
		code = "missing_address"
	case errors.As(err, &te) && te.Ambiguous:
		// The transfer may or may not have happened; the caller must go
		// through resolve-ambiguous before retrying.
		status = http.StatusBadGateway
		code = "transfer_ambiguous"
	case errors.Is(err, walletrpc.ErrUnavailable):
		status = http.StatusBadGateway
		code = "wallet_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
