package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tradewind-labs/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the trade lifecycle. Authentication
// and sensitive-action confirmation happen upstream; this layer trusts the
// identity the middleware put on the context.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.Create)
	r.GET("/trades/:id", h.Get)
	r.GET("/trades/:id/events", h.ListEvents)
	r.POST("/trades/:id/escrow-address", h.AssignEscrowAddress)
	r.POST("/trades/:id/payment-sent", h.MarkPaymentSent)
	r.POST("/trades/:id/payment-confirmed", h.ConfirmPayment)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.Dispute)
}

type createTradeRequest struct {
	OfferID             string `json:"offerId" binding:"required"`
	SellerID            string `json:"sellerId" binding:"required"`
	AmountAtomic        uint64 `json:"amountAtomic" binding:"required"`
	OfferMinAtomic      uint64 `json:"offerMinAtomic"`
	OfferMaxAtomic      uint64 `json:"offerMaxAtomic"`
	PricePerXMR         string `json:"pricePerXmr" binding:"required"`
	Currency            string `json:"currency" binding:"required"`
	BuyerPayoutAddress  string `json:"buyerPayoutAddress" binding:"required"`
	SellerRefundAddress string `json:"sellerRefundAddress"`
	ExpiresInMinutes    int    `json:"expiresInMinutes"`
}

// Create handles POST /v1/trades
func (h *Handler) Create(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	price, err := decimal.NewFromString(req.PricePerXMR)
	if err != nil || price.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price",
			"message": "pricePerXmr must be a positive decimal string",
		})
		return
	}

	if !validation.IsValidMoneroAddress(req.BuyerPayoutAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "buyerPayoutAddress is not a valid address",
		})
		return
	}
	if req.SellerRefundAddress != "" && !validation.IsValidMoneroAddress(req.SellerRefundAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "sellerRefundAddress is not a valid address",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), CreateRequest{
		OfferID:             req.OfferID,
		BuyerID:             c.GetString("actorID"),
		SellerID:            req.SellerID,
		AmountAtomic:        req.AmountAtomic,
		OfferMinAtomic:      req.OfferMinAtomic,
		OfferMaxAtomic:      req.OfferMaxAtomic,
		PricePerXMR:         price,
		Currency:            req.Currency,
		BuyerPayoutAddress:  req.BuyerPayoutAddress,
		SellerRefundAddress: req.SellerRefundAddress,
		ExpiresIn:           time.Duration(req.ExpiresInMinutes) * time.Minute,
	})
	if err != nil {
		status := http.StatusInternalServerError
		code := "create_failed"
		switch {
		case errors.Is(err, ErrSameParty):
			status = http.StatusBadRequest
			code = "same_party"
		case errors.Is(err, ErrAmountOutsideOffer):
			status = http.StatusBadRequest
			code = "amount_outside_offer"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// Get handles GET /v1/trades/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Trade not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListEvents handles GET /v1/trades/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := h.service.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// AssignEscrowAddress handles POST /v1/trades/:id/escrow-address
func (h *Handler) AssignEscrowAddress(c *gin.Context) {
	t, err := h.service.AssignEscrowAddress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLifecycleError(c, err, "assign_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// MarkPaymentSent handles POST /v1/trades/:id/payment-sent
func (h *Handler) MarkPaymentSent(c *gin.Context) {
	t, err := h.service.MarkPaymentSent(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		writeLifecycleError(c, err, "mark_paid_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ConfirmPayment handles POST /v1/trades/:id/payment-confirmed
func (h *Handler) ConfirmPayment(c *gin.Context) {
	t, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), c.GetBool("sensitiveApproved"))
	if err != nil {
		writeLifecycleError(c, err, "confirm_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), c.GetBool("sensitiveApproved"))
	if err != nil {
		writeLifecycleError(c, err, "cancel_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/trades/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("actorID"), reason)
	if err != nil {
		writeLifecycleError(c, err, "dispute_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// writeLifecycleError maps service errors onto HTTP statuses shared by the
// lifecycle endpoints.
func writeLifecycleError(c *gin.Context, err error, fallbackCode string) {
	status := http.StatusInternalServerError
	code := fallbackCode
	switch {
	case errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrNotApproved):
		status = http.StatusForbidden
		code = "approval_required"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
