package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

// Handler exposes on-demand reconciliation. The periodic pass covers the
// steady state; this endpoint lets a trade page trigger an immediate check
// after the buyer reports a deposit.
type Handler struct {
	rec *Reconciler
}

// NewHandler creates a new reconciliation handler.
func NewHandler(rec *Reconciler) *Handler {
	return &Handler{rec: rec}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/reconcile", h.CheckTrade)
}

// CheckTrade handles POST /v1/trades/:id/reconcile
func (h *Handler) CheckTrade(c *gin.Context) {
	res, err := h.rec.CheckTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "reconcile_failed"
		switch {
		case errors.Is(err, trade.ErrTradeNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, walletrpc.ErrUnavailable):
			status = http.StatusBadGateway
			code = "wallet_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciliation": res})
}
