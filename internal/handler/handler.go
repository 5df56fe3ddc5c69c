// Package handler is the gin HTTP adapter in front of the exchange
// core. It is a client adapter in the core's terms: reading the
// caller's user id and the HTTP transport live here, never inside
// internal/exchange.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nikolaydubina/fpdecimal"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/exchange"
	"github.com/nathanyu/stock-exchange/internal/submission"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	core *exchange.Core
}

// NewHandler creates a new Handler.
func NewHandler(core *exchange.Core) *Handler {
	return &Handler{core: core}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.SubmitOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)
		v1.GET("/orders", h.ListMyOrders)
		v1.GET("/trades", h.ListMyTrades)
		v1.GET("/account", h.GetAccount)
		v1.GET("/marketdata/orderBook/L2", h.GetL2OrderBook)
		v1.GET("/marketdata/candles", h.GetCandles)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "stock-exchange"})
}

// SubmitOrderRequest is the request body for POST /v1/orders.
type SubmitOrderRequest struct {
	Symbol     string              `json:"symbol" binding:"required"`
	Side       domain.Side         `json:"side" binding:"required"`
	Method     domain.Method       `json:"method" binding:"required"`
	LimitPrice *fpdecimal.Decimal  `json:"limitPrice"`
	Quantity   int64               `json:"quantity" binding:"required,gt=0"`
}

// SubmitOrder handles POST /v1/orders.
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.core.SubmitOrder(c.Request.Context(), submission.Input{
		UserID:     currentUserID(c),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Method:     req.Method,
		LimitPrice: req.LimitPrice,
		Quantity:   req.Quantity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"orderId": result.OrderID, "status": result.Status})
}

// CancelOrder handles DELETE /v1/orders/:id.
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID := c.Param("id")
	if err := h.core.CancelOrder(c.Request.Context(), orderID, currentUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListMyOrders handles GET /v1/orders.
func (h *Handler) ListMyOrders(c *gin.Context) {
	orders, err := h.core.ListMyOrders(currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// ListMyTrades handles GET /v1/trades.
func (h *Handler) ListMyTrades(c *gin.Context) {
	trades, err := h.core.ListMyTrades(currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

// GetAccount handles GET /v1/account.
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.core.GetAccount(currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// GetL2OrderBook handles GET /v1/marketdata/orderBook/L2.
func (h *Handler) GetL2OrderBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "10"))
	if err != nil || depth <= 0 {
		depth = 10
	}
	snapshot, err := h.core.GetL2Snapshot(symbol, depth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetCandles handles GET /v1/marketdata/candles.
func (h *Handler) GetCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	period := domain.CandlePeriod(c.DefaultQuery("period", string(domain.Period1m)))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	candles, err := h.core.GetCandles(symbol, period, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	c.JSON(http.StatusOK, candles)
}

// currentUserID reads the identity the collaborator authentication
// layer is assumed to have attached to the request (§1 out-of-scope:
// the core trusts a verified user id per request).
func currentUserID(c *gin.Context) string {
	if uid := c.GetHeader("X-User-Id"); uid != "" {
		return uid
	}
	return c.Query("userId")
}

func writeError(c *gin.Context, err error) {
	var xe *xerrors.Error
	if e, ok := err.(*xerrors.Error); ok {
		xe = e
	}
	if xe == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch xe.Kind {
	case xerrors.Validation:
		status = http.StatusBadRequest
	case xerrors.Authorization:
		status = http.StatusForbidden
	case xerrors.NotFound:
		status = http.StatusNotFound
	case xerrors.InsufficientFunds, xerrors.InsufficientShares:
		status = http.StatusUnprocessableEntity
	case xerrors.Conflict:
		status = http.StatusConflict
	case xerrors.Invariant:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": xe.Message, "kind": xe.Kind})
}
