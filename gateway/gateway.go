// Package gateway is the HTTP edge: REST order entry, depth queries, the
// websocket upgrade and the operational endpoints. Amounts cross this
// boundary as decimal strings; everything behind it is scaled integers.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openalpha/spot-core/book"
	"github.com/openalpha/spot-core/engine"
	"github.com/openalpha/spot-core/health"
	"github.com/openalpha/spot-core/marketdata"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

const maxDepthLevels = 100

// Server hosts the HTTP surface.
type Server struct {
	eng     *engine.Engine
	st      *store.Store
	hub     *marketdata.Hub
	checker *health.Checker
	log     *zap.Logger

	httpSrv *http.Server
}

// New wires the router.
func New(addr string, eng *engine.Engine, st *store.Store, hub *marketdata.Hub, checker *health.Checker, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		eng:     eng,
		st:      st,
		hub:     hub,
		checker: checker,
		log:     logger.With(zap.String("component", "gateway")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.placeOrder)
		v1.DELETE("/orders/:orderId", s.cancelOrder)
		v1.GET("/orders/:orderId", s.getOrder)
		v1.GET("/orders", s.listOrders)
		v1.GET("/depth", s.getDepth)
		v1.GET("/assets/:currency", s.getAsset)
	}

	if hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			hub.ServeWS(c.Writer, c.Request)
		})
	}
	if checker != nil {
		router.GET("/healthz", checker.LiveHandler())
		router.GET("/readyz", checker.ReadyHandler())
	}
	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("gateway listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("took", time.Since(start)))
		}
	}
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	Side          string `json:"side" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Quantity      string `json:"quantity" binding:"required"`
	Price         string `json:"price"`
	ClientOrderID string `json:"clientOrderId" binding:"max=64"`
}

type orderResponse struct {
	ID             int64  `json:"id"`
	ClientOrderID  string `json:"clientOrderId,omitempty"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	FilledQuantity string `json:"filledQuantity"`
	QuoteSpent     string `json:"quoteSpent"`
	AveragePrice   string `json:"averagePrice"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type tradeResponse struct {
	ID         int64  `json:"id"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	TakerSide  string `json:"takerSide"`
	ExecutedAt int64  `json:"executedAt"`
}

type depthLevelResponse struct {
	Price    string `json:"price"`
	Quantity string `json:"qty"`
}

func (s *Server) placeOrder(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request: "+err.Error())
		return
	}

	side := types.SideFromString(req.Side)
	if side == types.SideUnspecified {
		badRequest(c, "invalid side")
		return
	}
	orderType := types.OrderTypeFromString(req.Type)
	if orderType == types.OrderTypeUnspecified {
		badRequest(c, "invalid type")
		return
	}
	quantity, err := types.ParseAmount(req.Quantity)
	if err != nil {
		badRequest(c, "invalid quantity: "+err.Error())
		return
	}
	var price types.Amount
	if req.Price != "" {
		if price, err = types.ParseAmount(req.Price); err != nil {
			badRequest(c, "invalid price: "+err.Error())
			return
		}
	}

	result, err := s.eng.Place(c.Request.Context(), engine.PlaceRequest{
		UserID:        userID,
		Symbol:        req.Symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      quantity,
		Price:         price,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		s.engineError(c, err)
		return
	}

	trades := make([]tradeResponse, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, toTradeResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"order":  toOrderResponse(result.Order),
		"trades": trades,
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	orderID, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil {
		badRequest(c, "invalid order id")
		return
	}
	if err := s.eng.Cancel(c.Request.Context(), userID, orderID); err != nil {
		s.engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getOrder(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	orderID, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil {
		badRequest(c, "invalid order id")
		return
	}
	o, err := s.st.GetOrder(c.Request.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	if o.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "order belongs to another user"})
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (s *Server) listOrders(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	ids, err := s.st.UserOrderIDs(c.Request.Context(), userID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	orders := make([]orderResponse, 0, len(ids))
	for _, id := range ids {
		o, err := s.st.GetOrder(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.internalError(c, err)
			return
		}
		orders = append(orders, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getDepth(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		badRequest(c, "symbol is required")
		return
	}
	levels := 20
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "invalid depth")
			return
		}
		levels = n
	}
	if levels > maxDepthLevels {
		levels = maxDepthLevels
	}

	bids, asks, err := s.eng.Depth(symbol, levels)
	if err != nil {
		s.engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"bids":   toDepthResponse(bids),
		"asks":   toDepthResponse(asks),
		"ts":     types.NowMillis(),
	})
}

func (s *Server) getAsset(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	currency := c.Param("currency")
	a, err := s.st.Asset(c.Request.Context(), userID, currency)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":  a.Currency,
		"available": a.Available.String(),
		"frozen":    a.Frozen.String(),
		"updatedAt": a.UpdatedAt,
	})
}

// userID reads the authenticated user from the X-User-Id header. Upstream
// auth terminates before this service.
func (s *Server) userID(c *gin.Context) (int64, bool) {
	v := c.GetHeader("X-User-Id")
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id"})
		return 0, false
	}
	return id, true
}

func (s *Server) engineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownSymbol), errors.Is(err, engine.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotCancellable), errors.Is(err, engine.ErrPairInactive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrLaneBusy), errors.Is(err, engine.ErrEventExpired), errors.Is(err, engine.ErrLaneHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error("request error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func toOrderResponse(o *types.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side.String(),
		Type:           o.Type.String(),
		Quantity:       o.Quantity.String(),
		Price:          o.Price.String(),
		FilledQuantity: o.FilledQty.String(),
		QuoteSpent:     o.QuoteSpent.String(),
		AveragePrice:   o.AveragePrice().String(),
		Status:         o.Status.String(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func toTradeResponse(t *types.Trade) tradeResponse {
	return tradeResponse{
		ID:         t.ID,
		Symbol:     t.Symbol,
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
		TakerSide:  t.TakerSide.String(),
		ExecutedAt: t.ExecutedAt,
	}
}

func toDepthResponse(entries []book.DepthEntry) []depthLevelResponse {
	out := make([]depthLevelResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, depthLevelResponse{
			Price:    e.Price.String(),
			Quantity: e.Quantity.String(),
		})
	}
	return out
}
