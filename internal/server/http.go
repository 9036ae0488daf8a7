package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TokenMarket/internal/command"
	"TokenMarket/internal/core"
	"TokenMarket/internal/market"
	"TokenMarket/internal/observability"
	"TokenMarket/internal/query"
)

// HTTPServer is the user-facing REST surface. Mutations go through the
// coordinator into the deterministic core; reads go to the projection
// tables via the query service. Identifiers and timestamps are stamped
// here at the edge so the core stays deterministic.
type HTTPServer struct {
	coordinator   *core.Coordinator
	queryService  *query.QueryService
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
	httpServer    *http.Server
}

func NewHTTPServer(
	addr string,
	coordinator *core.Coordinator,
	queryService *query.QueryService,
	healthChecker *observability.HealthChecker,
	logger zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		coordinator:   coordinator,
		queryService:  queryService,
		healthChecker: healthChecker,
		logger:        logger,
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthChecker.LivenessHandler)
	r.Get("/readyz", s.healthChecker.ReadinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Post("/", s.handleCreateListing)
			r.Get("/", s.handleDiscoverListings)
			r.Get("/{listingID}", s.handleGetListing)
			r.Post("/{listingID}/deactivate", s.handleDeactivateListing)
		})

		r.Route("/trades", func(r chi.Router) {
			r.Post("/", s.handleInitiateTrade)
			r.Get("/{tradeID}", s.handleGetTrade)
			r.Post("/{tradeID}/accept", s.handleAcceptTrade)
			r.Post("/{tradeID}/paid", s.handleConfirmPayment)
			r.Post("/{tradeID}/complete", s.handleCompleteTrade)
			r.Post("/{tradeID}/cancel", s.handleCancelTrade)
			r.Post("/{tradeID}/dispute", s.handleDisputeTrade)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balances/{asset}", s.handleGetBalance)
			r.Get("/listings", s.handleGetSellerListings)
			r.Get("/trades", s.handleGetUserTrades)
			r.Get("/journal", s.handleGetJournalHistory)
		})

		r.Get("/admin/integrity", s.handleVerifyIntegrity)
	})

	return r
}

// Start runs the HTTP server (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- mutation handlers ---

type createListingRequest struct {
	ListingID      string   `json:"listing_id,omitempty"` // Optional: client-supplied for idempotent retries
	SellerID       string   `json:"seller_id"`
	Amount         int64    `json:"amount"`
	Price          int64    `json:"price"`
	MinLimit       int64    `json:"min_limit"`
	MaxLimit       int64    `json:"max_limit"`
	PaymentMethods []string `json:"payment_methods"`
}

func (s *HTTPServer) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid seller_id")
		return
	}

	listingID := uuid.New()
	if req.ListingID != "" {
		if listingID, err = uuid.Parse(req.ListingID); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid listing_id")
			return
		}
	}

	op := &command.CreateListing{
		ListingID:      listingID,
		SellerID:       sellerID,
		Amount:         req.Amount,
		Price:          req.Price,
		MinLimit:       req.MinLimit,
		MaxLimit:       req.MaxLimit,
		PaymentMethods: req.PaymentMethods,
		Timestamp:      time.Now().UnixMicro(),
	}

	result, err := s.coordinator.Submit(r.Context(), op)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, listingToJSON(result.Listing, result.Duplicate))
}

type deactivateListingRequest struct {
	SellerID  string `json:"seller_id"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *HTTPServer) handleDeactivateListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathUUID(w, r, "listingID")
	if !ok {
		return
	}

	var req deactivateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid seller_id")
		return
	}

	requestID := uuid.New()
	if req.RequestID != "" {
		if requestID, err = uuid.Parse(req.RequestID); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request_id")
			return
		}
	}

	op := &command.DeactivateListing{
		ListingID: listingID,
		SellerID:  sellerID,
		RequestID: requestID,
		Timestamp: time.Now().UnixMicro(),
	}

	result, err := s.coordinator.Submit(r.Context(), op)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listingToJSON(result.Listing, result.Duplicate))
}

type initiateTradeRequest struct {
	TradeID   string `json:"trade_id,omitempty"` // Optional: client-supplied for idempotent retries
	ListingID string `json:"listing_id"`
	BuyerID   string `json:"buyer_id"`
	Quantity  int64  `json:"quantity"`
}

func (s *HTTPServer) handleInitiateTrade(w http.ResponseWriter, r *http.Request) {
	var req initiateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listingID, err := uuid.Parse(req.ListingID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid listing_id")
		return
	}
	buyerID, err := uuid.Parse(req.BuyerID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid buyer_id")
		return
	}

	tradeID := uuid.New()
	if req.TradeID != "" {
		if tradeID, err = uuid.Parse(req.TradeID); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid trade_id")
			return
		}
	}

	op := &command.InitiateTrade{
		TradeID:   tradeID,
		ListingID: listingID,
		BuyerID:   buyerID,
		Quantity:  req.Quantity,
		Timestamp: time.Now().UnixMicro(),
	}

	result, err := s.coordinator.Submit(r.Context(), op)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, tradeToJSON(result.Trade, result.Duplicate))
}

type tradeActionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *HTTPServer) parseTradeAction(w http.ResponseWriter, r *http.Request) (uuid.UUID, tradeActionRequest, bool) {
	tradeID, ok := s.pathUUID(w, r, "tradeID")
	if !ok {
		return uuid.Nil, tradeActionRequest{}, false
	}

	var req tradeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return uuid.Nil, tradeActionRequest{}, false
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user_id")
		return uuid.Nil, tradeActionRequest{}, false
	}
	return tradeID, req, true
}

func (s *HTTPServer) handleAcceptTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, req, ok := s.parseTradeAction(w, r)
	if !ok {
		return
	}

	op := &command.AcceptTrade{
		TradeID:   tradeID,
		SellerID:  uuid.MustParse(req.UserID),
		Timestamp: time.Now().UnixMicro(),
	}
	s.submitTradeOp(w, r, op)
}

func (s *HTTPServer) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	tradeID, req, ok := s.parseTradeAction(w, r)
	if !ok {
		return
	}

	op := &command.ConfirmPayment{
		TradeID:   tradeID,
		BuyerID:   uuid.MustParse(req.UserID),
		Timestamp: time.Now().UnixMicro(),
	}
	s.submitTradeOp(w, r, op)
}

func (s *HTTPServer) handleCompleteTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, req, ok := s.parseTradeAction(w, r)
	if !ok {
		return
	}

	op := &command.CompleteTrade{
		TradeID:   tradeID,
		SellerID:  uuid.MustParse(req.UserID),
		Timestamp: time.Now().UnixMicro(),
	}
	s.submitTradeOp(w, r, op)
}

func (s *HTTPServer) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, req, ok := s.parseTradeAction(w, r)
	if !ok {
		return
	}

	op := &command.CancelTrade{
		TradeID:     tradeID,
		RequestedBy: uuid.MustParse(req.UserID),
		Reason:      req.Reason,
		Timestamp:   time.Now().UnixMicro(),
	}
	s.submitTradeOp(w, r, op)
}

func (s *HTTPServer) handleDisputeTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, req, ok := s.parseTradeAction(w, r)
	if !ok {
		return
	}

	op := &command.DisputeTrade{
		TradeID:     tradeID,
		RequestedBy: uuid.MustParse(req.UserID),
		Reason:      req.Reason,
		Timestamp:   time.Now().UnixMicro(),
	}
	s.submitTradeOp(w, r, op)
}

func (s *HTTPServer) submitTradeOp(w http.ResponseWriter, r *http.Request, op command.Op) {
	result, err := s.coordinator.Submit(r.Context(), op)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tradeToJSON(result.Trade, result.Duplicate))
}

// --- query handlers ---

func (s *HTTPServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")

	bal, err := s.queryService.GetBalance(r.Context(), userID, asset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, bal)
}

func (s *HTTPServer) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathUUID(w, r, "listingID")
	if !ok {
		return
	}

	listing, err := s.queryService.GetListing(r.Context(), listingID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if listing == nil {
		s.writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *HTTPServer) handleDiscoverListings(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50, 200)

	// A usable cursor needs the full sort key; partial cursors are ignored
	// and the first page is served.
	var cursor *query.ListingCursor
	price, errP := parseInt64(r.URL.Query().Get("after_price"))
	remaining, errR := parseInt64(r.URL.Query().Get("after_remaining"))
	createdAt, errC := parseInt64(r.URL.Query().Get("after_created_at"))
	listingID, errL := uuid.Parse(r.URL.Query().Get("after_listing_id"))
	if errP == nil && errR == nil && errC == nil && errL == nil {
		cursor = &query.ListingCursor{
			Price:     price,
			Remaining: remaining,
			CreatedAt: createdAt,
			ListingID: listingID,
		}
	}

	listings, err := s.queryService.DiscoverListings(r.Context(), limit, cursor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"listings": listings})
}

func (s *HTTPServer) handleGetSellerListings(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	listings, err := s.queryService.GetSellerListings(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"listings": listings})
}

func (s *HTTPServer) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, ok := s.pathUUID(w, r, "tradeID")
	if !ok {
		return
	}

	trade, err := s.queryService.GetTrade(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if trade == nil {
		s.writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *HTTPServer) handleGetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	limit := parseIntQuery(r, "limit", 50, 200)
	status := r.URL.Query().Get("status")

	var beforeCreatedAt *int64
	if b := r.URL.Query().Get("before_created_at"); b != "" {
		if v, err := parseInt64(b); err == nil {
			beforeCreatedAt = &v
		}
	}

	trades, err := s.queryService.GetUserTrades(r.Context(), userID, status, limit, beforeCreatedAt)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (s *HTTPServer) handleGetJournalHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	limit := parseIntQuery(r, "limit", 100, 500)

	var afterSeq *int64
	if a := r.URL.Query().Get("after_sequence"); a != "" {
		if v, err := parseInt64(a); err == nil {
			afterSeq = &v
		}
	}

	entries, err := s.queryService.GetJournalHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- response helpers ---

type listingJSON struct {
	ListingID      string   `json:"listing_id"`
	SellerID       string   `json:"seller_id"`
	TotalAmount    int64    `json:"total_amount"`
	Remaining      int64    `json:"remaining"`
	Price          int64    `json:"price"`
	MinLimit       int64    `json:"min_limit"`
	MaxLimit       int64    `json:"max_limit"`
	PaymentMethods []string `json:"payment_methods"`
	Status         string   `json:"status"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
	Version        int64    `json:"version"`
	Duplicate      bool     `json:"duplicate,omitempty"`
}

func listingToJSON(l *market.Listing, duplicate bool) *listingJSON {
	if l == nil {
		return nil
	}
	return &listingJSON{
		ListingID:      l.ListingID.String(),
		SellerID:       l.SellerID.String(),
		TotalAmount:    l.TotalAmount,
		Remaining:      l.Remaining,
		Price:          l.Price,
		MinLimit:       l.MinLimit,
		MaxLimit:       l.MaxLimit,
		PaymentMethods: l.PaymentMethods,
		Status:         l.Status.String(),
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
		Version:        l.Version,
		Duplicate:      duplicate,
	}
}

type tradeJSON struct {
	TradeID     string `json:"trade_id"`
	ListingID   string `json:"listing_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	Quantity    int64  `json:"quantity"`
	Payment     int64  `json:"payment"`
	Price       int64  `json:"price"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	AcceptedAt  int64  `json:"accepted_at,omitempty"`
	PaidAt      int64  `json:"paid_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	CancelledAt int64  `json:"cancelled_at,omitempty"`
	DisputedAt  int64  `json:"disputed_at,omitempty"`
	Version     int64  `json:"version"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

func tradeToJSON(t *market.Trade, duplicate bool) *tradeJSON {
	if t == nil {
		return nil
	}
	return &tradeJSON{
		TradeID:     t.TradeID.String(),
		ListingID:   t.ListingID.String(),
		BuyerID:     t.BuyerID.String(),
		SellerID:    t.SellerID.String(),
		Quantity:    t.Quantity,
		Payment:     t.Payment,
		Price:       t.Price,
		Status:      t.Status.String(),
		Reason:      t.Reason,
		CreatedAt:   t.CreatedAt,
		AcceptedAt:  t.AcceptedAt,
		PaidAt:      t.PaidAt,
		CompletedAt: t.CompletedAt,
		CancelledAt: t.CancelledAt,
		DisputedAt:  t.DisputedAt,
		Version:     t.Version,
		Duplicate:   duplicate,
	}
}

func (s *HTTPServer) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeOpError maps core rejections to HTTP status codes.
func (s *HTTPServer) writeOpError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrInvalidLimits),
		errors.Is(err, market.ErrSelfTrade),
		errors.Is(err, market.ErrLimitExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientInventory),
		errors.Is(err, market.ErrListingInactive),
		errors.Is(err, market.ErrInvalidStateTransition):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		s.logger.Error().Err(err).Msg("unexpected op error")
	}
	s.writeError(w, status, err.Error())
}

func parseIntQuery(r *http.Request, name string, def, max int) int {
	v, err := parseInt64(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if int(v) > max {
		return max
	}
	return int(v)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
