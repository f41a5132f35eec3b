// Package api exposes the DEX over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/amm"
	"github.com/uhyunpark/gardendex/pkg/app/core/authority"
	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/app/core/ledger"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/orderbook"
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
	"github.com/uhyunpark/gardendex/pkg/app/core/settlement"
	"github.com/uhyunpark/gardendex/pkg/app/core/wallet"
	"github.com/uhyunpark/gardendex/pkg/app/dex"
	"github.com/uhyunpark/gardendex/pkg/metrics"
)

// Deps are the components the API reads from and submits to.
type Deps struct {
	App            *dex.App
	Pools          *pool.Registry
	Resolver       *pool.Resolver
	Book           *orderbook.Engine
	Wallet         *wallet.Store
	Ledger         ledger.Ledger
	Settlement     *settlement.Manager
	Events         *events.Broadcaster
	Reconciliation *dex.ReconciliationLog
	Directory      *authority.Directory
	PriceThreshold float64
}

// Server handles REST API and WebSocket connections
type Server struct {
	deps     Deps
	router   *mux.Router
	hub      *Hub
	validate *Validator
	log      *zap.SugaredLogger
}

func NewServer(deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		deps:     deps,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		validate: NewValidator(),
		log:      log,
	}
	if deps.Events != nil {
		deps.Events.AddSink(s.hub)
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub; it must be started with Run.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pools and books
	api.HandleFunc("/pools", s.handleListPools).Methods("GET")
	api.HandleFunc("/pools/{id}", s.handleGetPool).Methods("GET")
	api.HandleFunc("/pairs/{token}/{base}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/pairs/{token}/{base}/price", s.handleGetPrice).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{email}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/accounts/{email}/wallet", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/accounts/{email}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{email}/ledger", s.handleGetLedger).Methods("GET")

	// Settlement and reconciliation
	api.HandleFunc("/settlements", s.handleListSettlements).Methods("GET")
	api.HandleFunc("/settlements/{id}", s.handleGetSettlement).Methods("GET")
	api.HandleFunc("/reconciliation", s.handleReconciliation).Methods("GET")

	// Gardens, events, status
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/events", s.handleRecentEvents).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route template and logs slow or failed ones.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		if rec.status >= 500 {
			s.log.Warnw("http_request_failed", "route", route, "method", r.Method, "status", rec.status, "elapsed", time.Since(start))
		} else {
			s.log.Debugw("http_request", "route", route, "method", r.Method, "status", rec.status, "elapsed", time.Since(start))
		}
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Pools.List())
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Pools.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "pool not found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func pairFromVars(r *http.Request) (order.Pair, error) {
	vars := mux.Vars(r)
	return order.ParsePair(vars["token"] + "/" + vars["base"])
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromVars(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))

	snap := OrderbookSnapshot{Pair: pair.String(), Timestamp: time.Now().UnixMilli()}
	snap.Bids, snap.Asks = s.deps.Book.Levels(pair.String(), depth)
	if b, ok := s.deps.Book.Book(pair.String()); ok {
		snap.MidPrice = b.MidPrice()
		snap.LastPrice = b.LastPrice()
	}
	if snap.Bids == nil {
		snap.Bids = []orderbook.PriceLevel{}
	}
	if snap.Asks == nil {
		snap.Asks = []orderbook.PriceLevel{}
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromVars(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	resp := map[string]any{"pair": pair.String()}
	if p, ok := s.deps.Pools.FindByPair(pair.Token, pair.Base); ok {
		resp["poolPrice"] = p.Price
		resp["poolId"] = p.PoolID
	}
	if last, ok := s.deps.Events.LastPrice(pair.String()); ok {
		resp["lastPublished"] = last
	}
	if len(resp) == 1 {
		respondError(w, http.StatusNotFound, "no price for pair", pair.String())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Side = strings.ToUpper(req.Side)
	req.Type = strings.ToUpper(req.Type)
	req.MatchingModel = strings.ToUpper(req.MatchingModel)
	if fields := s.validate.Validate(req); fields != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
		return
	}
	if req.UserID == "" {
		req.UserID = req.UserEmail
	}

	if req.Async {
		o, err := s.deps.App.SubmitAsync(req.Intent(), req.UserID, req.UserEmail, req.GardenID)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, o)
		return
	}

	out, err := s.deps.App.Submit(r.Context(), req.Intent(), req.UserID, req.UserEmail, req.GardenID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if fields := s.validate.Validate(req); fields != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
		return
	}

	o, err := s.deps.App.Cancel(r.Context(), req.OrderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{Status: "cancelled", OrderID: o.ID, Order: o})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.App.Processor().Order(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.deps.App.Processor().OrdersByUser(mux.Vars(r)["email"])
	if orders == nil {
		orders = []*order.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Wallet.Get(mux.Vars(r)["email"]))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if fields := s.validate.Validate(req); fields != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
		return
	}
	v, err := s.deps.Wallet.Deposit(mux.Vars(r)["email"], req.Amount)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.Entries(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Settlement.Pending()
	if pending == nil {
		pending = []settlement.ProvisionalSettlement{}
	}
	respondJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.deps.Settlement.Get(mux.Vars(r)["id"])
	if !ok {
		respondErr(w, settlement.ErrSettlementNotFound)
		return
	}
	respondJSON(w, http.StatusOK, ps)
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	debts := s.deps.Reconciliation.List()
	if debts == nil {
		debts = []dex.Debt{}
	}
	respondJSON(w, http.StatusOK, debts)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Directory.List())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 50
	}
	respondJSON(w, http.StatusOK, s.deps.Events.Recent(n))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Pools:          s.deps.Pools.Count(),
		Orders:         s.deps.App.Processor().OrderCount(),
		QueueDepth:     s.deps.App.QueueDepth(),
		PendingSettles: len(s.deps.Settlement.Pending()),
		Debts:          s.deps.Reconciliation.Len(),
		PriceThreshold: s.deps.PriceThreshold,
	}
	if s.deps.Resolver != nil {
		resp.PoolPolicy = s.deps.Resolver.Policy().String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "wsClients": s.hub.Clients()})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondErr maps domain errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, settlement.ErrSettlementNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidAmount),
		errors.Is(err, order.ErrInvalidPrice),
		errors.Is(err, order.ErrUnknownPair),
		errors.Is(err, order.ErrInvalidSide),
		errors.Is(err, order.ErrInvalidType),
		errors.Is(err, order.ErrInvalidModel),
		errors.Is(err, wallet.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, settlement.ErrSettlementExpired),
		errors.Is(err, settlement.ErrSettlementFinalized):
		status = http.StatusConflict
	case errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, pool.ErrPoolNotFound),
		errors.Is(err, amm.ErrInsufficientLiquidity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, dex.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, http.StatusText(status), err.Error())
}
