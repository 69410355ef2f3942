package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/pkg/fanout"
	"github.com/gregtusar/shadowtrade/pkg/ingress"
	"github.com/gregtusar/shadowtrade/pkg/ledger"
	"github.com/gregtusar/shadowtrade/pkg/models"
	"github.com/gregtusar/shadowtrade/pkg/observability"
	"github.com/gregtusar/shadowtrade/pkg/performance"
)

type Config struct {
	Port string
	// JWTSecret enables HS256 bearer checks on operator routes. Empty
	// disables them.
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	store   ledger.Store
	fanout  *fanout.Orchestrator
	signals *ingress.Handler
	metrics *observability.Metrics
	auth    *operatorAuth
	logger  *logrus.Logger
	cfg     Config
	srv     *http.Server
}

func NewServer(store ledger.Store, orch *fanout.Orchestrator, signals *ingress.Handler, metrics *observability.Metrics, logger *logrus.Logger, cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	s := &Server{
		store:   store,
		fanout:  orch,
		signals: signals,
		metrics: metrics,
		auth:    newOperatorAuth(cfg.JWTSecret),
		logger:  logger,
		cfg:     cfg,
	}
	s.srv = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Operators
	mux.HandleFunc("POST /api/operators", s.handleRegisterOperator)
	mux.HandleFunc("GET /api/operators/{id}/trades/active", s.handleActiveTrades)
	mux.HandleFunc("GET /api/operators/{id}/followers", s.handleFollowers)

	// Trades
	mux.HandleFunc("POST /api/signals", s.handleSignal)
	mux.HandleFunc("POST /api/trades", s.handleCreateTrade)
	mux.HandleFunc("GET /api/trades/{id}", s.handleGetTrade)
	mux.HandleFunc("GET /api/trades/{id}/positions", s.handleTradePositions)
	mux.HandleFunc("POST /api/trades/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /api/trades/{id}/close", s.handleClose)
	mux.HandleFunc("POST /api/trades/{id}/cancel", s.handleCancel)

	// Followers
	mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	mux.HandleFunc("PUT /api/subscriptions", s.handleUpdateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/followers/{id}/positions", s.handleFollowerPositions)
	mux.HandleFunc("GET /api/followers/{id}/pnl", s.handleFollowerPnL)

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.cfg.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

type registerOperatorRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleRegisterOperator(w http.ResponseWriter, r *http.Request) {
	var req registerOperatorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.authorize(r, req.ID); err != nil {
		s.writeError(w, err)
		return
	}

	op, err := s.store.RegisterOperator(r.Context(), req.ID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleActiveTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetActiveTradesForOperator(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.GetActiveFollowers(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig ingress.Signal
	if !s.decode(w, r, &sig) {
		return
	}
	if err := s.auth.authorize(r, sig.OperatorID); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.signals.Handle(context.WithoutCancel(r.Context()), "http", sig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if (res.Dispatch != nil && res.Dispatch.Incomplete) || (res.Close != nil && res.Close.Incomplete) {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, res)
}

type createTradeRequest struct {
	SignalID   string                 `json:"signal_id"`
	OperatorID string                 `json:"operator_id"`
	Kind       models.TradeKind       `json:"kind"`
	Confidence int                    `json:"confidence"`
	Entry      models.EntryParameters `json:"entry"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.authorize(r, req.OperatorID); err != nil {
		s.writeError(w, err)
		return
	}

	trade, err := s.store.CreateTrade(r.Context(), ledger.CreateTradeRequest{
		SignalID:   req.SignalID,
		OperatorID: req.OperatorID,
		Kind:       req.Kind,
		Confidence: req.Confidence,
		Entry:      req.Entry,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleTradePositions(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	positions, err := s.store.GetPositionsForTrade(r.Context(), r.PathValue("id"), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// authorizeTrade loads the trade and checks the caller owns it.
func (s *Server) authorizeTrade(r *http.Request) (*models.TradeIntent, error) {
	trade, err := s.store.GetTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := s.auth.authorize(r, trade.OperatorID); err != nil {
		return nil, err
	}
	return trade, nil
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	trade, err := s.authorizeTrade(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Followers already handed to the venue must be recorded even if the
	// client goes away.
	res, err := s.fanout.Dispatch(context.WithoutCancel(r.Context()), trade.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Incomplete {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var exit models.ExitParameters
	if r.ContentLength != 0 && !s.decode(w, r, &exit) {
		return
	}
	trade, err := s.authorizeTrade(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.fanout.Close(context.WithoutCancel(r.Context()), trade.ID, exit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Incomplete {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	trade, err := s.authorizeTrade(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	if err := s.fanout.Cancel(r.Context(), trade.ID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	trade, err = s.store.GetTrade(r.Context(), trade.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

type subscriptionRequest struct {
	FollowerID           string          `json:"follower_id"`
	OperatorID           string          `json:"operator_id"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	sub, err := s.fanout.Subscribe(r.Context(), req.FollowerID, req.OperatorID, req.AllocationPercentage, req.MaxPositionSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	sub, err := s.fanout.UpdateSettings(r.Context(), req.FollowerID, req.OperatorID, req.AllocationPercentage, req.MaxPositionSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	followerID, operatorID := q.Get("follower_id"), q.Get("operator_id")
	if followerID == "" || operatorID == "" {
		s.writeError(w, fmt.Errorf("%w: follower_id and operator_id are required", ledger.ErrInvalidParameters))
		return
	}

	var err error
	if q.Get("hard") == "true" {
		err = s.fanout.DeleteSubscription(r.Context(), followerID, operatorID)
	} else {
		err = s.fanout.Unsubscribe(r.Context(), followerID, operatorID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFollowerPositions(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	positions, err := s.store.GetPositionsForFollower(r.Context(), r.PathValue("id"), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFollowerPnL(w http.ResponseWriter, r *http.Request) {
	followerID := r.PathValue("id")
	positions, err := s.store.GetPositionsForFollower(r.Context(), followerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, performance.Summarize(followerID, positions))
}

func parseStatuses(raw string) ([]models.PositionStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []models.PositionStatus
	for _, part := range strings.Split(raw, ",") {
		st := models.PositionStatus(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidParameters, part)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidParameters, err))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateSubscription),
		errors.Is(err, ledger.ErrTradeNotPending),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrHasOpenPositions):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidOperator), errors.Is(err, ledger.ErrInvalidParameters):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
