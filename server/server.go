package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"stampledger/auth"
	"stampledger/classify"
	"stampledger/escrow"
	"stampledger/ledger"
	"stampledger/middleware"
	"stampledger/models"
	"stampledger/observability/metrics"
	"stampledger/pricing"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Engine
	Escrow        *escrow.Engine
	Classifier    classify.Classifier
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// Server exposes the ledger boundary operations over HTTP.
type Server struct {
	db         *gorm.DB
	ledger     *ledger.Engine
	escrow     *escrow.Engine
	classifier classify.Classifier
	authn      *auth.Authenticator
	limiter    *middleware.RateLimiter
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and rate limiting applied to the API routes.
func New(cfg Config) *Server {
	if cfg.Classifier == nil {
		cfg.Classifier = classify.Fallback{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:         cfg.DB,
		ledger:     cfg.Ledger,
		escrow:     cfg.Escrow,
		classifier: cfg.Classifier,
		authn:      cfg.Authenticator,
		limiter:    cfg.RateLimiter,
		logger:     cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Use(s.authenticate)
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

		api.Post("/accounts/{id}", s.CreateAccount)
		api.Get("/accounts/{id}/balance", s.GetBalance)
		api.Get("/accounts/{id}/history", s.GetHistory)
		api.Post("/accounts/{id}/credits", s.Credit)
		api.Put("/accounts/{id}/settings", s.UpdateSettings)
		api.Get("/accounts/{id}/settings", s.GetSettings)

		api.Post("/quote", s.Quote)

		api.Post("/stakes", s.Stake)
		api.Get("/stakes/{ref}", s.GetStake)
		api.Post("/stakes/{ref}/read", s.SettleOnRead)
		api.Post("/stakes/{ref}/reply", s.SettleOnReply)
		api.Post("/stakes/{ref}/reject", s.SettleOnReject)
	})

	return r
}

// authenticate verifies the HMAC request signature. When no API keys are
// configured the check is skipped, which keeps local development simple.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authn == nil || !s.authn.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, auth.MaxBodyForSignature+1))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if _, err := s.authn.Authenticate(r, body); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateAccount ensures the account exists, applying the one-time signup
// grant on first sight. Repeat calls return the existing account.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		http.Error(w, "missing account id", http.StatusBadRequest)
		return
	}
	account, err := s.ledger.EnsureAccount(r.Context(), id)
	if err != nil {
		s.logger.Error("ensure account", "account", id, "error", err)
		http.Error(w, "failed to ensure account", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, accountResponse(account))
}

// GetBalance returns the current balance for an account.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := s.ledger.GetBalance(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": id, "balance": balance})
}

// GetHistory returns a page of the account's transaction log, newest first.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	txs, total, err := s.ledger.GetHistory(r.Context(), id, page, size)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	items := make([]transactionResponse, 0, len(txs))
	for i := range txs {
		items = append(items, newTransactionResponse(&txs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":      id,
		"page":         page,
		"total":        total,
		"transactions": items,
	})
}

// Credit records an already-verified external deposit. The deposit oracle is
// trusted; no verification happens at this boundary.
func (s *Server) Credit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Amount    int64  `json:"amount"`
		Kind      string `json:"kind"`
		Reference string `json:"reference"`
		Note      string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	kind := models.TxKind(req.Kind)
	if req.Kind == "" {
		kind = models.KindPurchase
	}
	switch kind {
	case models.KindPurchase, models.KindAirdrop, models.KindGrant:
	default:
		http.Error(w, "kind not creditable at this boundary", http.StatusBadRequest)
		return
	}

	var reference *string
	if ref := strings.TrimSpace(req.Reference); ref != "" {
		reference = &ref
	} else if key := middleware.IdempotencyKeyFrom(r.Context()); key != "" {
		reference = &key
	}
	if err := s.ledger.Credit(r.Context(), id, req.Amount, kind, reference, req.Note); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidAmount):
			http.Error(w, "amount must be positive", http.StatusBadRequest)
		default:
			s.logger.Error("credit", "account", id, "error", err)
			http.Error(w, "failed to credit account", http.StatusInternalServerError)
		}
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": id, "balance": balance})
}

// UpdateSettings sets the account's receive price within the policy bounds.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		ReceivePrice int64 `json:"receive_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	settings, err := s.ledger.UpdateSettings(r.Context(), id, req.ReceivePrice)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidReceivePrice):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "failed to update settings", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, settingsResponse(settings))
}

// GetSettings returns the account's receive price, falling back to the
// policy default when the account never set one.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	settings, err := s.ledger.GetSettings(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, settingsResponse(settings))
}

// Quote prices a prospective send without side effects. When a category or a
// message is supplied the quadratic mode is used; otherwise the simpler
// relationship mode prices from history and the receiver's configured rate.
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
		Unread   int    `json:"unread"`
		Category string `json:"category"`
		Message  string `json:"message"`

		SentToReceiver       int  `json:"sent_to_receiver"`
		ReceivedFromReceiver int  `json:"received_from_receiver"`
		KnownContact         bool `json:"known_contact"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Receiver) == "" {
		http.Error(w, "sender and receiver are required", http.StatusBadRequest)
		return
	}

	if req.Category != "" || req.Message != "" {
		category := pricing.Category(req.Category)
		if req.Category == "" {
			category, _ = classify.Fallback{Inner: s.classifier}.Classify(r.Context(), req.Message)
		}
		amount := pricing.QuadraticCost(req.Unread, category)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"amount":   amount,
			"mode":     "quadratic",
			"category": string(category),
		})
		return
	}

	settings, err := s.ledger.GetSettings(r.Context(), req.Receiver)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	receivePrice := s.ledger.Policy().ReceivePriceMin
	if settings != nil {
		receivePrice = settings.ReceivePrice
	}
	hist := pricing.History{
		SentToReceiver:       req.SentToReceiver,
		ReceivedFromReceiver: req.ReceivedFromReceiver,
		Known:                req.KnownContact,
	}
	amount := pricing.RelationshipCost(req.Sender, req.Receiver, hist, receivePrice)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"amount": amount,
		"mode":   "relationship",
	})
}

// Stake opens an escrow for a send. Insufficient balance is a normal branch
// reported with ok=false; the caller decides whether the send proceeds.
func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender     string `json:"sender"`
		Receiver   string `json:"receiver"`
		MessageRef string `json:"message_ref"`
		Amount     int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	result, err := s.escrow.Stake(r.Context(), req.Sender, req.Receiver, req.MessageRef, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			http.Error(w, "account not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidAmount):
			http.Error(w, "amount must be positive", http.StatusBadRequest)
		case errors.Is(err, escrow.ErrDuplicateRef):
			http.Error(w, "message reference already staked with a different definition", http.StatusConflict)
		default:
			s.logger.Error("stake", "ref", req.MessageRef, "error", err)
			http.Error(w, "failed to stake", http.StatusInternalServerError)
		}
		metrics.Ledger().ObserveStake("error")
		return
	}
	if result.Insufficient {
		metrics.Ledger().ObserveStake("insufficient")
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":          false,
			"reason":      "insufficient",
			"new_balance": result.NewBalance,
		})
		return
	}
	metrics.Ledger().ObserveStake("ok")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"new_balance": result.NewBalance,
		"escrow":      escrowResponse(result.Escrow),
	})
}

// GetStake returns the escrow record for a message reference.
func (s *Server) GetStake(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	esc, err := s.escrow.Get(r.Context(), ref)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			http.Error(w, "escrow not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load escrow", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowResponse(esc))
}

// SettleOnRead refunds the stake to the sender when the message is read.
func (s *Server) SettleOnRead(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ref string) (*escrow.Outcome, error) {
		return s.escrow.SettleOnRead(r.Context(), ref)
	})
}

// SettleOnReply refunds the stake and mints the reply bonus for both parties.
func (s *Server) SettleOnReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replier string `json:"replier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.settle(w, r, func(ref string) (*escrow.Outcome, error) {
		return s.escrow.SettleOnReply(r.Context(), ref, req.Replier)
	})
}

// SettleOnReject transfers the stake to the receiver as compensation.
func (s *Server) SettleOnReject(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ref string) (*escrow.Outcome, error) {
		return s.escrow.SettleOnReject(r.Context(), ref)
	})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, fn func(ref string) (*escrow.Outcome, error)) {
	ref := chi.URLParam(r, "ref")
	outcome, err := fn(ref)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrEscrowNotFound):
			http.Error(w, "escrow not found", http.StatusNotFound)
		case errors.Is(err, escrow.ErrNotReceiver):
			http.Error(w, "replier is not the escrow receiver", http.StatusConflict)
		default:
			s.logger.Error("settle", "ref", ref, "error", err)
			http.Error(w, "failed to settle escrow", http.StatusInternalServerError)
		}
		return
	}
	if !outcome.AlreadySettled {
		metrics.Ledger().ObserveSettlement(string(outcome.Escrow.Status), outcome.CapRedirected)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"escrow":          escrowResponse(&outcome.Escrow),
		"already_settled": outcome.AlreadySettled,
		"cap_redirected":  outcome.CapRedirected,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
