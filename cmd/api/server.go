package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"arbiterdash/auth"
	"arbiterdash/contract"
	"arbiterdash/contractsync"
	"arbiterdash/ledger"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRole      ctxKey = "role"
	ctxKeyAddress   ctxKey = "address"
)

var (
	errUnauthorized = errors.New("api: missing or invalid credentials")
	errForbidden    = errors.New("api: forbidden")
	errRateLimited  = errors.New("api: refresh rate limit exceeded")
	errBadRequest   = errors.New("api: malformed request")
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server carries the HTTP handlers of the dashboard API.
type Server struct {
	auth       authService
	ledger     ledger.Client
	hub        *contractsync.Hub
	arbitrator string
	logger     *slog.Logger
	gatherer   prometheus.Gatherer

	refreshLimit rate.Limit
	refreshBurst int
	limitersMu   sync.Mutex
	limiters     map[string]*rate.Limiter
}

// ServerConfig lists the Server dependencies.
type ServerConfig struct {
	Auth         authService
	Ledger       ledger.Client
	Hub          *contractsync.Hub
	Arbitrator   string
	Logger       *slog.Logger
	Gatherer     prometheus.Gatherer
	RefreshLimit float64
	RefreshBurst int
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		auth:         cfg.Auth,
		ledger:       cfg.Ledger,
		hub:          cfg.Hub,
		arbitrator:   cfg.Arbitrator,
		logger:       logger,
		gatherer:     gatherer,
		refreshLimit: rate.Limit(cfg.RefreshLimit),
		refreshBurst: cfg.RefreshBurst,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Router wires every route behind the request-id, logging and recovery
// middleware. Logging wraps recovery so a panicking request is still logged.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/arbitrator", s.handleArbitrator)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/me", s.handleMe)
			r.Get("/contracts", s.handleContracts)
			r.Post("/contracts", s.handleDeploy)
			r.Post("/contracts/refresh", s.handleRefresh)
			r.Get("/contracts/{address}", s.handleContract)
			r.Post("/contracts/{address}/dispute", s.handleDispute)
			r.Post("/contracts/{address}/resolve", s.handleResolve)
		})
	})
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorContext(r.Context(), "handler panic",
					"operation", "http_request",
					"outcome", "panic",
					"request_id", requestIDFromContext(r.Context()),
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "http request",
			"operation", "http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeServiceError(w, errUnauthorized)
			return
		}
		claims, err := s.auth.VerifyToken(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		ctx = context.WithValue(ctx, ctxKeyAddress, claims.Address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func addressFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeyAddress).(string)
	return s, ok && s != ""
}

func roleFromContext(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Address  string `json:"address"`
	Role     string `json:"role"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Address: u.Address, Role: string(u.Role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	user, err := s.auth.GetUserByID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

type rowResponse struct {
	Address    string `json:"address"`
	Arbitrator string `json:"arbitrator"`
	PartyA     string `json:"partyA"`
	PartyB     string `json:"partyB"`
	Link       string `json:"link"`
}

type viewResponse struct {
	Kind     string        `json:"kind"`
	Notice   string        `json:"notice,omitempty"`
	Skeleton int           `json:"skeleton,omitempty"`
	Rows     []rowResponse `json:"rows"`
}

func toViewResponse(v contractsync.View) viewResponse {
	rows := make([]rowResponse, 0, len(v.Rows))
	for _, row := range v.Rows {
		rows = append(rows, rowResponse(row))
	}
	return viewResponse{Kind: string(v.Kind), Notice: v.Notice, Skeleton: v.Skeleton, Rows: rows}
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	account, ok := addressFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthorized)
		return
	}
	sess := s.hub.Session(account)
	writeJSON(w, http.StatusOK, toViewResponse(sess.Projector.View()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	account, ok := addressFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthorized)
		return
	}
	if !s.limiterFor(account).Allow() {
		writeServiceError(w, errRateLimited)
		return
	}

	// A failed refresh is already projected as the error view.
	_ = s.hub.Refresh(account)
	writeJSON(w, http.StatusOK, toViewResponse(s.hub.Session(account).Projector.View()))
}

func (s *Server) limiterFor(account string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[account]
	if !ok {
		l = rate.NewLimiter(s.refreshLimit, s.refreshBurst)
		s.limiters[account] = l
	}
	return l
}

// pruneLimiters drops limiters whose bucket has refilled. A full bucket is
// indistinguishable from a new limiter, so no account loses its throttle.
func (s *Server) pruneLimiters() int {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	pruned := 0
	for account, l := range s.limiters {
		if l.Tokens() >= float64(s.refreshBurst) {
			delete(s.limiters, account)
			pruned++
		}
	}
	return pruned
}

type detailResponse struct {
	Address             string  `json:"address"`
	Arbitrator          string  `json:"arbitrator"`
	PartyA              string  `json:"partyA"`
	PartyB              string  `json:"partyB"`
	Timeout             int64   `json:"timeout"`
	Status              string  `json:"status"`
	Value               string  `json:"value"`
	HashContract        string  `json:"hashContract,omitempty"`
	ArbitratorExtraData string  `json:"arbitratorExtraData,omitempty"`
	Email               string  `json:"email,omitempty"`
	Description         string  `json:"description,omitempty"`
	FeePaidBy           *string `json:"feePaidBy,omitempty"`
	Ruling              *int    `json:"ruling,omitempty"`
	DeployedAt          string  `json:"deployedAt"`
	DisputedAt          *string `json:"disputedAt,omitempty"`
	ResolvedAt          *string `json:"resolvedAt,omitempty"`
}

func toDetailResponse(d ledger.Detail) detailResponse {
	resp := detailResponse{
		Address:             d.Address,
		Arbitrator:          d.Arbitrator,
		PartyA:              d.PartyA,
		PartyB:              d.PartyB,
		Timeout:             d.Timeout,
		Status:              string(d.Status),
		Value:               "0",
		HashContract:        d.HashContract,
		ArbitratorExtraData: d.ArbitratorExtraData,
		Email:               d.Email,
		Description:         d.Description,
		FeePaidBy:           d.FeePaidBy,
		DeployedAt:          d.DeployedAt.UTC().Format(time.RFC3339),
		DisputedAt:          formatTime(d.DisputedAt),
		ResolvedAt:          formatTime(d.ResolvedAt),
	}
	if d.Value != nil {
		resp.Value = d.Value.String()
	}
	if d.Ruling != nil {
		ruling := int(*d.Ruling)
		resp.Ruling = &ruling
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	detail, err := s.ledger.GetContract(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

// deployRequest has no arbitrator field: every contract names the configured
// arbitrator.
type deployRequest struct {
	PartyB              string `json:"partyB"`
	Value               string `json:"value"`
	HashContract        string `json:"hashContract"`
	Timeout             int64  `json:"timeout"`
	ArbitratorExtraData string `json:"arbitratorExtraData"`
	Email               string `json:"email"`
	Description         string `json:"description"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	account, ok := addressFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthorized)
		return
	}

	var req deployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok {
			writeServiceError(w, ledger.ErrInvalidParams)
			return
		}
	}
	detail, err := s.ledger.Deploy(r.Context(), ledger.DeployParams{
		PartyA:              account,
		PartyB:              req.PartyB,
		Arbitrator:          s.arbitrator,
		Value:               value,
		HashContract:        req.HashContract,
		Timeout:             req.Timeout,
		ArbitratorExtraData: req.ArbitratorExtraData,
		Email:               req.Email,
		Description:         req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.hub.RefreshAsync(account)
	writeJSON(w, http.StatusCreated, toDetailResponse(detail))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	account, ok := addressFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthorized)
		return
	}

	detail, err := s.ledger.RaiseDispute(r.Context(), chi.URLParam(r, "address"), account)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.hub.RefreshAsync(account)
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	account, ok := addressFromContext(r.Context())
	if !ok {
		writeServiceError(w, errUnauthorized)
		return
	}
	if roleFromContext(r.Context()) != auth.RoleOperator {
		writeServiceError(w, errForbidden)
		return
	}

	var req struct {
		Ruling *int `json:"ruling"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Ruling == nil {
		writeServiceError(w, ledger.ErrInvalidParams)
		return
	}

	detail, err := s.ledger.Resolve(r.Context(), chi.URLParam(r, "address"), account, ledger.Ruling(*req.Ruling))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.hub.RefreshAsync(detail.PartyA)
	s.hub.RefreshAsync(detail.PartyB)
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

func (s *Server) handleArbitrator(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.ArbitratorSummary(r.Context(), s.arbitrator)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arbitrator": summary.Arbitrator,
		"pending":    summary.Pending,
		"disputed":   summary.Disputed,
		"resolved":   summary.Resolved,
		"total":      summary.Total(),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errBadRequest
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidParams),
		errors.Is(err, contract.ErrInvalidAddress),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
	case errors.Is(err, errForbidden),
		errors.Is(err, ledger.ErrNotParty),
		errors.Is(err, ledger.ErrNotArbitrator),
		errors.Is(err, auth.ErrAddressNotProven):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, ledger.ErrBadStatus),
		errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, auth.ErrDuplicateAddress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ledger.ErrTransport):
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
