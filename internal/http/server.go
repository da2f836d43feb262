package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ordergate/internal/apperr"
	"ordergate/internal/config"
	"ordergate/internal/domain"
	"ordergate/internal/service/fill"
	"ordergate/internal/service/order"
	"ordergate/internal/service/signal"
)

var httpLog = logrus.WithField("component", "http")

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type SignalSubmitter interface {
	Submit(ctx context.Context, sig domain.Signal) (signal.SubmitResult, error)
}

type OrderManager interface {
	Get(ctx context.Context, orderID string) (domain.Order, error)
	Modify(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) (domain.Order, error)
	Cancel(ctx context.Context, orderID string) (domain.Order, error)
	SyncStatus(ctx context.Context, orderID string) (domain.Order, error)
}

type RiskController interface {
	State(ctx context.Context, accountID, symbol string) (domain.RiskState, error)
	Rule(accountID string) domain.RiskRule
	SetKillSwitch(ctx context.Context, scope domain.RiskScope, accountID string, on bool, reason string) error
	ResetFailures(ctx context.Context, accountID, reason string) (int, error)
}

type FillProcessor interface {
	Process(ctx context.Context, f domain.Fill) fill.Outcome
	Stats() fill.Stats
}

type ReadStore interface {
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
	ListEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
}

type Deps struct {
	Signals SignalSubmitter
	Orders  OrderManager
	Risk    RiskController
	Fills   FillProcessor
	Store   ReadStore
}

type Server struct {
	cfg  config.Config
	deps Deps
	now  func() time.Time
}

func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, now: time.Now}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/signals", s.handleSubmitSignal)

		protected.Get("/orders/{id}", s.handleGetOrder)
		protected.Post("/orders/{id}/modify", s.handleModifyOrder)
		protected.Post("/orders/{id}/cancel", s.handleCancelOrder)
		protected.Post("/orders/{id}/sync", s.handleSyncOrder)

		protected.Post("/risk/kill-switch", s.handleKillSwitch)
		protected.Post("/risk/reset-failures", s.handleResetFailures)
		protected.Get("/risk/state", s.handleRiskState)

		protected.Post("/fills", s.handleIngestFill)
		protected.Get("/fills/stats", s.handleFillStats)

		protected.Get("/positions", s.handlePositions)
		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_SIGN_FAILED", "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := decodeJSON(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	res, err := s.deps.Signals.Submit(r.Context(), sig)
	if err != nil {
		status, body := errorBody(err)
		if res.Placement != nil {
			body["result"] = res
		}
		writeJSON(w, status, body)
		return
	}

	status := http.StatusAccepted
	if res.Placement != nil {
		switch res.Placement.Outcome {
		case order.OutcomePlaced:
			status = http.StatusCreated
		case order.OutcomeFailed:
			status = http.StatusBadGateway
		default:
			status = http.StatusOK
		}
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Qty   *int64           `json:"qty"`
		Price *decimal.Decimal `json:"price"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	o, err := s.deps.Orders.Modify(r.Context(), chi.URLParam(r, "id"), req.Qty, req.Price)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleSyncOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.SyncStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope     domain.RiskScope `json:"scope"`
		AccountID string           `json:"account_id"`
		On        bool             `json:"on"`
		Reason    string           `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Scope == "" {
		req.Scope = domain.ScopeAccount
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "set by " + adminSubject(r.Context())
	}
	if err := s.deps.Risk.SetKillSwitch(r.Context(), req.Scope, req.AccountID, req.On, req.Reason); err != nil {
		writeAppError(w, err)
		return
	}
	httpLog.WithFields(logrus.Fields{"scope": req.Scope, "account_id": req.AccountID, "on": req.On, "by": adminSubject(r.Context())}).
		Info("kill switch updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "scope": req.Scope, "account_id": req.AccountID, "on": req.On})
}

func (s *Server) handleResetFailures(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "reset by " + adminSubject(r.Context())
	}
	previous, err := s.deps.Risk.ResetFailures(r.Context(), req.AccountID, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httpLog.WithFields(logrus.Fields{"account_id": req.AccountID, "previous": previous, "by": adminSubject(r.Context())}).
		Info("failure counter reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "account_id": req.AccountID, "previous_failures": previous})
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "ACCOUNT_ID_REQUIRED", "account_id is required")
		return
	}
	state, err := s.deps.Risk.State(r.Context(), accountID, r.URL.Query().Get("symbol"))
	if err != nil {
		writeAppError(w, apperr.Internal("RISK_STATE_UNAVAILABLE", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
		"rule":  s.deps.Risk.Rule(accountID),
	})
}

func (s *Server) handleIngestFill(w http.ResponseWriter, r *http.Request) {
	var f domain.Fill
	if err := decodeJSON(r, &f); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	out := s.deps.Fills.Process(r.Context(), f)
	status := http.StatusOK
	switch out.Result {
	case fill.ResultInvalid:
		status = http.StatusBadRequest
	case fill.ResultFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

func (s *Server) handleFillStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Fills.Stats())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "ACCOUNT_ID_REQUIRED", "account_id is required")
		return
	}
	positions, err := s.deps.Store.Positions(r.Context(), accountID)
	if err != nil {
		writeAppError(w, apperr.Internal("POSITION_LOAD_FAILED", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	events, err := s.deps.Store.ListEvents(r.Context(), min(limit, 500))
	if err != nil {
		writeAppError(w, apperr.Internal("EVENT_LOAD_FAILED", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	now := s.now().UTC()
	ttl := s.cfg.JWTTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminSubject(ctx context.Context) string {
	sub, _ := ctx.Value(contextKeyAdminSubject).(string)
	if sub == "" {
		return "admin"
	}
	return sub
}

// errorBody maps an error kind to its HTTP status and {"error","code"} body.
func errorBody(err error) (int, map[string]interface{}) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindStateConflict:
		status = http.StatusConflict
	case apperr.KindRiskRejection:
		status = http.StatusUnprocessableEntity
	case apperr.KindBroker:
		status = http.StatusBadGateway
		if apperr.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if status == http.StatusInternalServerError {
		httpLog.WithError(err).Error("request failed")
		msg = "internal error"
	}
	body := map[string]interface{}{"error": msg, "code": apperr.CodeOf(err)}
	if class := apperr.BrokerClassOf(err); class != "" {
		body["broker_class"] = class
	}
	return status, body
}

func writeAppError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	writeJSON(w, status, body)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
