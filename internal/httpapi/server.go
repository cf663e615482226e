// Package httpapi exposes the trading facade as a JSON HTTP API. It is a
// thin shim: request decoding, error-to-status mapping, nothing else.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mervalmcp/internal/dispatch"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/tools"
	"mervalmcp/internal/transport"
)

// Server serves the trading API.
type Server struct {
	svc *tools.Service
	log *slog.Logger
}

// NewServer creates the HTTP server around the facade.
func NewServer(svc *tools.Service, log *slog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/users", s.handleUsers)

	mux.HandleFunc("POST /api/session/login", s.handleLogin)
	mux.HandleFunc("POST /api/session/logout", s.handleLogout)
	mux.HandleFunc("GET /api/session/status", s.handleSessionStatus)

	mux.HandleFunc("GET /api/marketdata/{symbol}", s.handleMarketData)
	mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/subscriptions/{token}", s.handleUnsubscribe)

	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/orders/{id}/await", s.handleAwaitOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)

	mux.HandleFunc("POST /api/mep/preview", s.handleMepPreview)
	mux.HandleFunc("POST /api/mep/execute", s.handleMepExecute)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeServiceError maps the facade's error taxonomy onto HTTP statuses.
// Partial MEP execution gets a structured body: the caller needs both
// order ids to resolve the position by hand.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		cfgErr     *domain.ConfigurationError
		authErr    *domain.AuthenticationError
		rejErr     *domain.OrderRejectedError
		staleErr   *domain.StaleDataError
		partialErr *domain.PartialExecutionError
		transErr   *domain.TransportError
	)
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.As(err, &authErr), errors.Is(err, transport.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dispatch.ErrUnknownOrder):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rejErr):
		writeError(w, http.StatusUnprocessableEntity, rejErr.Error())
	case errors.As(err, &staleErr):
		writeError(w, http.StatusServiceUnavailable, staleErr.Error())
	case errors.As(err, &partialErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":         "partial execution",
			"buy_order_id":  partialErr.BuyOrderID,
			"sell_order_id": partialErr.SellOrderID,
			"reason":        partialErr.Reason,
		})
	case errors.As(err, &transErr):
		writeError(w, http.StatusBadGateway, transErr.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string][]string{"users": s.svc.ListUsers()})
}

type sessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := s.svc.Login(r.Context(), req.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.svc.Logout(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.SessionStatus(r.URL.Query().Get("user")))
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetMarketData(r.Context(),
		r.URL.Query().Get("user"),
		r.PathValue("symbol"),
		r.URL.Query().Get("settlement"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, res)
}

type subscribeRequest struct {
	UserID     string `json:"user_id"`
	Symbol     string `json:"symbol"`
	Settlement string `json:"settlement,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := s.svc.Subscribe(r.Context(), req.UserID, req.Symbol, req.Settlement)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unsubscribe(r.Context(), r.PathValue("token")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.svc.ListSubscriptions(r.URL.Query().Get("user"))
	if subs == nil {
		subs = []tools.Subscription{}
	}
	writeJSON(w, map[string][]tools.Subscription{"subscriptions": subs})
}

type submitOrderRequest struct {
	UserID string `json:"user_id"`
	tools.OrderRequest
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	order, err := s.svc.SubmitOrder(r.Context(), req.UserID, req.OrderRequest)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.svc.ListOrders(r.URL.Query().Get("user"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, map[string][]domain.Order{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.GetOrder(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleAwaitOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.AwaitOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	err := s.svc.CancelOrder(r.Context(), r.URL.Query().Get("user"), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type mepRequest struct {
	UserID     string  `json:"user_id"`
	Bond       string  `json:"bond"`
	Settlement string  `json:"settlement,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
}

func (s *Server) handleMepPreview(w http.ResponseWriter, r *http.Request) {
	var req mepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.svc.MepPreview(r.Context(), req.UserID, req.Bond, req.Settlement, req.Direction)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleMepExecute(w http.ResponseWriter, r *http.Request) {
	var req mepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.svc.MepExecute(r.Context(), req.UserID, req.Bond, req.Settlement, req.Direction, req.Amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, res)
}
