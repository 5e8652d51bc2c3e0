package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concierge-dev/concierge/pkg/auth"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/catalog"
	"github.com/concierge-dev/concierge/pkg/connections"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/orchestrator"
	"github.com/concierge-dev/concierge/pkg/store"
)

// maxBodyBytes caps request bodies; chat turns are small.
const maxBodyBytes = 1 << 20

// handler assembles the router. Middleware order matters: observability
// first so every request is traced and measured, then request logging and
// CORS. Bearer auth guards the /api subtree only; /health and /metrics
// stay open for probes and scrapers.
func (s *Server) handler() http.Handler {
	r := chi.NewRouter()

	r.Use(observability.HTTPMiddleware(s.obs.GetTracer("concierge.http"), s.obs.GetMetrics()))
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Middleware(s.tokenValidator()))

		api.Post("/chat", s.handleChat)

		api.Route("/connections", func(conn chi.Router) {
			conn.Post("/initiate", s.handleInitiateConnection)
			conn.Post("/callback", s.handleConnectionCallback)
			conn.Get("/", s.handleListConnections)
			conn.Delete("/{appName}", s.handleDisconnect)
		})

		api.Post("/catalog/ingest", s.handleCatalogIngest)
		api.Get("/catalog/search", s.handleCatalogSearch)

		api.Get("/conversations", s.handleListConversations)
	})

	return r
}

// tokenValidator adapts the concrete validator to the middleware's
// interface, preserving nil when auth is disabled.
func (s *Server) tokenValidator() auth.TokenValidator {
	if s.validator == nil {
		return nil
	}
	return s.validator
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat runs one turn through the pipeline. Only malformed requests
// fail with an error status; pipeline degradation (analysis fallback, tool
// failures) still answers 200 with the detail in the body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkSubject(r, req.UserID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	// A verified token can fill in profile fields the client left blank.
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		if req.Email == "" {
			req.Email = claims.Email
		}
		if req.Name == "" {
			req.Name = claims.Name
		}
	}

	resp, err := s.deps.Pipeline.ProcessTurn(r.Context(), &req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Chat turn failed", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process chat request")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type initiateRequest struct {
	AppName string `json:"appName"`
	UserID  string `json:"userId"`
}

type initiateResponse struct {
	RedirectURL        string `json:"redirectUrl,omitempty"`
	ConnectedAccountID string `json:"connectedAccountId"`
	Status             string `json:"status"`
}

// handleInitiateConnection starts the OAuth handshake for one app. An
// already-ACTIVE connection answers without a redirect URL.
func (s *Server) handleInitiateConnection(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appName, err := requireApp(req.AppName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := s.checkSubject(r, userID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	info, err := s.deps.Connections.Initiate(r.Context(), userID, appName)
	if err != nil {
		slog.Error("Connection initiation failed", "app", appName, "user", userID, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to initiate %s connection", appName))
		return
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		RedirectURL:        info.RedirectURL,
		ConnectedAccountID: info.ID,
		Status:             info.Status,
	})
}

type callbackRequest struct {
	ConnectedAccountID string `json:"connectedAccountId"`
	UserID             string `json:"userId"`
	AppName            string `json:"appName"`
}

type connectionResponse struct {
	ID     string                 `json:"id"`
	Status store.ConnectionStatus `json:"status"`
}

// handleConnectionCallback lands the post-consent redirect and promotes
// the registry entry to its broker-confirmed status.
func (s *Server) handleConnectionCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appName, err := requireApp(req.AppName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if strings.TrimSpace(req.ConnectedAccountID) == "" {
		writeError(w, http.StatusBadRequest, "connectedAccountId is required")
		return
	}
	if err := s.checkSubject(r, userID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	conn, err := s.deps.Connections.Callback(r.Context(), userID, appName, req.ConnectedAccountID)
	if err != nil {
		if errors.Is(err, connections.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Connection callback failed", "app", appName, "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to complete connection callback")
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{ID: conn.AccountID, Status: conn.Status})
}

// handleListConnections returns the user's connections across all statuses.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	if err := s.checkSubject(r, userID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	conns, err := s.deps.Connections.List(r.Context(), userID)
	if err != nil {
		slog.Error("Connection listing failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []*store.AppConnection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// handleDisconnect moves the user's connection for the app to INACTIVE.
// The app name is not re-validated against the catalog so apps removed
// from it can still be disconnected.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	appName := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "appName")))
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	if err := s.checkSubject(r, userID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	conn, err := s.deps.Connections.Disconnect(r.Context(), userID, appName)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConnectionNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("no %s connection for this user", appName))
		case errors.Is(err, connections.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Disconnect failed", "app", appName, "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to disconnect")
		}
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{ID: conn.AccountID, Status: conn.Status})
}

type ingestRequest struct {
	AppName string `json:"appName"`
}

// handleCatalogIngest pulls one app's tool descriptors from the broker and
// refreshes that namespace in the vector index.
func (s *Server) handleCatalogIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appName, err := requireApp(req.AppName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, err := s.deps.Catalog.Ingest(r.Context(), appName)
	if err != nil {
		slog.Error("Catalog ingestion failed", "app", appName, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to ingest %s tools", appName))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": appName, "ingested": count})
}

// handleCatalogSearch runs a similarity search inside one app's namespace.
func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	appName, err := requireApp(r.URL.Query().Get("appName"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q query parameter is required")
		return
	}
	topK := 0
	if raw := r.URL.Query().Get("topK"); raw != "" {
		topK, err = strconv.Atoi(raw)
		if err != nil || topK < 1 {
			writeError(w, http.StatusBadRequest, "topK must be a positive integer")
			return
		}
	}

	matches, err := s.deps.Catalog.Search(r.Context(), appName, query, topK)
	if err != nil {
		slog.Error("Catalog search failed", "app", appName, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to search %s tools", appName))
		return
	}
	if matches == nil {
		matches = []catalog.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"app": appName, "matches": matches})
}

// handleListConversations lists a session's conversations, read through
// the conversations cache.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId query parameter is required")
		return
	}

	key := cache.ConversationsKey(sessionID)
	var conversations []*store.Conversation
	if hit, err := s.deps.Cache.Get(r.Context(), key, &conversations); err == nil && hit {
		writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
		return
	}

	conversations, err := s.deps.Store.ListConversations(r.Context(), sessionID)
	if err != nil {
		slog.Error("Conversation listing failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []*store.Conversation{}
	}
	if err := s.deps.Cache.Set(r.Context(), key, conversations, cache.TTLConversations); err != nil {
		slog.Debug("Failed to cache conversations", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// checkSubject enforces userId == token subject when the config asks for
// it. With auth disabled or enforcement off it is a no-op.
func (s *Server) checkSubject(r *http.Request, userID string) error {
	if s.cfg.Auth == nil || !s.cfg.Auth.EnforceSubject {
		return nil
	}
	return auth.CheckSubject(r.Context(), userID)
}

// requireApp normalizes an app name and rejects apps outside the catalog.
func requireApp(raw string) (string, error) {
	appName := strings.ToUpper(strings.TrimSpace(raw))
	if appName == "" {
		return "", fmt.Errorf("appName is required")
	}
	if !catalog.IsApp(appName) {
		return "", fmt.Errorf("unsupported app %q (supported: %s)", appName, strings.Join(catalog.Apps(), ", "))
	}
	return appName, nil
}

// loggingMiddleware logs each request at debug once the handler returns.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware applies permissive CORS; the API carries no cookies.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
