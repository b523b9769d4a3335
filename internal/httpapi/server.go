// Package httpapi exposes the bridge to the chat front-end over REST,
// mirroring the surface the front-end's webhook client expects.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bridge "github.com/wagiedev/opencode-bridge"
	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

// Server serves the bridge API.
type Server struct {
	log    *slog.Logger
	bridge *bridge.Bridge
}

// New creates an API server over the given bridge.
func New(log *slog.Logger, b *bridge.Bridge) *Server {
	return &Server{
		log:    log.With("component", "httpapi"),
		bridge: b,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("POST /session/start", s.handleSessionStart)
	mux.HandleFunc("POST /session/{id}/message", s.handleMessage)
	mux.HandleFunc("GET /session/{id}/status", s.handleStatus)
	mux.HandleFunc("DELETE /session/{id}", s.handleDelete)
	mux.HandleFunc("POST /session/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /session/{id}/events", s.handleEvents)

	return mux
}

// Run serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)

	go func() {
		s.log.Info("Bridge API listening", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

type sessionStartRequest struct {
	ChatID json.Number `json:"chat_id"`
	Title  string      `json:"title"`
	Agent  string      `json:"agent"`
}

type messageRequest struct {
	ChatID  json.Number       `json:"chat_id"`
	Message string            `json:"message"`
	Agent   string            `json:"agent"`
	Model   map[string]string `json:"model"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.bridge.Health(r.Context())

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             status.Status,
		"wrapper_version":    status.Version,
		"opencode_connected": status.BackendConnected,
		"backend_state":      status.BackendState,
		"timestamp":          status.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.bridge.Agents(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		out = append(out, map[string]any{
			"id":          agent["id"],
			"name":        agent["name"],
			"description": agent["description"],
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", err))

		return
	}

	session, err := s.bridge.StartSession(r.Context(), req.ChatID.String(), req.Title, req.Agent)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.SessionID,
		"status":     "created",
		"created_at": session.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", err))

		return
	}

	reply, err := s.bridge.SendMessage(r.Context(), sessionID, req.Message, bridge.MessageOptions{
		Agent: req.Agent,
		Model: req.Model,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": reply.SessionID,
		"status":     "completed",
		"response":   reply.Response,
		"created_at": reply.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.bridge.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := s.bridge.DeleteSession(r.Context(), sessionID); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "session_id": sessionID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := s.bridge.Abort(r.Context(), sessionID); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "session_id": sessionID})
}

// handleEvents re-serves a session's live event feed as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	events, cancel, err := s.bridge.Subscribe(sessionID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported", nil))

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("Event feed attached", "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
			return

		case event, open := <-events:
			if !open {
				return
			}

			if event.Name != "" {
				fmt.Fprintf(w, "event: %s\n", event.Name)
			}

			// Multi-line payloads go out as one data line per segment so
			// the frame is not cut short.
			for _, line := range strings.Split(event.Data, "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}

			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}

// writeError maps bridge errors onto HTTP statuses: a backend API error
// keeps its status, an unreachable backend is a bad gateway, a missing
// consumer or session is not found.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Error("Request failed", "error", err)

	switch {
	case errors.Is(err, bridgeerr.ErrNoConsumer), errors.Is(err, bridgeerr.ErrSessionNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody("session not found", err))

		return
	}

	if apiErr, ok := errors.AsType[*bridgeerr.APIError](err); ok {
		status := apiErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}

		s.writeJSON(w, status, errorBody("backend API error", err))

		return
	}

	if _, ok := errors.AsType[*bridgeerr.BackendConnectionError](err); ok {
		s.writeJSON(w, http.StatusBadGateway, errorBody("backend unreachable", err))

		return
	}

	s.writeJSON(w, http.StatusInternalServerError, errorBody("internal error", err))
}

func errorBody(msg string, err error) map[string]any {
	body := map[string]any{"error": msg}

	if err != nil {
		body["message"] = err.Error()
	}

	return body
}
