// Package api implements the CloudVoice HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudvoice/cloudvoice/internal/buildinfo"
	"github.com/cloudvoice/cloudvoice/internal/connwatch"
	"github.com/cloudvoice/cloudvoice/internal/history"
	"github.com/cloudvoice/cloudvoice/internal/orchestrator"
)

// DefaultOrigin is the browser origin allowed to call the API when no
// origin is configured.
const DefaultOrigin = "http://localhost:5173"

// maxUploadBytes caps the /transcribe request body.
const maxUploadBytes = 26 << 20

// TurnProcessor runs one conversational turn. Satisfied by
// *orchestrator.Orchestrator.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, conversationID, prompt string, approved bool) (*orchestrator.Reply, error)
}

// Transcriber converts an uploaded audio clip to text. Satisfied by
// *transcribe.Client.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// HealthSource reports dependency health. Satisfied by
// *connwatch.Manager.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	origin       string
	turns        TurnProcessor
	transcriber  Transcriber
	historyStore *history.Store
	health       HealthSource
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, origin string, turns TurnProcessor, logger *slog.Logger) *Server {
	if origin == "" {
		origin = DefaultOrigin
	}
	return &Server{
		address: address,
		port:    port,
		origin:  origin,
		turns:   turns,
		logger:  logger,
	}
}

// SetTranscriber configures the speech-to-text client for /transcribe.
func (s *Server) SetTranscriber(t Transcriber) {
	s.transcriber = t
}

// SetHistoryStore configures the audit store for history API endpoints.
func (s *Server) SetHistoryStore(hs *history.Store) {
	s.historyStore = hs
}

// SetHealthSource configures dependency health reporting for /health.
func (s *Server) SetHealthSource(h HealthSource) {
	s.health = h
}

// Handler builds the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Assistant endpoints
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Audit endpoints
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationClear)
	mux.HandleFunc("GET /v1/tools/calls", s.handleToolCalls)
	mux.HandleFunc("GET /v1/tools/stats", s.handleToolStats)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // covers a slow completion provider
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "origin", s.origin)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS admits browser calls from the single configured origin and
// answers preflight requests. Same-origin and non-browser requests
// (no Origin header) pass through untouched.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin == s.origin {
			w.Header().Set("Access-Control-Allow-Origin", s.origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "CloudVoice",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.health != nil {
		services := s.health.Status()
		for _, svc := range services {
			if !svc.Ready {
				body["status"] = "degraded"
				break
			}
		}
		body["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// ChatRequest is one conversational turn.
type ChatRequest struct {
	Prompt         string `json:"prompt"`
	Approved       bool   `json:"approved,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleChat runs one turn and returns the orchestrator's reply.
// POST /chat {"prompt": "deploy a gpu.large", "approved": true}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt is required")
		return
	}

	reply, err := s.turns.ProcessTurn(r.Context(), req.ConversationID, req.Prompt, req.Approved)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "assistant error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply, s.logger)
}

// TranscribeResponse carries the recognized text.
type TranscribeResponse struct {
	Text string `json:"text"`
}

// handleTranscribe accepts a multipart audio upload under the "file"
// field and returns the recognized text.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcription not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	text, err := s.transcriber.Transcribe(r.Context(), header.Filename, file)
	if err != nil {
		s.logger.Error("transcription failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "transcription failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TranscribeResponse{Text: text}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	id := r.PathValue("id")
	conv := s.historyStore.GetConversation(id)
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     s.historyStore.GetMessages(id),
	}, s.logger)
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	id := r.PathValue("id")
	if err := s.historyStore.Clear(id); err != nil {
		s.logger.Error("clear conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to clear conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cleared", "conversation_id": id}, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	calls := s.historyStore.GetToolCalls(convID, limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tool_calls": calls,
		"count":      len(calls),
	}, s.logger)
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.historyStore.Stats(), s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}
