package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/records"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// registerHTTPRoutes mounts every HTTP route on r.
func (s *Server) registerHTTPRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireToken)

		api.Post("/chat", s.handleChat)
		api.Route("/tenants/{tenantID}", func(t chi.Router) {
			t.Get("/search", s.handleSearch)
			t.Delete("/sessions", s.handleClear)
			t.Delete("/sessions/{sessionID}", s.handleClear)
		})

		if s.records != nil {
			api.Get("/records", s.handleRecordList)
			api.Route("/records/{key}", func(rec chi.Router) {
				rec.Get("/", s.handleRecordGet)
				rec.Put("/", s.handleRecordPut)
				rec.Delete("/", s.handleRecordDelete)
				rec.Post("/visits/{visit}", s.handleVisitComplete)
			})
		}

		if s.reminders != nil {
			api.Get("/reminders", s.handleReminderStats)
			api.Post("/reminders/run", s.handleReminderRun)
		}
	})
}

// HealthResponse is returned by /health. The public endpoint only sets Status.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Clients int    `json:"clients,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}
	reply, err := s.conv.HandleMessage(r.Context(), req.UserID, req.SessionID, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenant := pathParam(r, "tenantID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	hits, err := s.conv.Search(r.Context(), tenant, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits, "count": len(hits)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.conv.Clear(r.Context(), pathParam(r, "tenantID"), pathParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	status := records.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = records.StatusAll
	}
	views, err := s.records.List(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)})
}

func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.records.Fetch(r.Context(), pathParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRecordPut(w http.ResponseWriter, r *http.Request) {
	var f records.Fields
	if !decodeBody(w, r, &f) {
		return
	}
	v, err := s.records.Upsert(r.Context(), pathParam(r, "key"), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if err := s.records.Delete(r.Context(), pathParam(r, "key"), confirm); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// VisitRequest is the optional body of POST /api/records/{key}/visits/{visit}.
type VisitRequest struct {
	CompletedDate string `json:"completed_date,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (s *Server) handleVisitComplete(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(pathParam(r, "visit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "visit must be a number")
		return
	}
	var req VisitRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	v, err := s.records.CompleteVisit(r.Context(), pathParam(r, "key"), number, req.CompletedDate, req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReminderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reminders.Stats())
}

func (s *Server) handleReminderRun(w http.ResponseWriter, r *http.Request) {
	sent, err := s.reminders.RunOnce(r.Context(), time.Now())
	resp := map[string]any{"sent": sent, "count": len(sent)}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorStatus maps the error taxonomy to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrIsolationViolation):
		return http.StatusInternalServerError, "isolation_violation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "generation_timeout"
	case errors.Is(err, domain.ErrGenerationFailure):
		return http.StatusBadGateway, "generation_failure"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, records.ErrConfirmationRequired):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage hides internal error detail from callers.
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeError(w, status, code, publicMessage(status, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]ErrorShape{"error": {Code: code, Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// pathParam returns a decoded URL parameter. Phone keys often arrive as %2B.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
