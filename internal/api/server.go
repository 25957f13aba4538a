// Package api exposes the assistant session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/internal/apperr"
	"github.com/seanblong/dbassist/internal/auth"
	"github.com/seanblong/dbassist/internal/credential"
	"github.com/seanblong/dbassist/internal/index"
	"github.com/seanblong/dbassist/internal/pipeline"
	"github.com/seanblong/dbassist/internal/session"
	"github.com/seanblong/dbassist/internal/store"
	"github.com/seanblong/dbassist/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxBodyBytes        = 1 << 20
)

// Server routes operator actions to a Session. Ledger and Auth are optional.
type Server struct {
	Session *session.Session
	Ledger  *store.Ledger
	Auth    *auth.Authenticator
	// EnvFile receives credentials the operator asks to persist.
	EnvFile string
	KeyName string
}

type credentialRequest struct {
	APIKey  string `json:"api_key"`
	Persist bool   `json:"persist"`
}

type credentialResponse struct {
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
	State     string `json:"state"`
}

type submitRequest struct {
	Request string `json:"request"`
}

type submitResponse struct {
	models.GenerationResponse
	Text string `json:"text"`
}

type attempt struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error,omitempty"`
}

type buildResponse struct {
	Strategy string         `json:"strategy,omitempty"`
	Attempts []attempt      `json:"attempts"`
	Status   session.Status `json:"status"`
}

// Handler returns the routed, access-logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.Auth.Enabled()})
	})

	protect := func(h http.HandlerFunc) http.Handler {
		if s.Auth == nil {
			return h
		}
		return s.Auth.Middleware(h)
	}
	mux.Handle("GET /status", protect(s.handleStatus))
	mux.Handle("POST /credential", protect(s.handleCredential))
	mux.Handle("DELETE /credential", protect(s.handleClearCredential))
	mux.Handle("POST /requests", protect(s.handleSubmit))
	mux.Handle("POST /index/build", protect(s.handleBuild))
	mux.Handle("POST /index/reset", protect(s.handleReset))
	mux.Handle("GET /history", protect(s.handleHistory))
	return mux
}

// pinger is implemented by ledger stores backed by a live connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Ledger != nil {
		if p, ok := s.Ledger.Store.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("history ledger unreachable")
				http.Error(w, "history ledger unreachable", http.StatusServiceUnavailable)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decode(w, r, &req) {
		return
	}

	ok, msg, err := s.Session.SupplyCredential(r.Context(), req.APIKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := credentialResponse{Valid: ok, Message: msg, State: s.Session.CredentialState().String()}
	if ok && req.Persist && s.EnvFile != "" {
		key := s.KeyName
		if key == "" {
			key = credential.DefaultKeyName
		}
		if err := credential.Persist(s.EnvFile, key, req.APIKey); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("file", s.EnvFile).Msg("failed to persist credential")
			resp.Message = "credential accepted but not saved: " + err.Error()
		} else {
			resp.Persisted = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCredential(w http.ResponseWriter, r *http.Request) {
	s.Session.ClearCredential()
	writeJSON(w, http.StatusOK, credentialResponse{State: s.Session.CredentialState().String()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := s.Session.Submit(r.Context(), req.Request)
	if err != nil {
		writeError(w, r, err)
		return
	}
	l := hlog.FromRequest(r).Info().Str("action_type", resp.ActionType).Bool("sentinel", resp.IsSentinel()).Dur("dur", time.Since(start))
	if op := auth.OperatorFromContext(r.Context()); op != nil {
		l = l.Str("operator", op.Name)
	}
	l.Msg("request answered")
	writeJSON(w, http.StatusOK, submitResponse{GenerationResponse: resp, Text: resp.Text()})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var (
		report index.BuildReport
		err    error
	)
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		report, err = s.Session.Rebuild(r.Context())
	} else {
		report, err = s.Session.EnsureIndex(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := buildResponse{Strategy: report.Strategy, Attempts: make([]attempt, 0, len(report.Attempts)), Status: s.Session.Status()}
	for _, a := range report.Attempts {
		at := attempt{Strategy: a.Strategy}
		if a.Err != nil {
			at.Error = a.Err.Error()
		}
		out.Attempts = append(out.Attempts, at)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.ResetIndex(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Session.Status())
}

// handleHistory serves the session history. With a ledger, ?source=ledger
// reads the persisted history, ?similar=<text> ranks past requests and
// ?facets=action_types lists the action types recorded so far.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	similar := strings.TrimSpace(q.Get("similar"))
	facets := q.Get("facets")
	if facets != "" && facets != "action_types" {
		http.Error(w, "unknown facet "+strconv.Quote(facets), http.StatusBadRequest)
		return
	}
	if q.Get("source") != "ledger" && similar == "" && facets == "" {
		writeJSON(w, http.StatusOK, s.Session.History())
		return
	}
	if s.Ledger == nil {
		http.Error(w, "history ledger is not configured", http.StatusNotImplemented)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if facets != "" {
		types, err := s.Ledger.Store.ActionTypes(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if types == nil {
			types = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"action_types": types})
		return
	}
	if similar != "" {
		res, err := s.Ledger.Similar(ctx, similar, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	res, err := s.Ledger.Store.Recent(ctx, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// StatusFor maps an operation error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoValidCredential), errors.Is(err, session.ErrIndexNotReady),
		errors.Is(err, index.ErrNoMatchingEmbedder):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrNoDocuments):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	case apperr.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Msg("operation failed")
	http.Error(w, err.Error(), status)
}
