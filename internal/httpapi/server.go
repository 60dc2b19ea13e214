package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

type Dependencies struct {
	Logger      *slog.Logger
	Addr        string
	Token       string // bearer token; empty disables auth
	Registry    *service.Registry
	Diagnostics *service.Diagnostics
	RunLog      store.RunLog
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	mux         *http.ServeMux
	registry    *service.Registry
	diagnostics *service.Diagnostics
	runLog      store.RunLog
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		logger:      d.Logger,
		mux:         mux,
		registry:    d.Registry,
		diagnostics: d.Diagnostics,
		runLog:      d.RunLog,
	}

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/bindings", s.handleList)
	mux.HandleFunc("GET /v1/bindings/search", s.handleSearch)
	mux.HandleFunc("GET /v1/bindings/{zone}/{mac}", s.handleGet)
	mux.HandleFunc("DELETE /v1/bindings/{zone}/{mac}", s.handleRemove)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/selftest", s.handleSelfTest)
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("POST /v1/grants", s.handleGrant)

	handler := loggingMiddleware(d.Logger, authMiddleware(d.Token, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bindingsResponse struct {
	Bindings []types.Binding `json:"bindings"`
	Count    int             `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	bs, err := s.registry.List(r.Context(), r.URL.Query().Get("zone"))
	if err != nil {
		s.internalError(w, r, "list", err)
		return
	}
	respond(w, r, http.StatusOK, bindingsResponse{Bindings: nonNil(bs), Count: len(bs)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	bs, err := s.registry.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.internalError(w, r, "search", err)
		return
	}
	respond(w, r, http.StatusOK, bindingsResponse{Bindings: nonNil(bs), Count: len(bs)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.registry.Get(r.Context(), r.PathValue("zone"), r.PathValue("mac"))
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no live binding for that zone and mac")
		return
	}
	if err != nil {
		s.internalError(w, r, "get", err)
		return
	}
	respond(w, r, http.StatusOK, b)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "stats", err)
		return
	}
	respond(w, r, http.StatusOK, st)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runLog == nil {
		writeError(w, http.StatusNotImplemented, "no_run_log", "run history is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runLog.RecentRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "runs", err)
		return
	}
	if runs == nil {
		runs = []types.RunSummary{}
	}
	respond(w, r, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		writeError(w, http.StatusNotImplemented, "no_diagnostics", "diagnostics are not configured")
		return
	}
	rep := s.diagnostics.Run(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	respond(w, r, status, map[string]any{"ok": rep.OK(), "checks": rep.Checks})
}

// ── Mutations ────────────────────────────────────────────────────────────────

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	zone, mac := r.PathValue("zone"), r.PathValue("mac")
	res, err := s.registry.Remove(r.Context(), zone, mac)
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no binding for that zone and mac")
		return
	case errors.Is(err, lock.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusConflict, "run_in_progress", "a reconciliation run holds the lock; retry shortly")
		return
	case errors.Is(err, service.ErrPortalUnreachable):
		writeError(w, http.StatusBadGateway, "portal_unreachable", err.Error())
		return
	case errors.Is(err, service.ErrRemoveFailed):
		writeError(w, http.StatusBadGateway, "portal_remove_failed", err.Error())
		return
	case err != nil:
		s.internalError(w, r, "remove", err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"zone":            zone,
		"mac":             mac,
		"portal_removed":  res.Removed,
		"portal_errors":   res.Errors,
		"foreign_skipped": res.ForeignSkipped,
	})
}

type grantRequest struct {
	Zone       string    `json:"zone"`
	MAC        string    `json:"mac"`
	ExpiresAt  time.Time `json:"expires_at"`
	ProofToken string    `json:"proof_token"`
	SourceAddr string    `json:"source_addr"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if isProtobuf(r) {
		st, err := readStruct(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_proto", "invalid protobuf body")
			return
		}
		if req, err = grantRequestFromStruct(st); err != nil {
			writeError(w, http.StatusBadRequest, "bad_proto", err.Error())
			return
		}
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
			return
		}
	}

	ev, err := s.registry.Submit(r.Context(), types.GrantEvent{
		Zone:       req.Zone,
		MAC:        req.MAC,
		ExpiresAt:  req.ExpiresAt,
		ProofToken: req.ProofToken,
		SourceAddr: req.SourceAddr,
	})
	if errors.Is(err, service.ErrInvalidGrant) {
		writeError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, "grant", err)
		return
	}
	respond(w, r, http.StatusAccepted, ev)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("request failed", "op", op, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}

func nonNil(bs []types.Binding) []types.Binding {
	if bs == nil {
		return []types.Binding{}
	}
	return bs
}
