package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bookrecord/internal/ratelimit"
	"bookrecord/internal/servicetoken"
	"bookrecord/internal/util"
	"bookrecord/pkg/domain"
	"bookrecord/pkg/ledger"
	"bookrecord/services/ledger/internal/app"
)

const maxBodyBytes = 64 << 10

// CallerVerifier turns a bearer token into a caller.
type CallerVerifier interface {
	Verify(ctx context.Context, token string) (domain.Caller, error)
}

// DelegatedVerifier adapts a servicetoken.Verifier to CallerVerifier.
type DelegatedVerifier struct {
	*servicetoken.Verifier
}

func (d DelegatedVerifier) Verify(ctx context.Context, token string) (domain.Caller, error) {
	return d.Verifier.Verify(ctx, token)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Verifiers are tried in order; the first success names the caller.
	Verifiers      []CallerVerifier
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the ledger over HTTP.
type Server struct {
	app       *app.App
	verifiers []CallerVerifier
	limiter   *ratelimit.FixedWindowLimiter
	trusted   *util.TrustedProxies
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	verifiers := make([]CallerVerifier, 0, len(cfg.Verifiers))
	for _, v := range cfg.Verifiers {
		if v != nil {
			verifiers = append(verifiers, v)
		}
	}
	if len(verifiers) == 0 {
		return nil, errors.New("server requires at least one caller verifier")
	}
	s := &Server{
		app:       cfg.App,
		verifiers: verifiers,
		limiter:   cfg.Limiter,
		trusted:   cfg.TrustedProxies,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain("ledger", s.trusted, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/books", s.withCaller(s.handleBooks))
	s.mux.Handle("/books/", s.withCaller(s.handleBookPath))
	s.mux.Handle("/events", s.withCaller(s.handleEvents))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		notFound(w, "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callerHandler func(http.ResponseWriter, *http.Request, domain.Caller)

func (s *Server) withCaller(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var lastErr error
		for _, v := range s.verifiers {
			caller, err := v.Verify(r.Context(), token)
			if err == nil {
				ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("caller", caller.ID))
				next(w, r.WithContext(ctx), caller)
				return
			}
			lastErr = err
		}
		util.LoggerFromContext(r.Context()).Info("caller rejected", "err", lastErr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// allowMutation charges one hit against the caller's mutation budget.
func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request, caller domain.Caller) bool {
	if s.limiter == nil {
		return true
	}
	d := s.limiter.Allow(r.Context(), caller.ID)
	if d.Allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		return true
	}
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	switch r.Method {
	case http.MethodGet:
		s.writeBooks(w, r, caller, domain.FilterAny)
	case http.MethodPost:
		s.handleAddBook(w, r, caller)
	default:
		methodNotAllowed(w)
	}
}

// /books/completed, /books/uncompleted, /books/export or /books/{id}
func (s *Server) handleBookPath(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	switch rest {
	case "completed", "uncompleted":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.writeBooks(w, r, caller, domain.CompletionFilter(rest))
		return
	case "export":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleExport(w, r, caller)
		return
	case "":
		notFound(w, "not found")
		return
	}
	if strings.Contains(rest, "/") {
		notFound(w, "not found")
		return
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	s.handleSetCompleted(w, r, caller, id)
}

type addBookRequest struct {
	Title     string `json:"title"`
	Year      int64  `json:"year"`
	Author    string `json:"author"`
	Completed bool   `json:"completed"`
}

type addBookResponse struct {
	ID    uint64       `json:"id"`
	Event domain.Event `json:"event"`
}

func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var req addBookRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !s.allowMutation(w, r, caller) {
		return
	}
	entry, event, err := s.app.Ledger().AddBook(r.Context(), caller, req.Title, req.Year, req.Author, req.Completed)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addBookResponse{ID: entry.ID, Event: event})
}

type setCompletedRequest struct {
	Completed *bool `json:"completed"`
}

type setCompletedResponse struct {
	ID        uint64       `json:"id"`
	Completed bool         `json:"completed"`
	Event     domain.Event `json:"event"`
}

func (s *Server) handleSetCompleted(w http.ResponseWriter, r *http.Request, caller domain.Caller, id uint64) {
	var req setCompletedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Completed == nil {
		writeError(w, http.StatusBadRequest, "completed is required")
		return
	}
	if !s.allowMutation(w, r, caller) {
		return
	}
	event, err := s.app.Ledger().SetCompleted(r.Context(), caller, id, *req.Completed)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setCompletedResponse{ID: id, Completed: *req.Completed, Event: event})
}

func (s *Server) writeBooks(w http.ResponseWriter, r *http.Request, caller domain.Caller, filter domain.CompletionFilter) {
	var (
		books []domain.BookEntry
		err   error
	)
	l := s.app.Ledger()
	switch filter {
	case domain.FilterCompleted:
		books, err = l.CompletedBooks(r.Context(), caller)
	case domain.FilterUncompleted:
		books, err = l.UncompletedBooks(r.Context(), caller)
	default:
		books, err = l.Books(r.Context(), caller)
	}
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if books == nil {
		books = []domain.BookEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	var (
		after uint64
		limit int
		err   error
	)
	if v := strings.TrimSpace(q.Get("after")); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	events, err := s.app.Ledger().Events(r.Context(), caller, after, limit)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
		"next":  next,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if !s.app.ExportEnabled() {
		writeError(w, http.StatusServiceUnavailable, "export not configured")
		return
	}
	if !s.allowMutation(w, r, caller) {
		return
	}
	out, err := s.app.ExportBooks(r.Context(), caller)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrBookNotFound):
		notFound(w, "book not found")
	case errors.Is(err, ledger.ErrCallerRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrExportUnavailable):
		writeError(w, http.StatusServiceUnavailable, "export not configured")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		util.LoggerFromContext(r.Context()).Error("ledger operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "book not found":
		return "BOOK_NOT_FOUND"
	case "invalid book id":
		return "BOOK_INVALID_ID"
	case "export not configured":
		return "BOOK_EXPORT_UNAVAILABLE"
	case "too many requests":
		return "SYSTEM_RATE_LIMITED"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "BOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
