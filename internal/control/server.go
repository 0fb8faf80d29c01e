// Package control exposes the session controller to local UIs over HTTP.
//
// Every route only translates requests into controller calls; no session
// state lives here. The event stream at /events is a websocket carrying a
// snapshot followed by every [session.Event] as JSON text frames.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/config"
	"tools.zach/dev/bumpmate/internal/history"
	"tools.zach/dev/bumpmate/internal/page"
	"tools.zach/dev/bumpmate/internal/precheck"
	"tools.zach/dev/bumpmate/internal/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	maxBodyBytes        = 64 << 10
	eventWriteTimeout   = 5 * time.Second
	eventBuffer         = 64
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Controller is the session surface the API drives.
type Controller interface {
	Start(ctx context.Context, kind action.Kind) error
	Stop(ctx context.Context) error
	Navigate(ctx context.Context, pc page.Context) error
	Snapshot() session.Session
	Subscribe(buffer int) (<-chan session.Event, func())
}

// Guard handles teardown reports.
type Guard interface {
	Teardown() bool
}

// History returns recent runs.
type History interface {
	Tail(n int) ([]history.Record, error)
}

// Presets manages named task settings.
type Presets interface {
	PresetNames() []string
	ApplyPreset(name string) error
	SavePreset(name string) error
	DeletePreset(name string) error
}

// Classifier turns a reported URL into a page context.
type Classifier interface {
	Classify(rawURL, identity string) page.Context
}

// PageStore keeps the last reported page for sources fed by the API.
type PageStore interface {
	Set(snap page.Snapshot)
}

// Options wires a [Server]. Controller is required; routes whose
// collaborator is nil answer 404.
type Options struct {
	Controller Controller
	Guard      Guard
	History    History
	Presets    Presets
	Classifier Classifier
	// Pages, when set, receives every reported page with its counters.
	Pages PageStore
	// Identity supplies the configured username for page reports that do
	// not carry one.
	Identity func() string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// OriginPatterns lists browser origins allowed on /events. Requests
	// without an Origin header are always accepted. Empty means loopback
	// only.
	OriginPatterns []string
}

// loopbackOrigins is the default event stream origin allowlist.
var loopbackOrigins = []string{"127.0.0.1:*", "localhost:*"}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Server is the control API.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = loopbackOrigins
	}
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/session", s.handleSession)
	r.Post("/actions/{kind}", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/page", s.handlePage)
	r.Post("/teardown", s.handleTeardown)
	r.Get("/events", s.handleEvents)
	r.Get("/history", s.handleHistory)
	r.Route("/presets", func(r chi.Router) {
		r.Get("/", s.handlePresetList)
		r.Post("/{name}", s.handlePreset(Presets.ApplyPreset, "applied"))
		r.Put("/{name}", s.handlePreset(Presets.SavePreset, "saved"))
		r.Delete("/{name}", s.handlePreset(Presets.DeletePreset, "deleted"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. ready, when non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("control request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

// ///////////////////////////////////////////////
// Handlers
// ///////////////////////////////////////////////

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.Controller.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, err := action.Parse(chi.URLParam(r, "kind"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Controller.Start(r.Context(), kind); err != nil {
		respondStartError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Controller.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Stop(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Controller.Snapshot())
}

// pageReport is the body of POST /page.
type pageReport struct {
	URL      string          `json:"url"`
	Identity string          `json:"identity"`
	Counts   precheck.Counts `json:"counts"`
	Cookies  string          `json:"cookies,omitempty"`
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Classifier == nil {
		http.NotFound(w, r)
		return
	}
	var body pageReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode page report: %w", err))
		return
	}
	if body.URL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	identity := body.Identity
	if identity == "" && s.opts.Identity != nil {
		identity = s.opts.Identity()
	}
	pc := s.opts.Classifier.Classify(body.URL, identity)
	if s.opts.Pages != nil {
		s.opts.Pages.Set(page.Snapshot{Context: pc, Counts: body.Counts, Cookies: body.Cookies})
	}
	if err := s.opts.Controller.Navigate(r.Context(), pc); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Controller.Snapshot())
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if s.opts.Guard == nil {
		http.NotFound(w, r)
		return
	}
	active := s.opts.Guard.Teardown()
	respondJSON(w, http.StatusAccepted, map[string]bool{"was_active": active})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.NotFound(w, r)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.opts.History.Tail(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Presets == nil {
		http.NotFound(w, r)
		return
	}
	names := s.opts.Presets.PresetNames()
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, names)
}

// handlePreset runs op on the named preset and reports it under verb.
func (s *Server) handlePreset(op func(Presets, string) error, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Presets == nil {
			http.NotFound(w, r)
			return
		}
		name := chi.URLParam(r, "name")
		if err := op(s.opts.Presets, name); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, config.ErrNoPreset):
				status = http.StatusNotFound
			case errors.Is(err, config.ErrPresetName):
				status = http.StatusBadRequest
			}
			respondError(w, status, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{verb: name})
	}
}

// ///////////////////////////////////////////////
// Event Stream
// ///////////////////////////////////////////////

// streamFrame is one message on the event stream.
type streamFrame struct {
	Type    string           `json:"type"`
	Session *session.Session `json:"session,omitempty"`
	Event   *session.Event   `json:"event,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		slog.Warn("event stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	// Subscribe before the snapshot so no transition falls between them.
	events, cancel := s.opts.Controller.Subscribe(eventBuffer)
	defer cancel()

	// Clients never send; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	snap := s.opts.Controller.Snapshot()
	if err := writeFrame(ctx, conn, streamFrame{Type: "snapshot", Session: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeFrame(ctx, conn, streamFrame{Type: "event", Event: &e}); err != nil {
				slog.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// ///////////////////////////////////////////////
// Responses
// ///////////////////////////////////////////////

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	TopUp   bool   `json:"top_up,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorBody{Error: err.Error(), Status: status})
}

// respondStartError maps controller start failures to HTTP statuses.
func respondStartError(w http.ResponseWriter, err error) {
	var rej *precheck.RejectedError
	switch {
	case errors.As(err, &rej):
		respondJSON(w, http.StatusConflict, errorBody{
			Error:   err.Error(),
			Status:  http.StatusConflict,
			Reason:  string(rej.Reason),
			Message: rej.Reason.Message(),
			TopUp:   rej.Reason.TopUp(),
		})
	case errors.Is(err, session.ErrConnect):
		respondError(w, http.StatusBadGateway, err)
	case errors.Is(err, session.ErrNoPage), errors.Is(err, session.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}
