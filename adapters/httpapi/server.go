// Package httpapi exposes the dispatcher over HTTP and WebSocket.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codewandler/trackr/core/dispatch"
	"github.com/codewandler/trackr/core/event"
)

const maxBodyBytes = 1 << 20

type Options struct {
	Dispatcher *dispatch.Dispatcher
	Log        *slog.Logger
	// RequestTimeout bounds request/response routes. Streams are not bounded.
	RequestTimeout time.Duration
	// OriginPatterns are passed to the WebSocket handshake. Empty means
	// same-origin only.
	OriginPatterns []string
}

type Server struct {
	d       *dispatch.Dispatcher
	log     *slog.Logger
	timeout time.Duration
	origins []string
	router  chi.Router
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		d:       opts.Dispatcher,
		log:     opts.Log.With(slog.String("component", "http")),
		timeout: opts.RequestTimeout,
		origins: opts.OriginPatterns,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(rw, "ok")
	})
	r.Get("/analytics", s.stream)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Post("/create", s.create)
		r.Post("/bind", s.bind)
		r.Post("/connect", s.connect)
		r.Post("/track", s.track)
		r.Get("/inspect", s.inspect)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// request carries every field the request/response routes accept.
// analytics_id and the id query parameter are aliases of identity.
type request struct {
	Identity    string        `json:"identity"`
	AnalyticsID string        `json:"analytics_id"`
	Events      []event.Event `json:"events"`
}

func decode(rw http.ResponseWriter, r *http.Request) (request, error) {
	var req request
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		return req, fmt.Errorf("%w: %w", dispatch.ErrMalformedMessage, err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, fmt.Errorf("%w: %w", dispatch.ErrMalformedMessage, err)
		}
	}
	if req.Identity == "" {
		req.Identity = req.AnalyticsID
	}
	if req.Identity == "" {
		req.Identity = queryIdentity(r)
	}
	return req, nil
}

func queryIdentity(r *http.Request) string {
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		return id
	}
	return q.Get("analytics_id")
}

type CreateResponse struct {
	Identity    string `json:"identity"`
	AnalyticsID string `json:"analytics_id"`
}

func (s *Server) create(rw http.ResponseWriter, r *http.Request) {
	c, err := s.d.CreateIdentity(r.Context())
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, CreateResponse{Identity: c.Identity, AnalyticsID: c.Identity})
}

type StatusResponse struct {
	Status string `json:"status"`
}

func (s *Server) bind(rw http.ResponseWriter, r *http.Request) {
	req, err := decode(rw, r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	status, err := s.d.Bind(r.Context(), req.Identity)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, StatusResponse{Status: string(status)})
}

func (s *Server) connect(rw http.ResponseWriter, r *http.Request) {
	req, err := decode(rw, r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	res, err := s.d.Connect(r.Context(), req.Identity)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	// a request/response connect has no transport to hold open
	if err := s.d.Release(r.Context(), req.Identity); err != nil {
		s.log.Warn("connect: release failed", slog.Any("error", err))
	}
	writeJSON(rw, http.StatusOK, StatusResponse{Status: res.Status})
}

type TrackResponse struct {
	Queued int `json:"queued"`
}

func (s *Server) track(rw http.ResponseWriter, r *http.Request) {
	req, err := decode(rw, r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	if req.Events == nil {
		s.writeError(rw, r, fmt.Errorf("%w: events required", dispatch.ErrMalformedMessage))
		return
	}
	n, err := s.d.Track(r.Context(), req.Identity, req.Events)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, TrackResponse{Queued: n})
}

func (s *Server) inspect(rw http.ResponseWriter, r *http.Request) {
	snap, err := s.d.Inspect(r.Context(), queryIdentity(r))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, snap)
}
