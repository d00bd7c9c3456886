package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marionette/services/swap"
)

const maxEventBytes = 256 << 10

// ReadyFunc reports whether a dependency is usable.
type ReadyFunc func(ctx context.Context) error

// RouterOptions configures the intake router.
type RouterOptions struct {
	// RequestsPerMinute caps intake requests per client IP; zero disables the limit.
	RequestsPerMinute int
	Ready             []ReadyFunc
	Logger            *log.Logger
}

type server struct {
	dispatcher *Dispatcher
	ready      []ReadyFunc
	logger     *log.Logger
}

// Router builds the HTTP intake: POST /v1/events plus health, readiness and
// metrics endpoints.
func Router(d *Dispatcher, opts RouterOptions) (http.Handler, error) {
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &server{dispatcher: d, ready: opts.Ready, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.RequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(opts.RequestsPerMinute, time.Minute))
		}
		r.Post("/events", s.handleEvent)
	})

	return r, nil
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		s.logger.Printf("WARN %s: read event body: %v", middleware.GetReqID(r.Context()), err)
		respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), body)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// statusFor maps dispatch errors so that only retryable failures produce a
// 5xx; EventBridge API destinations retry those and drop 4xx.
func statusFor(err error) int {
	var unknown *swap.UnknownStateError
	switch {
	case errors.As(err, &unknown):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
