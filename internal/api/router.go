// Package api implements the Control API adapter (spec.md §4.G / §6): a
// thin HTTP boundary translating JSON requests into Registry/Store/Loop
// operations. The router is assembled exactly the way
// smalllixin-gravity's internal/ingest/http.Server builds its chi router
// (RequestID, Recoverer, a structured request logger, Timeout), adapted
// to zerolog and a process-local correlation ID in place of gravity's
// slog-based one.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pedrofnts/queue-consumer/internal/broker"
	"github.com/pedrofnts/queue-consumer/internal/delivery"
	"github.com/pedrofnts/queue-consumer/internal/epoch"
	"github.com/pedrofnts/queue-consumer/internal/registry"
	"github.com/pedrofnts/queue-consumer/internal/store"
)

// Link is the subset of *broker.Link the Control API needs: health for
// GET /health, and queue inspection for /active-queues, /queue-info,
// /queues-info.
type Link interface {
	Healthy() bool
	CheckQueue(queue string) (broker.QueueInfo, error)
}

// Deps wires the Control API to its collaborators.
type Deps struct {
	Link     Link
	Registry *registry.Registry
	Store    *store.Store
	Loop     *delivery.Loop
	Epoch    *epoch.Manager

	// DefaultMinIntervalMs/DefaultMaxIntervalMs are the operator-configured
	// fallbacks (DEFAULT_MIN_INTERVAL_MS/DEFAULT_MAX_INTERVAL_MS) applied to
	// a POST /consume body that omits minInterval/maxInterval.
	DefaultMinIntervalMs int
	DefaultMaxIntervalMs int

	// Ctx is the process-lifetime context consumers started via POST
	// /consume run under. It must outlive any single request — the
	// delivery pipeline keeps using it for as long as the queue is
	// being consumed, not just for the duration of the HTTP round trip
	// that started it.
	Ctx context.Context
}

// handler holds Deps plus the request-scoped helpers handlers share.
type handler struct {
	Deps
}

// NewRouter assembles the Control API's chi.Mux with every route named in
// spec.md §6.
func NewRouter(deps Deps) *chi.Mux {
	h := &handler{Deps: deps}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Post("/consume", h.handleConsume)
	r.Get("/active-queues", h.handleActiveQueues)
	r.Get("/queue-info/{queue}", h.handleQueueInfo)
	r.Post("/queues-info", h.handleQueuesInfo)
	r.Post("/pause", h.handlePause)
	r.Post("/resume", h.handleResume)
	r.Post("/stop", h.handleStop)

	return r
}

type correlationIDKey struct{}

// requestID stamps every request with a uuid-based correlation ID,
// mirroring drlucaa-shopstream's processor.go use of google/uuid for
// per-event identifiers. Set both on the response header and the request
// context so handlers and the logger share one value.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := contextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", statusOrOK(ww.Status())).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", correlationIDFrom(r.Context())).
			Msg("request completed")
	})
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
