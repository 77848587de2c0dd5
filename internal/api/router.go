// Package api exposes the download engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/mediafetch/mediafetch/internal/db"
	"github.com/mediafetch/mediafetch/internal/download"
	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/health"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/middleware"
	"github.com/mediafetch/mediafetch/internal/platform"
	"github.com/mediafetch/mediafetch/internal/signlink"
	"github.com/mediafetch/mediafetch/internal/storage"
	"github.com/mediafetch/mediafetch/internal/stream"
)

// Tasks is the orchestrator surface the handlers drive.
type Tasks interface {
	Submit(ctx context.Context, req download.Request) (download.Snapshot, error)
	Get(id string) (download.Snapshot, error)
	List() []download.Snapshot
	Cancel(id string) (download.Snapshot, error)
}

// Resolver turns a user URL into normalized metadata.
type Resolver interface {
	Resolve(ctx context.Context, rawURL, platformHint string) (platform.Result, *media.MediaMetadata, error)
}

// Canonicalizer maps a user URL to its canonical form without extraction.
type Canonicalizer interface {
	CanonicalizeFor(raw, hint string) (platform.Result, error)
}

// TaskLookup finds snapshots of tasks owned by other instances.
type TaskLookup interface {
	Lookup(ctx context.Context, id string) (download.Snapshot, error)
}

// History reads persisted terminal tasks.
type History interface {
	Recent(ctx context.Context, opts db.HistoryQueryOptions) ([]db.HistoryEntry, int, error)
	Get(ctx context.Context, taskID string) (*db.HistoryEntry, error)
}

// Deps are the collaborators behind the routes. Mirror, History, Objects,
// WebSocket and Health are optional.
type Deps struct {
	Tasks     Tasks
	Resolver  Resolver
	Platforms Canonicalizer
	Links     *signlink.Issuer
	Proxy     *stream.Proxy
	// Files holds artifacts in the local download directory.
	Files storage.Store
	// Objects is the remote artifact store, when configured.
	Objects   storage.Store
	Mirror    TaskLookup
	History   History
	WebSocket http.HandlerFunc
	Health    *health.Handler
	Metrics   *metrics.Metrics
}

// Options tune the router.
type Options struct {
	APIKeyHash    string
	CORSOrigins   []string
	RequestRate   float64
	RequestBurst  int
	PublicBaseURL string
}

type Router struct {
	mux     *http.ServeMux
	deps    Deps
	opts    Options
	limiter *middleware.RateLimiter
	log     *logger.Logger
}

func NewRouter(deps Deps, opts Options) *Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		deps:    deps,
		opts:    opts,
		limiter: middleware.NewRateLimiter(opts.RequestRate, opts.RequestBurst),
		log:     logger.Default().WithComponent("api"),
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Handler returns the router wrapped in the shared middleware stack.
func (r *Router) Handler() http.Handler {
	return middleware.Chain(r,
		apperrors.RequestIDMiddleware,
		logger.RecoveryMiddleware,
		logger.LoggingMiddleware,
		metrics.MetricsMiddleware(r.deps.Metrics),
		middleware.Timing,
		middleware.CORS(r.opts.CORSOrigins),
		middleware.Gzip("/dl", "/files/", "/ws", "/api/dl", "/api/files/", "/api/ws"),
	)
}

func (r *Router) setupRoutes() {
	guard := middleware.APIKey(r.opts.APIKeyHash)
	limit := r.limiter.Middleware

	r.handle("GET /info", middleware.Chain(r.errors(r.getInfo), limit, middleware.ETag))
	r.handle("POST /download", middleware.Chain(r.errors(r.postDownload), guard, limit))
	r.handle("GET /task/{id}", r.errors(r.getTask))
	r.handle("DELETE /task/{id}", middleware.Chain(r.errors(r.deleteTask), guard))
	r.handle("GET /tasks", r.errors(r.listTasks))
	r.handle("GET /tasks/history", middleware.Chain(r.errors(r.listHistory), middleware.ETag))
	r.handle("GET /sign", middleware.Chain(r.errors(r.getSign), guard))
	r.handle("GET /dl", middleware.Chain(r.errors(r.getDL), limit))
	r.handle("GET /files/{id}", r.errors(r.getFile))

	if r.deps.WebSocket != nil {
		r.handle("GET /ws", r.deps.WebSocket)
	}
	if r.deps.Health != nil {
		r.mux.HandleFunc("GET /health/live", r.deps.Health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.deps.Health.ReadinessHandler)
	}
	r.mux.Handle("GET /metrics", r.deps.Metrics.Handler())
}

// handle registers pattern and its /api-prefixed alias.
func (r *Router) handle(pattern string, h http.Handler) {
	method, path, _ := strings.Cut(pattern, " ")
	r.mux.Handle(pattern, h)
	r.mux.Handle(method+" /api"+path, h)
}

func (r *Router) errors(h apperrors.Handler) http.Handler {
	return apperrors.HandleFunc(h)
}
