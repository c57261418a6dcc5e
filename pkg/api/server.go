package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/auth"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/events"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/provision"
	"github.com/canopyhq/canopy/pkg/rbac"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/stream"
)

// Server is the control plane's HTTP surface.
type Server struct {
	cfg     config.Server
	store   *store.Store
	rbac    *rbac.Service
	broker  *events.Broker
	streams *stream.Server
	queue   *provision.Queue
	auth    *auth.Middleware

	http *http.Server

	typeMu  sync.Mutex
	typeIDs map[string]string
}

// NewServer wires the API server.
func NewServer(cfg config.Server, st *store.Store, rb *rbac.Service, broker *events.Broker, queue *provision.Queue) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		rbac:    rb,
		broker:  broker,
		streams: stream.NewServer(st, broker),
		queue:   queue,
		auth:    auth.NewMiddleware(st, rb),
	}
	s.http = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// resourceTypeID maps a resource type name to its seeded ID. A failed
// load is retried on the next request rather than latched.
func (s *Server) resourceTypeID(ctx context.Context, name string) (string, error) {
	s.typeMu.Lock()
	defer s.typeMu.Unlock()
	if s.typeIDs == nil {
		ids, err := s.store.ResourceTypeIDs(ctx)
		if err != nil {
			return "", apierror.Internal(err)
		}
		s.typeIDs = ids
	}
	id, ok := s.typeIDs[name]
	if !ok {
		return "", apierror.Internal(nil)
	}
	return id, nil
}

// Router builds the route tree with each route's auth requirement
// declared inline.
func (s *Server) Router() http.Handler {
	workspaceParam := auth.PathParam("workspaceID")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.With(s.auth.Require(auth.None{})).Get("/healthz", s.handleHealth)
	r.With(s.auth.Require(auth.None{})).Method(http.MethodGet, "/metrics", metrics.Handler())

	r.With(s.auth.Require(auth.None{})).Post("/auth/login", s.handleLogin)
	r.With(s.auth.Require(auth.PlainToken{})).Post("/workspace", s.handleCreateWorkspace)

	r.Route("/workspace/{workspaceID}", func(r chi.Router) {
		r.With(s.auth.Require(auth.WorkspaceSuperAdmin{Workspace: workspaceParam})).
			Patch("/", s.handleUpdateWorkspace)

		// Creation routes check the named permission against the
		// workspace resource itself; the created record then gets its
		// own resource row.
		onWorkspace := func(permission string) func(http.Handler) http.Handler {
			return s.auth.Require(auth.ResourcePermission{
				Workspace:  workspaceParam,
				Resource:   workspaceParam,
				Permission: permission,
			})
		}
		onResource := func(param, permission string) func(http.Handler) http.Handler {
			return s.auth.Require(auth.ResourcePermission{
				Workspace:  workspaceParam,
				Resource:   auth.PathParam(param),
				Permission: permission,
			})
		}
		member := s.auth.Require(auth.WorkspaceMember{Workspace: workspaceParam})

		r.Route("/deployment", func(r chi.Router) {
			r.With(member).Get("/", s.handleListDeployments)
			r.With(onWorkspace("deployment::create")).Post("/", s.handleCreateDeployment)
			r.Route("/{deploymentID}", func(r chi.Router) {
				r.With(onResource("deploymentID", "deployment::view")).Get("/", s.handleGetDeployment)
				r.With(onResource("deploymentID", "deployment::edit")).Patch("/", s.handleUpdateDeployment)
				r.With(onResource("deploymentID", "deployment::delete")).Delete("/", s.handleDeleteDeployment)
				r.With(s.auth.Require(auth.PlainToken{})).Patch("/status", s.handleReportStatus)
			})
		})

		r.Route("/volume", func(r chi.Router) {
			r.With(member).Get("/", s.handleListVolumes)
			r.With(onWorkspace("volume::create")).Post("/", s.handleCreateVolume)
			r.Route("/{volumeID}", func(r chi.Router) {
				r.With(onResource("volumeID", "volume::view")).Get("/", s.handleGetVolume)
				r.With(onResource("volumeID", "volume::edit")).Patch("/", s.handleUpdateVolume)
				r.With(onResource("volumeID", "volume::delete")).Delete("/", s.handleDeleteVolume)
			})
		})

		r.Route("/runner", func(r chi.Router) {
			r.With(member).Get("/", s.handleListRunners)
			r.With(onWorkspace("runner::create")).Post("/", s.handleCreateRunner)
			r.Route("/{runnerID}", func(r chi.Router) {
				r.With(onResource("runnerID", "runner::view")).Get("/", s.handleGetRunner)
				r.With(onResource("runnerID", "runner::delete")).Delete("/", s.handleDeleteRunner)
				r.With(onResource("runnerID", "runner::view")).Get("/deployment", s.handleListRunnerDeployments)
				r.With(onResource("runnerID", "runner::view")).Get("/stream", s.streams.ServeStream)
			})
		})

		r.Route("/role", func(r chi.Router) {
			r.With(onWorkspace("role::view")).Get("/", s.handleListRoles)
			r.With(onWorkspace("role::create")).Post("/", s.handleCreateRole)
			r.Route("/{roleID}", func(r chi.Router) {
				r.With(onWorkspace("role::view")).Get("/", s.handleGetRole)
				r.With(onWorkspace("role::edit")).Patch("/", s.handleUpdateRole)
				r.With(onWorkspace("role::delete")).Delete("/", s.handleDeleteRole)
				r.With(onWorkspace("role::edit")).Post("/assign", s.handleAssignRole)
				r.With(onWorkspace("role::edit")).Post("/unassign", s.handleUnassignRole)
			})
		})

		r.Route("/region", func(r chi.Router) {
			r.With(onWorkspace("region::view")).Get("/", s.handleListRegions)
			r.With(onWorkspace("region::add")).Post("/", s.handleAddRegion)
			r.With(onWorkspace("region::delete")).Delete("/{regionID}", s.handleDeleteRegion)
		})
	})

	return r
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.BindAddress).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
