package auth

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/rbac"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// Extractor derives an ID from the request. Extractors are pure and bound
// at route definition time.
type Extractor func(r *http.Request) string

// PathParam extracts a chi URL parameter.
func PathParam(name string) Extractor {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// Requirement declares what a route demands of its caller.
type Requirement interface {
	requirement()
}

// None admits everyone, e.g. the health endpoint.
type None struct{}

// PlainToken requires a valid credential but performs no workspace
// checks. Used by runner-scoped endpoints where the route itself carries
// the scope.
type PlainToken struct{}

// WorkspaceMember requires any role in the workspace.
type WorkspaceMember struct {
	Workspace Extractor
}

// ResourcePermission requires a named permission on one resource.
// Denials use the not-found error class so a caller cannot probe for a
// resource's existence.
type ResourcePermission struct {
	Workspace  Extractor
	Resource   Extractor
	Permission string
}

// WorkspaceSuperAdmin requires the workspace's super-admin flag.
type WorkspaceSuperAdmin struct {
	Workspace Extractor
}

func (None) requirement()                {}
func (PlainToken) requirement()         {}
func (WorkspaceMember) requirement()    {}
func (ResourcePermission) requirement() {}
func (WorkspaceSuperAdmin) requirement() {}

// Middleware evaluates route requirements against the rbac snapshot
// cache.
type Middleware struct {
	store *store.Store
	rbac  *rbac.Service

	vocabMu sync.Mutex
	permIDs map[string]string
	typeIDs map[string]string
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(st *store.Store, rb *rbac.Service) *Middleware {
	return &Middleware{store: st, rbac: rb}
}

// vocabulary loads the seeded permission and resource-type IDs. The
// vocabulary is immutable after seeding, so a successful load serves the
// process lifetime; a failed load is retried on the next request.
func (m *Middleware) vocabulary(r *http.Request) (permIDs, typeIDs map[string]string, err error) {
	m.vocabMu.Lock()
	defer m.vocabMu.Unlock()
	if m.permIDs == nil {
		ids, err := m.store.PermissionIDs(r.Context())
		if err != nil {
			return nil, nil, apierror.Internal(err)
		}
		m.permIDs = ids
	}
	if m.typeIDs == nil {
		ids, err := m.store.ResourceTypeIDs(r.Context())
		if err != nil {
			return nil, nil, apierror.Internal(err)
		}
		m.typeIDs = ids
	}
	return m.permIDs, m.typeIDs, nil
}

// permissionID maps a permission name to its seeded ID.
func (m *Middleware) permissionID(r *http.Request, name string) (string, error) {
	permIDs, _, err := m.vocabulary(r)
	if err != nil {
		return "", err
	}
	id, ok := permIDs[name]
	if !ok {
		return "", apierror.Internal(nil)
	}
	return id, nil
}

// Require wraps a handler with the given requirement.
func (m *Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := req.(None); ok {
				next.ServeHTTP(w, r)
				return
			}

			cred, err := bearer(r)
			if err != nil {
				apierror.WriteHTTP(w, err)
				return
			}
			actor, err := Authenticate(r.Context(), m.store, cred)
			if err != nil {
				apierror.WriteHTTP(w, err)
				return
			}
			r = r.WithContext(WithActor(r.Context(), actor))

			if err := m.check(r, req, actor); err != nil {
				metrics.AuthzDenied.Inc()
				apierror.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) check(r *http.Request, req Requirement, actor *Actor) error {
	switch q := req.(type) {
	case PlainToken:
		return nil

	case WorkspaceMember:
		snap, err := m.rbac.SnapshotFor(r.Context(), actor.UserID, q.Workspace(r))
		if err != nil {
			return err
		}
		if !snap.HasAnyRole() {
			return apierror.Denied("access denied")
		}
		return nil

	case WorkspaceSuperAdmin:
		snap, err := m.rbac.SnapshotFor(r.Context(), actor.UserID, q.Workspace(r))
		if err != nil {
			return err
		}
		if !snap.IsSuperAdmin {
			return apierror.Denied("access denied")
		}
		return nil

	case ResourcePermission:
		// Missing resource, foreign workspace and absent grant all
		// collapse into the same not-found answer.
		notFound := apierror.NotFound("resource not found")

		workspaceID := q.Workspace(r)
		resourceID := q.Resource(r)
		res, err := m.store.GetResource(r.Context(), resourceID)
		if err != nil {
			if apierror.IsType(err, apierror.TypeNotFound) {
				return notFound
			}
			return err
		}
		if res.WorkspaceID != workspaceID {
			return notFound
		}
		if actor.RunnerID != "" {
			return m.checkRunnerScope(r, q, actor, res, notFound)
		}
		snap, err := m.rbac.SnapshotFor(r.Context(), actor.UserID, workspaceID)
		if err != nil {
			return err
		}
		permID, err := m.permissionID(r, q.Permission)
		if err != nil {
			return err
		}
		if !snap.HasPermissionOnResource(res.ID, res.TypeID, permID) {
			return notFound
		}
		return nil

	default:
		return apierror.Internal(nil)
	}
}

// checkRunnerScope authorizes a runner credential. A runner may view its
// own record and the deployments bound to it; everything else gets the
// same not-found answer as a missing resource.
func (m *Middleware) checkRunnerScope(r *http.Request, q ResourcePermission, actor *Actor, res *types.Resource, notFound error) error {
	_, typeIDs, err := m.vocabulary(r)
	if err != nil {
		return err
	}
	switch res.TypeID {
	case typeIDs[types.ResourceTypeRunner]:
		if res.ID == actor.RunnerID && q.Permission == types.PermissionRunnerView {
			return nil
		}
	case typeIDs[types.ResourceTypeDeployment]:
		if q.Permission != types.PermissionDeploymentView {
			return notFound
		}
		d, err := m.store.GetDeployment(r.Context(), res.WorkspaceID, res.ID)
		if err != nil {
			if apierror.IsType(err, apierror.TypeNotFound) {
				return notFound
			}
			return err
		}
		if d.RunnerID == actor.RunnerID {
			return nil
		}
	}
	return notFound
}
