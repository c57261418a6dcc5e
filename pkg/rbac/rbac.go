package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// Service computes and caches WorkspacePermission snapshots. It is an
// explicit instance handed to the authenticator, never a package global;
// every role or permission mutation path must call one of the Invalidate
// methods.
type Service struct {
	store *store.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]*types.WorkspacePermission
	// version increments on every invalidation. A compute that started
	// before an invalidation must not be cached after it.
	version uint64
}

type cacheKey struct {
	userID      string
	workspaceID string
}

// NewService creates a permission service with the given snapshot TTL. The
// TTL bounds how long a revoked grant can keep authorizing requests when an
// invalidation call is missed.
func NewService(s *store.Store, ttl time.Duration) *Service {
	return &Service{
		store: s,
		ttl:   ttl,
		cache: make(map[cacheKey]*types.WorkspacePermission),
	}
}

// SnapshotFor returns the permission snapshot for (user, workspace),
// serving from cache when fresh. The fast path is a read-locked map
// lookup so it can run on every control-plane request.
func (s *Service) SnapshotFor(ctx context.Context, userID, workspaceID string) (*types.WorkspacePermission, error) {
	key := cacheKey{userID: userID, workspaceID: workspaceID}

	s.mu.RLock()
	snapshot, ok := s.cache[key]
	version := s.version
	s.mu.RUnlock()
	if ok && time.Since(snapshot.CreatedAt) < s.ttl {
		metrics.AuthzCacheHits.Inc()
		return snapshot, nil
	}
	metrics.AuthzCacheMisses.Inc()

	snapshot, err := s.compute(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	s.storeSnapshot(key, snapshot, version)
	return snapshot, nil
}

// storeSnapshot caches a computed snapshot unless an invalidation landed
// after the compute started; the result is still served to its own
// request, but the next request recomputes.
func (s *Service) storeSnapshot(key cacheKey, snapshot *types.WorkspacePermission, version uint64) {
	s.mu.Lock()
	if s.version == version {
		s.cache[key] = snapshot
	}
	s.mu.Unlock()
}

// Invalidate drops every cached snapshot for the user. Callers invoke this
// before reporting their role mutation as committed, so no later
// authorization check can be served from the pre-mutation snapshot.
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	s.version++
	for key := range s.cache {
		if key.userID == userID {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}

// InvalidateWorkspace drops every cached snapshot for the workspace, used
// when a role definition changes and the assignee set is large.
func (s *Service) InvalidateWorkspace(workspaceID string) {
	s.mu.Lock()
	s.version++
	for key := range s.cache {
		if key.workspaceID == workspaceID {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}

// InvalidateRole drops cached snapshots for every user assigned the role.
func (s *Service) InvalidateRole(ctx context.Context, roleID string) {
	userIDs, err := s.store.UsersAssignedRole(ctx, roleID)
	if err != nil {
		// Fall back to letting the TTL bound staleness.
		logger := log.WithComponent("rbac")
		logger.Warn().Err(err).Str("role_id", roleID).Msg("failed to resolve role assignees, relying on TTL")
		return
	}
	for _, userID := range userIDs {
		s.Invalidate(userID)
	}
}

// compute rebuilds the snapshot from role assignments.
func (s *Service) compute(ctx context.Context, userID, workspaceID string) (*types.WorkspacePermission, error) {
	snapshot := &types.WorkspacePermission{
		UserID:         userID,
		WorkspaceID:    workspaceID,
		ResourceGrants: make(map[string]map[string]struct{}),
		TypeGrants:     make(map[string]map[string]struct{}),
		CreatedAt:      time.Now().UTC(),
	}

	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	snapshot.IsSuperAdmin = workspace.SuperAdminID == userID

	roles, err := s.store.RolesForUser(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		for resourceID, permIDs := range role.ResourcePermissions {
			grants, ok := snapshot.ResourceGrants[resourceID]
			if !ok {
				grants = make(map[string]struct{})
				snapshot.ResourceGrants[resourceID] = grants
			}
			for _, permID := range permIDs {
				grants[permID] = struct{}{}
			}
		}
		for typeID, permIDs := range role.TypePermissions {
			grants, ok := snapshot.TypeGrants[typeID]
			if !ok {
				grants = make(map[string]struct{})
				snapshot.TypeGrants[typeID] = grants
			}
			for _, permID := range permIDs {
				grants[permID] = struct{}{}
			}
		}
	}
	return snapshot, nil
}
