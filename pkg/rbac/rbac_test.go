package rbac

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

type fixture struct {
	store   *store.Store
	svc     *Service
	permIDs map[string]string
	typeIDs map[string]string

	workspaceID  string
	adminID      string
	memberID     string
	deploymentID string
}

// newFixture seeds a workspace with a super admin, a member holding a role
// that grants deployment::view on one deployment, and the deployment's
// resource row.
func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "canopy.db"))
	require.NoError(t, err)

	f := &fixture{
		store:        st,
		svc:          NewService(st, ttl),
		workspaceID:  uuid.NewString(),
		adminID:      uuid.NewString(),
		memberID:     uuid.NewString(),
		deploymentID: uuid.NewString(),
	}

	f.permIDs, err = st.PermissionIDs(ctx)
	require.NoError(t, err)
	f.typeIDs, err = st.ResourceTypeIDs(ctx)
	require.NoError(t, err)

	require.NoError(t, st.CreateUser(ctx, &types.User{ID: f.adminID, Username: "admin"}))
	require.NoError(t, st.CreateUser(ctx, &types.User{ID: f.memberID, Username: "member"}))
	require.NoError(t, st.CreateWorkspace(ctx, &types.Workspace{
		ID: f.workspaceID, Name: "acme", SuperAdminID: f.adminID,
	}))
	require.NoError(t, st.CreateResource(ctx, &types.Resource{
		ID:          f.deploymentID,
		WorkspaceID: f.workspaceID,
		TypeID:      f.typeIDs[types.ResourceTypeDeployment],
	}))
	return f
}

func (f *fixture) grantView(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	role := &types.Role{
		ID:          uuid.NewString(),
		WorkspaceID: f.workspaceID,
		Name:        "viewer",
		ResourcePermissions: map[string][]string{
			f.deploymentID: {f.permIDs[types.PermissionDeploymentView]},
		},
	}
	require.NoError(t, f.store.CreateRole(ctx, role))
	require.NoError(t, f.store.AssignRole(ctx, &types.RoleAssignment{
		UserID: f.memberID, WorkspaceID: f.workspaceID, RoleID: role.ID,
	}))
	return role.ID
}

// TestSnapshotSuperAdmin tests that the super admin passes every check
func TestSnapshotSuperAdmin(t *testing.T) {
	f := newFixture(t, time.Minute)

	snap, err := f.svc.SnapshotFor(context.Background(), f.adminID, f.workspaceID)
	require.NoError(t, err)

	assert.True(t, snap.IsSuperAdmin)
	assert.True(t, snap.HasAnyRole())
	assert.True(t, snap.HasPermissionOnResource(
		f.deploymentID,
		f.typeIDs[types.ResourceTypeDeployment],
		f.permIDs[types.PermissionDeploymentDelete],
	))
}

// TestSnapshotResourceGrant tests resource-scoped grants
func TestSnapshotResourceGrant(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.grantView(t)

	snap, err := f.svc.SnapshotFor(context.Background(), f.memberID, f.workspaceID)
	require.NoError(t, err)

	typeID := f.typeIDs[types.ResourceTypeDeployment]
	assert.False(t, snap.IsSuperAdmin)
	assert.True(t, snap.HasAnyRole())
	assert.True(t, snap.HasPermissionOnResource(f.deploymentID, typeID, f.permIDs[types.PermissionDeploymentView]))
	assert.False(t, snap.HasPermissionOnResource(f.deploymentID, typeID, f.permIDs[types.PermissionDeploymentDelete]))
	assert.False(t, snap.HasPermissionOnResource(uuid.NewString(), typeID, f.permIDs[types.PermissionDeploymentView]))
}

// TestSnapshotTypeGrant tests that a type-level grant covers every resource
// of that type
func TestSnapshotTypeGrant(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	typeID := f.typeIDs[types.ResourceTypeDeployment]
	role := &types.Role{
		ID:          uuid.NewString(),
		WorkspaceID: f.workspaceID,
		Name:        "deployment-admin",
		TypePermissions: map[string][]string{
			typeID: {f.permIDs[types.PermissionDeploymentEdit]},
		},
	}
	require.NoError(t, f.store.CreateRole(ctx, role))
	require.NoError(t, f.store.AssignRole(ctx, &types.RoleAssignment{
		UserID: f.memberID, WorkspaceID: f.workspaceID, RoleID: role.ID,
	}))

	snap, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)

	assert.True(t, snap.HasPermissionOnResource(f.deploymentID, typeID, f.permIDs[types.PermissionDeploymentEdit]))
	assert.True(t, snap.HasPermissionOnResource(uuid.NewString(), typeID, f.permIDs[types.PermissionDeploymentEdit]))
}

// TestSnapshotCached tests that a fresh snapshot is served from cache
func TestSnapshotCached(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.grantView(t)
	ctx := context.Background()

	first, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	second, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

// TestInvalidateDropsSnapshot tests that mutation paths see fresh grants
// immediately after Invalidate
func TestInvalidateDropsSnapshot(t *testing.T) {
	f := newFixture(t, time.Hour)
	roleID := f.grantView(t)
	ctx := context.Background()

	snap, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	require.True(t, snap.HasAnyRole())

	require.NoError(t, f.store.UnassignRole(ctx, &types.RoleAssignment{
		UserID: f.memberID, WorkspaceID: f.workspaceID, RoleID: roleID,
	}))
	f.svc.Invalidate(f.memberID)

	snap, err = f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	assert.False(t, snap.HasAnyRole())
}

// TestInvalidateDiscardsInFlightCompute tests that a snapshot computed
// against pre-revocation grants is not cached once a revocation lands
// mid-compute
func TestInvalidateDiscardsInFlightCompute(t *testing.T) {
	f := newFixture(t, time.Hour)
	roleID := f.grantView(t)
	ctx := context.Background()

	// A compute begins against the old grants.
	f.svc.mu.RLock()
	version := f.svc.version
	f.svc.mu.RUnlock()
	stale, err := f.svc.compute(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	require.True(t, stale.HasAnyRole())

	// The revocation lands before the compute finishes.
	require.NoError(t, f.store.UnassignRole(ctx, &types.RoleAssignment{
		UserID: f.memberID, WorkspaceID: f.workspaceID, RoleID: roleID,
	}))
	f.svc.Invalidate(f.memberID)

	f.svc.storeSnapshot(cacheKey{userID: f.memberID, workspaceID: f.workspaceID}, stale, version)

	snap, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	assert.False(t, snap.HasAnyRole(), "stale compute must not be re-cached")
}

// TestTTLBoundsStaleness tests that even without invalidation a revoked
// grant stops authorizing once the snapshot expires
func TestTTLBoundsStaleness(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	roleID := f.grantView(t)
	ctx := context.Background()

	snap, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	require.True(t, snap.HasAnyRole())

	// Revoke without invalidating: the stale snapshot may keep serving
	// until the TTL elapses, never after.
	require.NoError(t, f.store.UnassignRole(ctx, &types.RoleAssignment{
		UserID: f.memberID, WorkspaceID: f.workspaceID, RoleID: roleID,
	}))

	time.Sleep(100 * time.Millisecond)

	snap, err = f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	assert.False(t, snap.HasAnyRole())
}

// TestInvalidateRoleDropsAssignees tests that editing a role definition
// refreshes every assignee's snapshot
func TestInvalidateRoleDropsAssignees(t *testing.T) {
	f := newFixture(t, time.Hour)
	roleID := f.grantView(t)
	ctx := context.Background()

	typeID := f.typeIDs[types.ResourceTypeDeployment]
	snap, err := f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	require.False(t, snap.HasPermissionOnResource(f.deploymentID, typeID, f.permIDs[types.PermissionDeploymentEdit]))

	role, err := f.store.GetRole(ctx, f.workspaceID, roleID)
	require.NoError(t, err)
	role.ResourcePermissions[f.deploymentID] = append(
		role.ResourcePermissions[f.deploymentID],
		f.permIDs[types.PermissionDeploymentEdit],
	)
	require.NoError(t, f.store.UpdateRole(ctx, role))
	f.svc.InvalidateRole(ctx, roleID)

	snap, err = f.svc.SnapshotFor(ctx, f.memberID, f.workspaceID)
	require.NoError(t, err)
	assert.True(t, snap.HasPermissionOnResource(f.deploymentID, typeID, f.permIDs[types.PermissionDeploymentEdit]))
}
