package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canopy.db"))
	require.NoError(t, err)
	return s
}

func seedWorkspace(t *testing.T, s *Store) *types.Workspace {
	t.Helper()
	ctx := context.Background()
	u := &types.User{ID: uuid.NewString(), Username: "admin-" + uuid.NewString()}
	require.NoError(t, s.CreateUser(ctx, u))
	w := &types.Workspace{ID: uuid.NewString(), Name: "acme", SuperAdminID: u.ID}
	require.NoError(t, s.CreateWorkspace(ctx, w))
	return w
}

// TestVocabularySeeded tests that permissions and resource types exist in
// a fresh database
func TestVocabularySeeded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	perms, err := s.PermissionIDs(ctx)
	require.NoError(t, err)
	for _, name := range types.AllPermissions {
		assert.NotEmpty(t, perms[name], "permission %s missing", name)
	}

	rtypes, err := s.ResourceTypeIDs(ctx)
	require.NoError(t, err)
	for _, name := range types.AllResourceTypes {
		assert.NotEmpty(t, rtypes[name], "resource type %s missing", name)
	}
}

// TestVocabularySeedIdempotent tests that reopening does not duplicate the
// vocabulary
func TestVocabularySeedIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopy.db")

	s, err := Open(path)
	require.NoError(t, err)
	first, err := s.PermissionIDs(context.Background())
	require.NoError(t, err)

	s, err = Open(path)
	require.NoError(t, err)
	second, err := s.PermissionIDs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// TestDeploymentRoundTrip tests deployment persistence including the JSON
// columns
func TestDeploymentRoundTrip(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	d := &types.Deployment{
		ID:          uuid.NewString(),
		WorkspaceID: w.ID,
		RunnerID:    uuid.NewString(),
		Name:        "web",
		Registry:    "docker.io",
		ImageName:   "library/nginx",
		ImageTag:    "1.27",
		MinScale:    1,
		MaxScale:    3,
		Ports:       []types.ExposedPort{{Port: 80, Type: types.PortTypeHTTP}},
		Env: []types.EnvVar{
			{Name: "MODE", Value: "prod"},
			{Name: "DB_PASSWORD", FromSecret: "db-password"},
		},
		ConfigMounts: []types.ConfigMount{{Path: "/etc/app.conf", Content: []byte("listen 80")}},
		Volumes:      []types.VolumeAttachment{{VolumeID: "vol-1", MountPath: "/data"}},
		StartupProbe: &types.Probe{Port: 80, Path: "/healthz"},
		DesiredState: types.DesiredStateRunning,
		Status:       types.DeploymentStatusCreated,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, w.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Ports, got.Ports)
	assert.Equal(t, d.Env, got.Env)
	assert.Equal(t, d.ConfigMounts, got.ConfigMounts)
	assert.Equal(t, d.Volumes, got.Volumes)
	require.NotNil(t, got.StartupProbe)
	assert.Equal(t, "/healthz", got.StartupProbe.Path)
	assert.Nil(t, got.LivenessProbe)
}

// TestDeploymentNameConflict tests the per-workspace unique name rule
func TestDeploymentNameConflict(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	first := &types.Deployment{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "web"}
	require.NoError(t, s.CreateDeployment(ctx, first))

	dup := &types.Deployment{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "web"}
	err := s.CreateDeployment(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.Conflict("")))

	// The name frees up once the holder is soft-deleted.
	require.NoError(t, s.SoftDeleteDeployment(ctx, w.ID, first.ID, time.Now()))
	assert.NoError(t, s.CreateDeployment(ctx, dup))
}

// TestSoftDeletedDeploymentInvisible tests that deleted records vanish
// from reads
func TestSoftDeletedDeploymentInvisible(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	d := &types.Deployment{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "web", RunnerID: "run-1"}
	require.NoError(t, s.CreateDeployment(ctx, d))
	require.NoError(t, s.SoftDeleteDeployment(ctx, w.ID, d.ID, time.Now()))

	_, err := s.GetDeployment(ctx, w.ID, d.ID)
	assert.True(t, errors.Is(err, apierror.NotFound("")))

	all, err := s.ListDeployments(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, all)

	byRunner, err := s.ListDeploymentsByRunner(ctx, w.ID, "run-1")
	require.NoError(t, err)
	assert.Empty(t, byRunner)
}

// TestDeploymentWorkspaceScoping tests that reads never cross workspaces
func TestDeploymentWorkspaceScoping(t *testing.T) {
	s := openStore(t)
	w1 := seedWorkspace(t, s)
	w2 := seedWorkspace(t, s)
	ctx := context.Background()

	d := &types.Deployment{ID: uuid.NewString(), WorkspaceID: w1.ID, Name: "web"}
	require.NoError(t, s.CreateDeployment(ctx, d))

	_, err := s.GetDeployment(ctx, w2.ID, d.ID)
	assert.True(t, errors.Is(err, apierror.NotFound("")))
}

// TestUpdateDeploymentStatus tests runner status reporting
func TestUpdateDeploymentStatus(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	d := &types.Deployment{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "web", Status: types.DeploymentStatusCreated}
	require.NoError(t, s.CreateDeployment(ctx, d))

	require.NoError(t, s.UpdateDeploymentStatus(ctx, w.ID, d.ID, types.DeploymentStatusRunning))
	got, err := s.GetDeployment(ctx, w.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusRunning, got.Status)

	err = s.UpdateDeploymentStatus(ctx, w.ID, uuid.NewString(), types.DeploymentStatusRunning)
	assert.True(t, errors.Is(err, apierror.NotFound("")))
}

// TestVolumeGrowOnly tests that volumes grow and never shrink
func TestVolumeGrowOnly(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	v := &types.Volume{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "data", SizeGB: 10}
	require.NoError(t, s.CreateVolume(ctx, v))

	require.NoError(t, s.UpdateVolumeSize(ctx, w.ID, v.ID, 20))
	got, err := s.GetVolume(ctx, w.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.SizeGB)

	err = s.UpdateVolumeSize(ctx, w.ID, v.ID, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.WrongParameters("")))

	got, err = s.GetVolume(ctx, w.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.SizeGB)
}

// TestSessionRevocation tests session reads and revocation
func TestSessionRevocation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	u := &types.User{ID: uuid.NewString(), Username: "alice"}
	require.NoError(t, s.CreateUser(ctx, u))

	sess := &types.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		TokenHash: "hash",
		Expires:   time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Revoked)

	require.NoError(t, s.RevokeSession(ctx, sess.ID, time.Now()))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Revoked)
}

// TestRunnerConnectionState tests the connected flag and last-seen updates
func TestRunnerConnectionState(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	r := &types.Runner{ID: uuid.NewString(), WorkspaceID: w.ID, Name: "prod"}
	require.NoError(t, s.CreateRunner(ctx, r))

	require.NoError(t, s.SetRunnerConnected(ctx, w.ID, r.ID, true))
	got, err := s.GetRunner(ctx, w.ID, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Connected)

	seen := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchRunner(ctx, w.ID, r.ID, seen))
	got, err = s.GetRunner(ctx, w.ID, r.ID)
	require.NoError(t, err)
	assert.False(t, got.LastSeen.Before(seen))
}

// TestRegionLifecycle tests region persistence across the provisioning
// flow
func TestRegionLifecycle(t *testing.T) {
	s := openStore(t)
	w := seedWorkspace(t, s)
	ctx := context.Background()

	r := &types.Region{
		ID:          uuid.NewString(),
		WorkspaceID: w.ID,
		Name:        "on-prem",
		Provider:    types.RegionProviderBYOC,
		Status:      types.RegionStatusCreating,
		Kubeconfig:  "apiVersion: v1",
	}
	require.NoError(t, s.CreateRegion(ctx, r))

	r.Status = types.RegionStatusActive
	r.AgentInstalled = true
	r.IngressHostname = "lb.example.com"
	require.NoError(t, s.UpdateRegion(ctx, r))

	got, err := s.GetRegion(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RegionStatusActive, got.Status)
	assert.True(t, got.AgentInstalled)
	assert.Equal(t, "lb.example.com", got.IngressHostname)
	assert.Equal(t, "apiVersion: v1", got.Kubeconfig)

	byWS, err := s.ListRegionsByWorkspace(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, byWS, 1)

	active, err := s.ListRegionsByStatus(ctx, types.RegionStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
