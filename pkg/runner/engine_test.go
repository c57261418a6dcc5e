package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/backend"
	"github.com/canopyhq/canopy/pkg/localstate"
	"github.com/canopyhq/canopy/pkg/types"
)

// fakeControlPlane is an in-memory ControlPlane for engine tests.
type fakeControlPlane struct {
	mu          sync.Mutex
	deployments map[string]*types.Deployment
	reported    map[string][]types.DeploymentStatus
	getErr      error
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		deployments: make(map[string]*types.Deployment),
		reported:    make(map[string][]types.DeploymentStatus),
	}
}

func (f *fakeControlPlane) set(d *types.Deployment) {
	cp := *d
	f.mu.Lock()
	f.deployments[d.ID] = &cp
	f.mu.Unlock()
}

func (f *fakeControlPlane) remove(id string) {
	f.mu.Lock()
	delete(f.deployments, id)
	f.mu.Unlock()
}

func (f *fakeControlPlane) failGetsWith(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *fakeControlPlane) GetDeployment(ctx context.Context, workspaceID, id string) (*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	d, ok := f.deployments[id]
	if !ok {
		return nil, apierror.NotFound("deployment not found")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeControlPlane) ListRunnerDeployments(ctx context.Context, workspaceID, runnerID string) ([]*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Deployment
	for _, d := range f.deployments {
		if d.RunnerID == runnerID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeControlPlane) ReportStatus(ctx context.Context, workspaceID, id string, status types.DeploymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported[id] = append(f.reported[id], status)
	return nil
}

func (f *fakeControlPlane) lastReported(id string) types.DeploymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	statuses := f.reported[id]
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

type testEngine struct {
	engine  *Engine
	cp      *fakeControlPlane
	local   *localstate.Store
	adapter *backend.Fake
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	local, err := localstate.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	cp := newFakeControlPlane()
	adapter := backend.NewFake()
	engine := NewEngine(Options{WorkspaceID: "ws-1", RunnerID: "run-1"}, cp, local, adapter)
	return &testEngine{engine: engine, cp: cp, local: local, adapter: adapter}
}

func desiredDeployment(id string) *types.Deployment {
	return &types.Deployment{
		ID:           id,
		WorkspaceID:  "ws-1",
		RunnerID:     "run-1",
		Name:         "web",
		Registry:     "docker.io",
		ImageName:    "library/nginx",
		ImageTag:     "1.27",
		MinScale:     1,
		MaxScale:     1,
		DesiredState: types.DesiredStateRunning,
		Status:       types.DeploymentStatusCreated,
	}
}

// TestReconcileCreatesWorkload tests the first reconcile of a new
// deployment
func TestReconcileCreatesWorkload(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))

	require.NoError(t, te.engine.Reconcile(context.Background(), "dep-1"))

	assert.Equal(t, 1, te.adapter.CreateCalls["dep-1"])
	assert.NotNil(t, te.adapter.Workload("dep-1"))
	assert.Equal(t, types.DeploymentStatusRunning, te.cp.lastReported("dep-1"))

	applied, err := te.local.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, "1.27", applied.ImageTag)
}

// TestReconcileIdempotentCreate tests that repeated nudges for an
// unchanged deployment do not recreate the workload
func TestReconcileIdempotentCreate(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	ctx := context.Background()

	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))

	assert.Equal(t, 1, te.adapter.CreateCalls["dep-1"])
	assert.Equal(t, 0, te.adapter.UpdateCalls["dep-1"])
}

// TestReconcileAppliesSpecChange tests that a changed spec triggers an
// update against the backend
func TestReconcileAppliesSpecChange(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	d := desiredDeployment("dep-1")
	te.cp.set(d)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))

	d.ImageTag = "1.28"
	te.cp.set(d)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))

	assert.Equal(t, 1, te.adapter.CreateCalls["dep-1"])
	assert.Equal(t, 1, te.adapter.UpdateCalls["dep-1"])
	assert.Equal(t, "1.28", te.adapter.Workload("dep-1").ImageTag)

	applied, err := te.local.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, "1.28", applied.ImageTag)
}

// TestReconcileRecreatesLostWorkload tests self-healing when the backend
// lost a workload the control plane still wants.
func TestReconcileRecreatesLostWorkload(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	ctx := context.Background()

	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))

	// Simulate the workload vanishing behind the engine's back.
	_, err := te.adapter.Delete(ctx, "dep-1")
	require.NoError(t, err)

	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Equal(t, 2, te.adapter.CreateCalls["dep-1"])
	assert.NotNil(t, te.adapter.Workload("dep-1"))
}

// TestReconcileIdempotentDelete tests that a deleted deployment is torn
// down once and later reconciles stay clean
func TestReconcileIdempotentDelete(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	ctx := context.Background()

	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	require.NotNil(t, te.adapter.Workload("dep-1"))

	te.cp.remove("dep-1")
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Nil(t, te.adapter.Workload("dep-1"))
	_, err := te.local.GetDeployment("dep-1")
	assert.True(t, errors.Is(err, apierror.NotFound("")))

	// Second teardown finds nothing and still succeeds.
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Equal(t, 2, te.adapter.DeleteCalls["dep-1"])
}

// TestReconcileTeardownOnDeletedMarker tests that a soft-deleted desired
// record is treated like a 404
func TestReconcileTeardownOnDeletedMarker(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	d := desiredDeployment("dep-1")
	te.cp.set(d)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))

	now := time.Now()
	d.Deleted = &now
	te.cp.set(d)

	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Nil(t, te.adapter.Workload("dep-1"))
}

// TestReconcileTransientSchedulesRetry tests transient failure handling
func TestReconcileTransientSchedulesRetry(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	te.adapter.CreateErr = func(id string) error {
		return apierror.Transient("image pull timed out", nil)
	}

	err := te.engine.Reconcile(context.Background(), "dep-1")
	require.Error(t, err)
	assert.True(t, apierror.IsTransient(err))

	// The unit is queued for another attempt and the local record stays
	// unwritten, so the retry will run the create again.
	_, pending := te.engine.retry.next()
	assert.True(t, pending)
	_, lerr := te.local.GetDeployment("dep-1")
	assert.True(t, errors.Is(lerr, apierror.NotFound("")))

	te.adapter.CreateErr = nil
	require.NoError(t, te.engine.Reconcile(context.Background(), "dep-1"))
	_, pending = te.engine.retry.next()
	assert.False(t, pending, "success must drop the retry entry")
}

// TestReconcilePermanentReportsErrored tests terminal failure handling
func TestReconcilePermanentReportsErrored(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	te.adapter.CreateErr = func(id string) error {
		return apierror.Permanent("backend rejected spec", nil)
	}

	err := te.engine.Reconcile(context.Background(), "dep-1")
	require.Error(t, err)

	assert.Equal(t, types.DeploymentStatusErrored, te.cp.lastReported("dep-1"))
	_, pending := te.engine.retry.next()
	assert.False(t, pending, "permanent failures are not retried")
}

// TestReconcileTransientFetchSchedulesRetry tests control-plane outage
// handling
func TestReconcileTransientFetchSchedulesRetry(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	te.cp.failGetsWith(apierror.Transient("control plane unreachable", nil))

	err := te.engine.Reconcile(context.Background(), "dep-1")
	require.Error(t, err)

	_, pending := te.engine.retry.next()
	assert.True(t, pending)
	assert.Equal(t, 0, te.adapter.CreateCalls["dep-1"], "no backend call without desired state")
}

// TestSweepRemovesOrphans tests that a workload unknown to the control
// plane is torn down by a full sweep
func TestSweepRemovesOrphans(t *testing.T) {
	te := newTestEngine(t)
	te.adapter.Seed(desiredDeployment("orphan-1"))

	require.NoError(t, te.engine.Sweep(context.Background()))

	assert.Nil(t, te.adapter.Workload("orphan-1"))
	assert.Equal(t, 1, te.adapter.DeleteCalls["orphan-1"])
}

// TestSweepRecordsTimestamp tests that a successful sweep stamps the
// local meta bucket
func TestSweepRecordsTimestamp(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))

	before, err := te.local.GetMeta(localstate.MetaLastSweep)
	require.NoError(t, err)
	assert.Nil(t, before)

	require.NoError(t, te.engine.Sweep(context.Background()))

	raw, err := te.local.GetMeta(localstate.MetaLastSweep)
	require.NoError(t, err)
	require.NotNil(t, raw)
	stamp, err := time.Parse(time.RFC3339, string(raw))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stamp, time.Minute)
}

// TestSweepConvergesAfterDisconnect tests that changes made while the
// runner was away are applied by the next sweep
func TestSweepConvergesAfterDisconnect(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	created := desiredDeployment("dep-created")
	updated := desiredDeployment("dep-updated")
	deleted := desiredDeployment("dep-deleted")
	te.cp.set(updated)
	te.cp.set(deleted)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-updated"))
	require.NoError(t, te.engine.Reconcile(ctx, "dep-deleted"))

	// While disconnected: one deployment created, one updated, one
	// deleted.
	te.cp.set(created)
	updated.ImageTag = "1.28"
	te.cp.set(updated)
	te.cp.remove("dep-deleted")

	require.NoError(t, te.engine.Sweep(ctx))

	assert.NotNil(t, te.adapter.Workload("dep-created"))
	assert.Equal(t, "1.28", te.adapter.Workload("dep-updated").ImageTag)
	assert.Nil(t, te.adapter.Workload("dep-deleted"))
}

// TestSingleWriterPerUnit tests that concurrent nudges for one deployment
// never touch the backend concurrently
func TestSingleWriterPerUnit(t *testing.T) {
	te := newTestEngine(t)
	te.cp.set(desiredDeployment("dep-1"))
	te.adapter.Delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = te.engine.Reconcile(context.Background(), "dep-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, te.adapter.MaxInFlight("dep-1"))
	assert.NotNil(t, te.adapter.Workload("dep-1"))
}

// TestDeploymentLifecycle tests the full create, update, delete flow as a
// user would drive it
func TestDeploymentLifecycle(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	// User creates the deployment; the nudge arrives.
	d := desiredDeployment("dep-1")
	te.cp.set(d)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Equal(t, types.DeploymentStatusRunning, te.cp.lastReported("dep-1"))

	// User stops it.
	d.DesiredState = types.DesiredStateStopped
	te.cp.set(d)
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Equal(t, types.DeploymentStatusStopped, te.cp.lastReported("dep-1"))

	// User deletes it; repeated nudges stay clean.
	te.cp.remove("dep-1")
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	require.NoError(t, te.engine.Reconcile(ctx, "dep-1"))
	assert.Nil(t, te.adapter.Workload("dep-1"))
}
