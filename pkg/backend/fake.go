package backend

import (
	"context"
	"sync"
	"time"

	"github.com/canopyhq/canopy/pkg/types"
)

// Fake is an in-memory Adapter for tests. It records call counts and the
// maximum number of concurrent operations seen per workload, and can
// inject failures per call.
type Fake struct {
	mu        sync.Mutex
	workloads map[string]*types.Deployment

	// Delay widens race windows in concurrency tests.
	Delay time.Duration

	// Error hooks. A nil hook or a nil return means success.
	CreateErr func(id string) error
	UpdateErr func(id string) error
	DeleteErr func(id string) error

	CreateCalls map[string]int
	UpdateCalls map[string]int
	DeleteCalls map[string]int

	inFlight    map[string]int
	maxInFlight map[string]int
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		workloads:   make(map[string]*types.Deployment),
		CreateCalls: make(map[string]int),
		UpdateCalls: make(map[string]int),
		DeleteCalls: make(map[string]int),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (f *Fake) enter(id string) {
	f.mu.Lock()
	f.inFlight[id]++
	if f.inFlight[id] > f.maxInFlight[id] {
		f.maxInFlight[id] = f.inFlight[id]
	}
	f.mu.Unlock()
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
}

func (f *Fake) exit(id string) {
	f.mu.Lock()
	f.inFlight[id]--
	f.mu.Unlock()
}

func (f *Fake) Create(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	f.enter(d.ID)
	defer f.exit(d.ID)

	f.mu.Lock()
	f.CreateCalls[d.ID]++
	hook := f.CreateErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(d.ID); err != nil {
			return "", err
		}
	}

	cp := *d
	f.mu.Lock()
	f.workloads[d.ID] = &cp
	f.mu.Unlock()
	return desiredStatus(d), nil
}

func (f *Fake) Update(ctx context.Context, old, new *types.Deployment) (types.DeploymentStatus, error) {
	f.enter(new.ID)
	defer f.exit(new.ID)

	f.mu.Lock()
	f.UpdateCalls[new.ID]++
	hook := f.UpdateErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(new.ID); err != nil {
			return "", err
		}
	}

	cp := *new
	f.mu.Lock()
	f.workloads[new.ID] = &cp
	f.mu.Unlock()
	return desiredStatus(new), nil
}

func (f *Fake) Delete(ctx context.Context, id string) (DeleteOutcome, error) {
	f.enter(id)
	defer f.exit(id)

	f.mu.Lock()
	f.DeleteCalls[id]++
	hook := f.DeleteErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(id); err != nil {
			return AlreadyAbsent, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workloads[id]; !ok {
		return AlreadyAbsent, nil
	}
	delete(f.workloads, id)
	return Deleted, nil
}

func (f *Fake) Get(ctx context.Context, id string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.workloads[id]
	if !ok {
		return nil, nil
	}
	return &Status{ID: id, Status: desiredStatus(d)}, nil
}

func (f *Fake) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.workloads {
		ids = append(ids, id)
	}
	return ids, nil
}

// Workload returns a copy of the stored desired state, or nil.
func (f *Fake) Workload(id string) *types.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.workloads[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// Seed installs a workload without counting it as a Create call, for
// orphan and convergence scenarios.
func (f *Fake) Seed(d *types.Deployment) {
	cp := *d
	f.mu.Lock()
	f.workloads[d.ID] = &cp
	f.mu.Unlock()
}

// MaxInFlight reports the highest concurrency observed for one workload.
func (f *Fake) MaxInFlight(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight[id]
}

func desiredStatus(d *types.Deployment) types.DeploymentStatus {
	if d.DesiredState == types.DesiredStateRunning {
		return types.DeploymentStatusRunning
	}
	return types.DeploymentStatusStopped
}
