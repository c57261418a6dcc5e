package backend

import (
	"context"

	"github.com/canopyhq/canopy/pkg/types"
)

// DeleteOutcome reports how a delete concluded. Both outcomes are
// successes; callers never inspect backend errors for 404-ness.
type DeleteOutcome int

const (
	// Deleted means the workload existed and was removed.
	Deleted DeleteOutcome = iota
	// AlreadyAbsent means there was nothing to remove.
	AlreadyAbsent
)

// Status is the observed state of one workload on the backend.
type Status struct {
	ID     string
	Status types.DeploymentStatus
}

// Adapter is the contract every execution backend implements. Errors are
// classified through the apierror taxonomy: transient errors are safe to
// retry, permanent ones surface as errored deployments.
type Adapter interface {
	// Create brings the workload up. Creating a workload that already
	// exists converges it instead of failing.
	Create(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error)

	// Update replaces the running workload so it matches new. old is the
	// last-applied record and is advisory; adapters may use it to skip
	// work but must converge on new regardless.
	Update(ctx context.Context, old, new *types.Deployment) (types.DeploymentStatus, error)

	// Delete removes the workload. A missing workload yields
	// AlreadyAbsent and a nil error.
	Delete(ctx context.Context, id string) (DeleteOutcome, error)

	// Get returns the observed status, or nil when the workload does not
	// exist on the backend.
	Get(ctx context.Context, id string) (*Status, error)

	// List returns the IDs of every workload this backend currently
	// runs. Used by the full sweep to find orphans.
	List(ctx context.Context) ([]string, error)
}
