package provision

import (
	"github.com/canopyhq/canopy/pkg/apierror"
)

// Job is one provisioning work item.
type Job interface {
	// Region returns the region record the job operates on.
	Region() string
	// Request returns the request ID for log correlation.
	Request() string
}

// SetupKubernetesCluster attaches a customer-supplied cluster: verify the
// kubeconfig, install the in-cluster agent if absent, and activate the
// region.
type SetupKubernetesCluster struct {
	RegionID   string
	Kubeconfig string
	RequestID  string
}

func (j SetupKubernetesCluster) Region() string  { return j.RegionID }
func (j SetupKubernetesCluster) Request() string { return j.RequestID }

// CreateManagedCluster provisions a cluster on our own infrastructure and
// then runs the same attach flow.
type CreateManagedCluster struct {
	RegionID       string
	ProviderRegion string
	AccessToken    string
	RequestID      string
}

func (j CreateManagedCluster) Region() string  { return j.RegionID }
func (j CreateManagedCluster) Request() string { return j.RequestID }

// Queue is a buffered in-process job queue consumed by one Worker.
type Queue struct {
	jobs chan Job
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{jobs: make(chan Job, size)}
}

// Enqueue adds a job without blocking. A full queue is a transient
// condition the caller may retry.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return apierror.Transient("provisioning queue full", nil)
	}
}
