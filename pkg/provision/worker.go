package provision

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// ManagedProvisioner creates clusters on our own infrastructure and
// returns a kubeconfig for the result.
type ManagedProvisioner interface {
	Provision(ctx context.Context, region *types.Region, providerRegion, accessToken string) (kubeconfig string, err error)
}

// Worker consumes provisioning jobs. Jobs referencing a region that no
// longer exists are logged and dropped, never retried: the record is the
// authority and without it the job is meaningless.
type Worker struct {
	store    *store.Store
	queue    *Queue
	clusters ClientFactory
	managed  ManagedProvisioner
	logger   zerolog.Logger
}

// NewWorker creates a provisioning worker. managed may be nil when no
// managed-infrastructure backend is configured.
func NewWorker(st *store.Store, queue *Queue, clusters ClientFactory, managed ManagedProvisioner) *Worker {
	if clusters == nil {
		clusters = ClientForRegion
	}
	return &Worker{
		store:    st,
		queue:    queue,
		clusters: clusters,
		managed:  managed,
		logger:   log.WithComponent("provision"),
	}
}

// Run consumes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue.jobs:
			w.Handle(ctx, job)
		}
	}
}

// Handle processes one job. Exported so tests can drive the worker
// without the queue.
func (w *Worker) Handle(ctx context.Context, job Job) {
	logger := w.logger.With().Str("region_id", job.Region()).Str("request_id", job.Request()).Logger()

	region, err := w.store.GetRegion(ctx, job.Region())
	if err != nil {
		if apierror.IsType(err, apierror.TypeNotFound) {
			logger.Warn().Msg("region record missing, dropping job")
			return
		}
		logger.Error().Err(err).Msg("failed to load region")
		return
	}

	switch j := job.(type) {
	case SetupKubernetesCluster:
		w.attach(ctx, logger, region, j.Kubeconfig)
	case CreateManagedCluster:
		if w.managed == nil {
			logger.Error().Msg("no managed cluster provisioner configured")
			return
		}
		kubeconfig, err := w.managed.Provision(ctx, region, j.ProviderRegion, j.AccessToken)
		if err != nil {
			logger.Error().Err(err).Msg("managed cluster provisioning failed")
			return
		}
		w.attach(ctx, logger, region, kubeconfig)
	default:
		logger.Error().Msg("unknown provisioning job")
	}
}

// attach verifies the cluster, installs the agent once, resolves the
// ingress hostname and activates the region.
func (w *Worker) attach(ctx context.Context, logger zerolog.Logger, region *types.Region, kubeconfig string) {
	region.Kubeconfig = kubeconfig
	cluster, err := w.clusters(region)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build cluster client")
		return
	}

	if err := cluster.EnsureAgent(ctx); err != nil {
		logger.Error().Err(err).Msg("agent install failed")
		return
	}

	hostname, err := cluster.IngressHostname(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("ingress hostname not resolved yet")
	}

	region.Status = types.RegionStatusActive
	region.AgentInstalled = true
	region.IngressHostname = hostname
	region.DisconnectedAt = nil
	if err := w.store.UpdateRegion(ctx, region); err != nil {
		logger.Error().Err(err).Msg("failed to activate region")
		return
	}
	logger.Info().Str("ingress", hostname).Msg("region attached")
}
