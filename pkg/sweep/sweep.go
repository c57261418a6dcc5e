package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/provision"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// regionProbeParallelism bounds concurrent cluster reachability probes.
const regionProbeParallelism = 8

// Sweeper is the control plane's periodic janitor: it flips runner
// live-status when pings stop arriving and tracks BYOC region
// reachability. It never touches workloads; the runners own those.
type Sweeper struct {
	store        *store.Store
	clusters     provision.ClientFactory
	interval     time.Duration
	offlineAfter time.Duration
	logger       zerolog.Logger
}

// New creates a sweeper.
func New(st *store.Store, clusters provision.ClientFactory, interval, offlineAfter time.Duration) *Sweeper {
	if clusters == nil {
		clusters = provision.ClientForRegion
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if offlineAfter <= 0 {
		offlineAfter = 5 * time.Minute
	}
	return &Sweeper{
		store:        st,
		clusters:     clusters,
		interval:     interval,
		offlineAfter: offlineAfter,
		logger:       log.WithComponent("sweep"),
	}
}

// Run loops until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("sweep cycle failed")
			}
		}
	}
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if err := s.sweepRunners(ctx); err != nil {
		return err
	}
	return s.sweepRegions(ctx)
}

// sweepRunners marks runners offline when their last ping is older than
// the window. Only the live view changes; workloads keep running.
func (s *Sweeper) sweepRunners(ctx context.Context) error {
	runners, err := s.store.ListAllRunners(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.offlineAfter)
	for _, r := range runners {
		if !r.Connected || r.LastSeen.After(cutoff) {
			continue
		}
		if err := s.store.SetRunnerConnected(ctx, r.WorkspaceID, r.ID, false); err != nil {
			s.logger.Warn().Err(err).Str("runner_id", r.ID).Msg("failed to mark runner offline")
			continue
		}
		s.logger.Info().Str("runner_id", r.ID).Time("last_seen", r.LastSeen).Msg("runner marked offline")
	}
	return nil
}

// sweepRegions probes active regions and flips unreachable ones to
// disconnected; disconnected regions that answer again go back to
// active.
func (s *Sweeper) sweepRegions(ctx context.Context) error {
	active, err := s.store.ListRegionsByStatus(ctx, types.RegionStatusActive)
	if err != nil {
		return err
	}
	disconnected, err := s.store.ListRegionsByStatus(ctx, types.RegionStatusDisconnected)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(regionProbeParallelism)

	for _, region := range append(active, disconnected...) {
		region := region
		if region.Provider != types.RegionProviderBYOC {
			continue
		}
		g.Go(func() error {
			s.probeRegion(gctx, region)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) probeRegion(ctx context.Context, region *types.Region) {
	logger := s.logger.With().Str("region_id", region.ID).Logger()

	cluster, err := s.clusters(region)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build cluster client")
		return
	}
	reachable := cluster.Reachable(ctx)

	switch {
	case region.Status == types.RegionStatusActive && !reachable:
		now := time.Now()
		region.Status = types.RegionStatusDisconnected
		region.DisconnectedAt = &now
		if err := s.store.UpdateRegion(ctx, region); err != nil {
			logger.Warn().Err(err).Msg("failed to mark region disconnected")
			return
		}
		logger.Info().Msg("region unreachable, marked disconnected")

	case region.Status == types.RegionStatusDisconnected && reachable:
		region.Status = types.RegionStatusActive
		region.DisconnectedAt = nil
		if err := s.store.UpdateRegion(ctx, region); err != nil {
			logger.Warn().Err(err).Msg("failed to reactivate region")
			return
		}
		logger.Info().Msg("region reachable again, reactivated")
	}
}
