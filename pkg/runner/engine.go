package runner

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/backend"
	"github.com/canopyhq/canopy/pkg/localstate"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/stream"
	"github.com/canopyhq/canopy/pkg/types"
)

// sweepParallelism bounds concurrent unit reconciles during a full sweep.
const sweepParallelism = 4

// ControlPlane is the slice of the API the engine needs. The control
// plane's answer, not the stream payload, is the desired state of record.
type ControlPlane interface {
	GetDeployment(ctx context.Context, workspaceID, id string) (*types.Deployment, error)
	ListRunnerDeployments(ctx context.Context, workspaceID, runnerID string) ([]*types.Deployment, error)
	ReportStatus(ctx context.Context, workspaceID, id string, status types.DeploymentStatus) error
}

// Engine converges the execution backend onto the control plane's desired
// state. It consumes stream events as nudges, retries transient failures
// with backoff, and periodically sweeps everything it knows about.
type Engine struct {
	workspaceID string
	runnerID    string

	cp      ControlPlane
	local   *localstate.Store
	adapter backend.Adapter
	streams *stream.Client

	locks *keyedMutex
	retry *retryQueue

	sweepInterval time.Duration
	pingInterval  time.Duration

	logger zerolog.Logger
}

// Options configures an Engine.
type Options struct {
	WorkspaceID   string
	RunnerID      string
	SweepInterval time.Duration
	PingInterval  time.Duration

	// Streams is optional; without it Run only sweeps.
	Streams *stream.Client
}

// NewEngine creates a reconciliation engine.
func NewEngine(opts Options, cp ControlPlane, local *localstate.Store, adapter backend.Adapter) *Engine {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Engine{
		workspaceID:   opts.WorkspaceID,
		runnerID:      opts.RunnerID,
		cp:            cp,
		local:         local,
		adapter:       adapter,
		streams:       opts.Streams,
		locks:         newKeyedMutex(),
		retry:         newRetryQueue(),
		sweepInterval: opts.SweepInterval,
		pingInterval:  opts.PingInterval,
		logger:        log.WithRunnerID(opts.RunnerID),
	}
}

// Run blocks until ctx is cancelled. It maintains the stream connection
// with reconnect backoff and drives the retry and sweep loops.
func (e *Engine) Run(ctx context.Context) error {
	go e.retryLoop(ctx)
	go e.sweepLoop(ctx)

	if e.streams == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := e.streams.Dial(ctx)
		if err != nil {
			if apierror.IsType(err, apierror.TypeNotAuthenticated) {
				return err
			}
			e.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		backoff = time.Second
		e.logger.Info().Msg("stream connected")

		// Anything waiting on a retry deadline is superseded by the
		// reconcile-all that follows the reconnect.
		e.retry.clear()
		go func() {
			if err := e.Sweep(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("post-connect sweep failed")
			}
		}()

		e.serve(ctx, conn)
		conn.Close()
		e.logger.Info().Msg("stream disconnected")
	}
}

// serve pumps one connection: a ping ticker plus the read loop. Returns
// when the connection breaks or ctx ends.
func (e *Engine) serve(ctx context.Context, conn *stream.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(e.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		msg, err := conn.Read()
		if err != nil {
			return
		}
		e.handleMessage(ctx, msg)
		select {
		case <-connCtx.Done():
			return
		default:
		}
	}
}

// handleMessage treats every deployment message as a nudge for its unit.
func (e *Engine) handleMessage(ctx context.Context, msg *stream.Message) {
	switch msg.Type {
	case stream.MessageDeploymentCreated, stream.MessageDeploymentUpdated, stream.MessageDeploymentDeleted:
		id := msg.ID
		if id == "" && msg.Deployment != nil {
			id = msg.Deployment.ID
		}
		if id == "" {
			return
		}
		if err := e.Reconcile(ctx, id); err != nil {
			e.logger.Warn().Err(err).Str("deployment_id", id).Msg("reconcile failed")
		}
	case stream.MessagePong:
		// Liveness only.
	}
}

func (e *Engine) retryLoop(ctx context.Context) {
	for {
		deadline, ok := e.retry.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.retry.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-e.retry.wake:
			continue
		case <-time.After(time.Until(deadline)):
		}

		for _, id := range e.retry.pop(time.Now()) {
			if err := e.Reconcile(ctx, id); err != nil {
				e.logger.Warn().Err(err).Str("deployment_id", id).Msg("retry reconcile failed")
			}
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("full sweep failed")
			}
		}
	}
}

// Sweep reconciles the union of what the control plane wants, what was
// last applied locally, and what the backend actually runs. Orphans fall
// out naturally: an actual-only ID fetches a 404 and is torn down.
func (e *Engine) Sweep(ctx context.Context) error {
	metrics.ReconcileCyclesTotal.Inc()

	ids := make(map[string]struct{})

	desired, err := e.cp.ListRunnerDeployments(ctx, e.workspaceID, e.runnerID)
	if err != nil {
		return err
	}
	for _, d := range desired {
		ids[d.ID] = struct{}{}
	}

	applied, err := e.local.ListDeployments()
	if err != nil {
		return err
	}
	for _, d := range applied {
		ids[d.ID] = struct{}{}
	}

	actual, err := e.adapter.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range actual {
		ids[id] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for id := range ids {
		id := id
		g.Go(func() error {
			if err := e.Reconcile(gctx, id); err != nil {
				e.logger.Warn().Err(err).Str("deployment_id", id).Msg("sweep reconcile failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := e.local.PutMeta(localstate.MetaLastSweep, []byte(stamp)); err != nil {
		e.logger.Warn().Err(err).Msg("failed to record sweep time")
	}
	return nil
}

// Reconcile converges one deployment. It re-fetches desired state from
// the control plane, diffs against the local last-applied record, applies
// the implied backend operations, and only then overwrites the local
// record. The unit lock is held for the whole cycle.
func (e *Engine) Reconcile(ctx context.Context, id string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	metrics.ReconcileInFlight.Inc()
	defer metrics.ReconcileInFlight.Dec()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	desired, err := e.cp.GetDeployment(ctx, e.workspaceID, id)
	switch {
	case apierror.IsType(err, apierror.TypeNotFound):
		return e.teardown(ctx, id)
	case err != nil:
		if apierror.IsTransient(err) {
			metrics.ReconcileRetries.Inc()
			e.retry.schedule(id)
		}
		return err
	}

	if desired.Status == types.DeploymentStatusDeleted || desired.Deleted != nil {
		return e.teardown(ctx, id)
	}

	applied, lerr := e.local.GetDeployment(id)
	if lerr != nil && !apierror.IsType(lerr, apierror.TypeNotFound) {
		return lerr
	}

	var status types.DeploymentStatus
	switch {
	case applied == nil:
		status, err = e.adapter.Create(ctx, desired)
	case specEqual(applied, desired):
		// Nothing changed on paper; verify the backend agrees.
		var observed *backend.Status
		observed, err = e.adapter.Get(ctx, id)
		if err == nil {
			if observed == nil {
				status, err = e.adapter.Create(ctx, desired)
			} else {
				status = observed.Status
			}
		}
	default:
		status, err = e.adapter.Update(ctx, applied, desired)
	}

	if err != nil {
		if apierror.IsTransient(err) {
			metrics.ReconcileRetries.Inc()
			e.retry.schedule(id)
			return err
		}
		metrics.BackendErrors.WithLabelValues("permanent").Inc()
		e.reportStatus(ctx, id, types.DeploymentStatusErrored)
		return err
	}

	if err := e.local.PutDeployment(desired); err != nil {
		return err
	}
	e.retry.drop(id)
	e.reportStatus(ctx, id, status)
	return nil
}

// teardown removes the workload and then the local record, in that
// order. AlreadyAbsent counts as success so repeated deletes converge.
func (e *Engine) teardown(ctx context.Context, id string) error {
	outcome, err := e.adapter.Delete(ctx, id)
	if err != nil {
		if apierror.IsTransient(err) {
			metrics.ReconcileRetries.Inc()
			e.retry.schedule(id)
		} else {
			metrics.BackendErrors.WithLabelValues("permanent").Inc()
		}
		return err
	}
	if err := e.local.DeleteDeployment(id); err != nil {
		return err
	}
	e.retry.drop(id)
	if outcome == backend.Deleted {
		e.logger.Info().Str("deployment_id", id).Msg("workload removed")
	}
	return nil
}

// reportStatus pushes observed status upstream, best effort. A 404 means
// the record is already gone and is not worth logging.
func (e *Engine) reportStatus(ctx context.Context, id string, status types.DeploymentStatus) {
	if err := e.cp.ReportStatus(ctx, e.workspaceID, id, status); err != nil {
		if !apierror.IsType(err, apierror.TypeNotFound) {
			e.logger.Warn().Err(err).Str("deployment_id", id).Msg("failed to report status")
		}
	}
}

// specEqual compares the parts of a deployment that drive backend state,
// ignoring bookkeeping fields.
func specEqual(a, b *types.Deployment) bool {
	return reflect.DeepEqual(stripped(a), stripped(b))
}

func stripped(d *types.Deployment) types.Deployment {
	cp := *d
	cp.Status = ""
	cp.CreatedAt = time.Time{}
	cp.UpdatedAt = time.Time{}
	cp.Deleted = nil
	return cp
}
