package backend

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/types"
)

// deploymentLabel addresses containers by deployment ID. The container
// name is cosmetic; the label is the identity.
const deploymentLabel = "canopy.deploymentID"

// DockerAdapter runs workloads as labelled containers on one Docker host.
type DockerAdapter struct {
	cli    *client.Client
	prober *httpProber
	logger zerolog.Logger
}

// NewDockerAdapter connects to the local Docker daemon.
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apierror.Transient("failed to connect to docker daemon", err)
	}
	return &DockerAdapter{
		cli:    cli,
		prober: newHTTPProber(),
		logger: log.WithComponent("docker-backend"),
	}, nil
}

// Create brings the deployment's container up. An existing container that
// already matches the desired image and state is left alone.
func (a *DockerAdapter) Create(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	existing, err := a.find(ctx, d.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if a.converged(existing, d) {
			return a.observedStatus(ctx, existing, d), nil
		}
		if err := a.remove(ctx, existing.ID); err != nil {
			return "", err
		}
	}
	return a.run(ctx, d)
}

// Update replaces the container so it matches new. Docker has no in-place
// reconfiguration, so every update is a rolling replace.
func (a *DockerAdapter) Update(ctx context.Context, old, new *types.Deployment) (types.DeploymentStatus, error) {
	existing, err := a.find(ctx, new.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := a.remove(ctx, existing.ID); err != nil {
			return "", err
		}
	}
	return a.run(ctx, new)
}

// Delete stops and removes the deployment's container. A container that
// is already gone is success, not an error.
func (a *DockerAdapter) Delete(ctx context.Context, id string) (DeleteOutcome, error) {
	existing, err := a.find(ctx, id)
	if err != nil {
		return AlreadyAbsent, err
	}
	if existing == nil {
		return AlreadyAbsent, nil
	}

	if err := a.cli.ContainerStop(ctx, existing.ID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return AlreadyAbsent, classifyDockerErr("failed to stop container", err)
	}
	if err := a.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: false}); err != nil {
		if errdefs.IsNotFound(err) {
			return Deleted, nil
		}
		// The workload was stopped but not removed. Bring it back so a
		// half-deleted deployment does not linger invisible.
		if startErr := a.cli.ContainerStart(ctx, existing.ID, container.StartOptions{}); startErr != nil {
			a.logger.Warn().Err(startErr).Str("deployment_id", id).
				Msg("failed to restart container after aborted delete")
		}
		return AlreadyAbsent, classifyDockerErr("failed to remove container", err)
	}
	return Deleted, nil
}

// Get reports the container's observed status, or nil when absent.
func (a *DockerAdapter) Get(ctx context.Context, id string) (*Status, error) {
	existing, err := a.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return &Status{ID: id, Status: containerStatus(existing.State)}, nil
}

// List returns the deployment IDs of every labelled container.
func (a *DockerAdapter) List(ctx context.Context) ([]string, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", deploymentLabel)),
	})
	if err != nil {
		return nil, classifyDockerErr("failed to list containers", err)
	}
	var ids []string
	for _, c := range containers {
		if id, ok := c.Labels[deploymentLabel]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (a *DockerAdapter) find(ctx context.Context, id string) (*dockertypes.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", deploymentLabel+"="+id)),
	})
	if err != nil {
		return nil, classifyDockerErr("failed to list containers", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// converged reports whether the existing container already satisfies the
// deployment, cheap checks only. Anything ambiguous forces a replace.
func (a *DockerAdapter) converged(c *dockertypes.Container, d *types.Deployment) bool {
	if c.Image != d.Image() {
		return false
	}
	running := c.State == "running"
	return running == (d.DesiredState == types.DesiredStateRunning)
}

// run pulls the image, creates the container and starts it when the
// desired state says running.
func (a *DockerAdapter) run(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	ref := d.Image()
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", apierror.Permanent("image not found: "+ref, err)
		}
		return "", classifyDockerErr("failed to pull image", err)
	}
	// The pull stream must be drained for the pull to complete.
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	var env []string
	for _, e := range d.Env {
		if e.FromSecret != "" {
			continue
		}
		env = append(env, e.Name+"="+e.Value)
	}

	exposed := nat.PortSet{}
	for _, p := range d.Ports {
		proto := "tcp"
		if p.Type == types.PortTypeUDP {
			proto = "udp"
		}
		exposed[nat.Port(strconv.Itoa(p.Port)+"/"+proto)] = struct{}{}
	}

	var mounts []mount.Mount
	for _, att := range d.Volumes {
		name := "canopy-vol-" + att.VolumeID
		if _, err := a.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
			return "", classifyDockerErr("failed to create volume", err)
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: name,
			Target: att.MountPath,
		})
	}
	if len(d.ConfigMounts) > 0 {
		a.logger.Warn().Str("deployment_id", d.ID).
			Msg("config mounts are not applied on the docker backend")
	}

	created, err := a.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        ref,
			Env:          env,
			ExposedPorts: exposed,
			Labels:       map[string]string{deploymentLabel: d.ID},
		},
		&container.HostConfig{
			Mounts:          mounts,
			PublishAllPorts: true,
			RestartPolicy:   container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, fmt.Sprintf("canopy-%s-%s", d.Name, d.ID[:8]))
	if err != nil {
		if errdefs.IsInvalidParameter(err) {
			return "", apierror.Permanent("invalid container spec", err)
		}
		return "", classifyDockerErr("failed to create container", err)
	}

	if d.DesiredState != types.DesiredStateRunning {
		return types.DeploymentStatusStopped, nil
	}
	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", classifyDockerErr("failed to start container", err)
	}
	if d.StartupProbe != nil {
		return a.awaitStartup(ctx, d)
	}
	return types.DeploymentStatusRunning, nil
}

// observedStatus refines the container state with the deployment's
// startup probe: a running container that does not answer its probe is
// still deploying.
func (a *DockerAdapter) observedStatus(ctx context.Context, c *dockertypes.Container, d *types.Deployment) types.DeploymentStatus {
	status := containerStatus(c.State)
	if status != types.DeploymentStatusRunning || d.StartupProbe == nil {
		return status
	}
	port, ok := publishedPort(c, d.StartupProbe.Port)
	if !ok {
		return status
	}
	if !a.prober.healthy(ctx, "127.0.0.1", port, d.StartupProbe.Path) {
		return types.DeploymentStatusDeploying
	}
	return status
}

// awaitStartup waits for a freshly started container to pass its
// startup probe. A probe that never passes is not an error; the
// deployment simply stays deploying until a later reconcile sees it
// healthy.
func (a *DockerAdapter) awaitStartup(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	existing, err := a.find(ctx, d.ID)
	if err != nil || existing == nil {
		return types.DeploymentStatusRunning, nil
	}
	port, ok := publishedPort(existing, d.StartupProbe.Port)
	if !ok {
		return types.DeploymentStatusRunning, nil
	}
	if a.prober.await(ctx, "127.0.0.1", port, d.StartupProbe.Path, 30*time.Second) {
		return types.DeploymentStatusRunning, nil
	}
	return types.DeploymentStatusDeploying, nil
}

// publishedPort resolves the host port Docker mapped to the given
// container port.
func publishedPort(c *dockertypes.Container, private int) (int, bool) {
	for _, p := range c.Ports {
		if int(p.PrivatePort) == private && p.PublicPort != 0 {
			return int(p.PublicPort), true
		}
	}
	return 0, false
}

func (a *DockerAdapter) remove(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return classifyDockerErr("failed to stop container", err)
	}
	if err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return classifyDockerErr("failed to remove container", err)
	}
	return nil
}

func containerStatus(state string) types.DeploymentStatus {
	switch state {
	case "running":
		return types.DeploymentStatusRunning
	case "created", "restarting":
		return types.DeploymentStatusDeploying
	case "dead":
		return types.DeploymentStatusErrored
	default:
		return types.DeploymentStatusStopped
	}
}

// classifyDockerErr sorts daemon errors into the retry taxonomy. Invalid
// input is permanent; everything else is assumed to be a daemon or
// network hiccup worth retrying.
func classifyDockerErr(message string, err error) error {
	if errdefs.IsInvalidParameter(err) || errdefs.IsConflict(err) || errdefs.IsForbidden(err) {
		return apierror.Permanent(message, err)
	}
	return apierror.Transient(message, err)
}
