package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/auth"
	"github.com/canopyhq/canopy/pkg/events"
	"github.com/canopyhq/canopy/pkg/types"
)

type createDeploymentRequest struct {
	Name          string                   `json:"name"`
	RunnerID      string                   `json:"runnerId"`
	Registry      string                   `json:"registry"`
	ImageName     string                   `json:"imageName"`
	ImageTag      string                   `json:"imageTag"`
	MachineType   string                   `json:"machineType"`
	MinScale      int                      `json:"minScale"`
	MaxScale      int                      `json:"maxScale"`
	Ports         []types.ExposedPort      `json:"ports"`
	Env           []types.EnvVar           `json:"env"`
	ConfigMounts  []types.ConfigMount      `json:"configMounts"`
	Volumes       []types.VolumeAttachment `json:"volumes"`
	StartupProbe  *types.Probe             `json:"startupProbe"`
	LivenessProbe *types.Probe             `json:"livenessProbe"`
	DesiredState  types.DesiredState       `json:"desiredState"`
}

func (req *createDeploymentRequest) validate() error {
	switch {
	case req.Name == "":
		return apierror.WrongParameters("deployment name is required")
	case req.RunnerID == "":
		return apierror.WrongParameters("runnerId is required")
	case req.ImageName == "" || req.ImageTag == "":
		return apierror.WrongParameters("imageName and imageTag are required")
	case req.MinScale < 0 || req.MaxScale < req.MinScale:
		return apierror.WrongParameters("invalid scale bounds")
	}
	switch req.DesiredState {
	case "", types.DesiredStateRunning, types.DesiredStateStopped:
	default:
		return apierror.WrongParameters("invalid desiredState")
	}
	return nil
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req createDeploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetRunner(r.Context(), workspaceID, req.RunnerID); err != nil {
		if apierror.IsType(err, apierror.TypeNotFound) {
			writeError(w, apierror.WrongParameters("unknown runner"))
			return
		}
		writeError(w, err)
		return
	}

	desiredState := req.DesiredState
	if desiredState == "" {
		desiredState = types.DesiredStateRunning
	}
	registry := req.Registry
	if registry == "" {
		registry = "docker.io"
	}

	now := time.Now()
	d := &types.Deployment{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		RunnerID:      req.RunnerID,
		Name:          req.Name,
		Registry:      registry,
		ImageName:     req.ImageName,
		ImageTag:      req.ImageTag,
		MachineType:   req.MachineType,
		MinScale:      req.MinScale,
		MaxScale:      req.MaxScale,
		Ports:         req.Ports,
		Env:           req.Env,
		ConfigMounts:  req.ConfigMounts,
		Volumes:       req.Volumes,
		StartupProbe:  req.StartupProbe,
		LivenessProbe: req.LivenessProbe,
		DesiredState:  desiredState,
		Status:        types.DeploymentStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateDeployment(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	typeID, err := s.resourceTypeID(r.Context(), types.ResourceTypeDeployment)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateResource(r.Context(), &types.Resource{ID: d.ID, WorkspaceID: workspaceID, TypeID: typeID}); err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:         events.EventDeploymentCreated,
		WorkspaceID:  workspaceID,
		RunnerID:     d.RunnerID,
		DeploymentID: d.ID,
		New:          d,
	})
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDeployment(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "deploymentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListDeployments(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRunnerDeployments(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListDeploymentsByRunner(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "runnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type updateDeploymentRequest struct {
	Registry      *string                   `json:"registry,omitempty"`
	ImageName     *string                   `json:"imageName,omitempty"`
	ImageTag      *string                   `json:"imageTag,omitempty"`
	MachineType   *string                   `json:"machineType,omitempty"`
	MinScale      *int                      `json:"minScale,omitempty"`
	MaxScale      *int                      `json:"maxScale,omitempty"`
	Ports         *[]types.ExposedPort      `json:"ports,omitempty"`
	Env           *[]types.EnvVar           `json:"env,omitempty"`
	ConfigMounts  *[]types.ConfigMount      `json:"configMounts,omitempty"`
	Volumes       *[]types.VolumeAttachment `json:"volumes,omitempty"`
	StartupProbe  *types.Probe              `json:"startupProbe,omitempty"`
	LivenessProbe *types.Probe              `json:"livenessProbe,omitempty"`
	DesiredState  *types.DesiredState       `json:"desiredState,omitempty"`
}

func (s *Server) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	deploymentID := chi.URLParam(r, "deploymentID")

	var req updateDeploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	old, err := s.store.GetDeployment(r.Context(), workspaceID, deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}

	updated := *old
	if req.Registry != nil {
		updated.Registry = *req.Registry
	}
	if req.ImageName != nil {
		updated.ImageName = *req.ImageName
	}
	if req.ImageTag != nil {
		updated.ImageTag = *req.ImageTag
	}
	if req.MachineType != nil {
		updated.MachineType = *req.MachineType
	}
	if req.MinScale != nil {
		updated.MinScale = *req.MinScale
	}
	if req.MaxScale != nil {
		updated.MaxScale = *req.MaxScale
	}
	if req.Ports != nil {
		updated.Ports = *req.Ports
	}
	if req.Env != nil {
		updated.Env = *req.Env
	}
	if req.ConfigMounts != nil {
		updated.ConfigMounts = *req.ConfigMounts
	}
	if req.Volumes != nil {
		updated.Volumes = *req.Volumes
	}
	if req.StartupProbe != nil {
		updated.StartupProbe = req.StartupProbe
	}
	if req.LivenessProbe != nil {
		updated.LivenessProbe = req.LivenessProbe
	}
	if req.DesiredState != nil {
		switch *req.DesiredState {
		case types.DesiredStateRunning, types.DesiredStateStopped:
			updated.DesiredState = *req.DesiredState
		default:
			writeError(w, apierror.WrongParameters("invalid desiredState"))
			return
		}
	}
	if updated.MinScale < 0 || updated.MaxScale < updated.MinScale {
		writeError(w, apierror.WrongParameters("invalid scale bounds"))
		return
	}
	updated.UpdatedAt = time.Now()

	if err := s.store.UpdateDeployment(r.Context(), &updated); err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:         events.EventDeploymentUpdated,
		WorkspaceID:  workspaceID,
		RunnerID:     updated.RunnerID,
		DeploymentID: updated.ID,
		Old:          old,
		New:          &updated,
	})
	writeJSON(w, http.StatusOK, &updated)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	deploymentID := chi.URLParam(r, "deploymentID")

	d, err := s.store.GetDeployment(r.Context(), workspaceID, deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SoftDeleteDeployment(r.Context(), workspaceID, deploymentID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteResource(r.Context(), deploymentID); err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:         events.EventDeploymentDeleted,
		WorkspaceID:  workspaceID,
		RunnerID:     d.RunnerID,
		DeploymentID: deploymentID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type reportStatusRequest struct {
	Status types.DeploymentStatus `json:"status"`
}

// handleReportStatus records a runner's observed status for a
// deployment. Only the runner the deployment is bound to may report, and
// a mismatch is indistinguishable from a missing deployment. The
// lifecycle markers created and deleted are owned by the control plane
// and are not reportable.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	deploymentID := chi.URLParam(r, "deploymentID")

	actor := auth.FromContext(r.Context())
	if actor == nil || actor.RunnerID == "" {
		writeError(w, apierror.NotFound("deployment not found"))
		return
	}

	var req reportStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.Status {
	case types.DeploymentStatusDeploying, types.DeploymentStatusRunning,
		types.DeploymentStatusStopped, types.DeploymentStatusErrored:
	default:
		writeError(w, apierror.WrongParameters("invalid status"))
		return
	}

	d, err := s.store.GetDeployment(r.Context(), workspaceID, deploymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if d.RunnerID != actor.RunnerID {
		writeError(w, apierror.NotFound("deployment not found"))
		return
	}

	if err := s.store.UpdateDeploymentStatus(r.Context(), workspaceID, deploymentID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
