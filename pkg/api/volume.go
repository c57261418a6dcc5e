package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

type createVolumeRequest struct {
	Name   string `json:"name"`
	SizeGB int    `json:"sizeGb"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req createVolumeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierror.WrongParameters("volume name is required"))
		return
	}
	if req.SizeGB <= 0 {
		writeError(w, apierror.WrongParameters("volume size must be positive"))
		return
	}

	v := &types.Volume{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        req.Name,
		SizeGB:      req.SizeGB,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateVolume(r.Context(), v); err != nil {
		writeError(w, err)
		return
	}
	typeID, err := s.resourceTypeID(r.Context(), types.ResourceTypeVolume)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateResource(r.Context(), &types.Resource{ID: v.ID, WorkspaceID: workspaceID, TypeID: typeID}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.GetVolume(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "volumeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListVolumes(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type updateVolumeRequest struct {
	SizeGB int `json:"sizeGb"`
}

// handleUpdateVolume grows a volume. The store rejects shrinks.
func (s *Server) handleUpdateVolume(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	volumeID := chi.URLParam(r, "volumeID")

	var req updateVolumeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateVolumeSize(r.Context(), workspaceID, volumeID, req.SizeGB); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.store.GetVolume(r.Context(), workspaceID, volumeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	volumeID := chi.URLParam(r, "volumeID")

	// A volume still attached to a deployment must not disappear under
	// it.
	deployments, err := s.store.ListDeployments(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, d := range deployments {
		for _, att := range d.Volumes {
			if att.VolumeID == volumeID {
				writeError(w, apierror.Conflict("volume is attached to deployment "+d.Name))
				return
			}
		}
	}

	if err := s.store.SoftDeleteVolume(r.Context(), workspaceID, volumeID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteResource(r.Context(), volumeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
