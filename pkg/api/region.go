package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/provision"
	"github.com/canopyhq/canopy/pkg/types"
)

type addRegionRequest struct {
	Name string `json:"name"`

	// BYOC attach.
	Kubeconfig string `json:"kubeconfig,omitempty"`

	// Managed cluster.
	ProviderRegion string `json:"providerRegion,omitempty"`
	AccessToken    string `json:"accessToken,omitempty"`
}

// handleAddRegion records the region as creating and enqueues the
// provisioning job; the worker flips it to active.
func (s *Server) handleAddRegion(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req addRegionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierror.WrongParameters("region name is required"))
		return
	}
	byoc := req.Kubeconfig != ""
	managed := req.ProviderRegion != ""
	if byoc == managed {
		writeError(w, apierror.WrongParameters("provide either kubeconfig or providerRegion, not both"))
		return
	}

	provider := types.RegionProviderManaged
	if byoc {
		provider = types.RegionProviderBYOC
	}
	region := &types.Region{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Provider:    provider,
		Status:      types.RegionStatusCreating,
		Kubeconfig:  req.Kubeconfig,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateRegion(r.Context(), region); err != nil {
		writeError(w, err)
		return
	}

	requestID := uuid.NewString()
	var job provision.Job
	if byoc {
		job = provision.SetupKubernetesCluster{
			RegionID:   region.ID,
			Kubeconfig: req.Kubeconfig,
			RequestID:  requestID,
		}
	} else {
		job = provision.CreateManagedCluster{
			RegionID:       region.ID,
			ProviderRegion: req.ProviderRegion,
			AccessToken:    req.AccessToken,
			RequestID:      requestID,
		}
	}
	if err := s.queue.Enqueue(job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, region)
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListRegionsByWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	regionID := chi.URLParam(r, "regionID")

	region, err := s.store.GetRegion(r.Context(), regionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if region.WorkspaceID != chi.URLParam(r, "workspaceID") {
		writeError(w, apierror.NotFound("region not found"))
		return
	}
	region.Status = types.RegionStatusDeleted
	if err := s.store.UpdateRegion(r.Context(), region); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
