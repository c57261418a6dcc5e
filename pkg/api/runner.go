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

// runnerSessionTTL is how long a runner credential stays valid. Runners
// are long-lived processes; rotation means re-creating the runner.
const runnerSessionTTL = 365 * 24 * time.Hour

type createRunnerRequest struct {
	Name string `json:"name"`
}

type createRunnerResponse struct {
	Runner *types.Runner `json:"runner"`
	// Token is the runner's bearer credential, returned exactly once.
	Token string `json:"token"`
}

func (s *Server) handleCreateRunner(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req createRunnerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierror.WrongParameters("runner name is required"))
		return
	}

	runner := &types.Runner{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        req.Name,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateRunner(r.Context(), runner); err != nil {
		writeError(w, err)
		return
	}
	typeID, err := s.resourceTypeID(r.Context(), types.ResourceTypeRunner)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateResource(r.Context(), &types.Resource{ID: runner.ID, WorkspaceID: workspaceID, TypeID: typeID}); err != nil {
		writeError(w, err)
		return
	}

	token, sess, err := auth.NewRunnerCredential(runner.ID, runnerSessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRunnerResponse{Runner: runner, Token: token})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.store.GetRunner(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "runnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListRunners(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteRunner removes a runner and cascades: every deployment
// bound to it is soft-deleted and a deleted event goes out, so a
// still-connected runner stops its workloads before the stream dies.
func (s *Server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	runnerID := chi.URLParam(r, "runnerID")

	deployments, err := s.store.ListDeploymentsByRunner(r.Context(), workspaceID, runnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	for _, d := range deployments {
		if err := s.store.SoftDeleteDeployment(r.Context(), workspaceID, d.ID, now); err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.DeleteResource(r.Context(), d.ID); err != nil {
			writeError(w, err)
			return
		}
		s.broker.Publish(&events.Event{
			Type:         events.EventDeploymentDeleted,
			WorkspaceID:  workspaceID,
			RunnerID:     runnerID,
			DeploymentID: d.ID,
		})
	}

	if err := s.store.SoftDeleteRunner(r.Context(), workspaceID, runnerID, now); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteResource(r.Context(), runnerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
