package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/auth"
	"github.com/canopyhq/canopy/pkg/types"
)

// sessionTTL is how long a login credential stays valid.
const sessionTTL = 30 * 24 * time.Hour

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// handleLogin issues a session credential for an existing user. Unknown
// users get the same 401 as a bad credential.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, apierror.NotAuthenticated("invalid or expired credential"))
		return
	}
	token, sess, err := auth.NewCredential(user.ID, sessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: user.ID})
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

// handleCreateWorkspace creates a workspace with the caller as super
// admin, plus the workspace's own resource row so workspace-scoped
// permission checks have something to address.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	actor := auth.FromContext(r.Context())

	var req createWorkspaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierror.WrongParameters("workspace name is required"))
		return
	}

	ws := &types.Workspace{
		ID:           uuid.NewString(),
		Name:         req.Name,
		SuperAdminID: actor.UserID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		writeError(w, err)
		return
	}
	typeID, err := s.resourceTypeID(r.Context(), types.ResourceTypeWorkspace)
	if err != nil {
		writeError(w, err)
		return
	}
	res := &types.Resource{ID: ws.ID, WorkspaceID: ws.ID, TypeID: typeID}
	if err := s.store.CreateResource(r.Context(), res); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

type updateWorkspaceRequest struct {
	Name         *string `json:"name,omitempty"`
	SuperAdminID *string `json:"superAdminId,omitempty"`
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := auth.PathParam("workspaceID")(r)

	var req updateWorkspaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		ws.Name = *req.Name
	}
	if req.SuperAdminID != nil {
		ws.SuperAdminID = *req.SuperAdminID
	}
	if err := s.store.UpdateWorkspace(r.Context(), ws); err != nil {
		writeError(w, err)
		return
	}
	// A super-admin handover changes every snapshot in the workspace.
	if req.SuperAdminID != nil {
		s.rbac.InvalidateWorkspace(workspaceID)
	}
	writeJSON(w, http.StatusOK, ws)
}
