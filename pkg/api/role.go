package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

type roleRequest struct {
	Name string `json:"name"`
	// ResourcePermissions maps resource ID to permission names.
	ResourcePermissions map[string][]string `json:"resourcePermissions"`
	// TypePermissions maps resource type name to permission names.
	TypePermissions map[string][]string `json:"typePermissions"`
}

// resolveGrants translates permission and type names in a role request
// into seeded vocabulary IDs.
func (s *Server) resolveGrants(r *http.Request, req *roleRequest) (resource, typed map[string][]string, err error) {
	permIDs, err := s.store.PermissionIDs(r.Context())
	if err != nil {
		return nil, nil, err
	}
	typeIDs, err := s.store.ResourceTypeIDs(r.Context())
	if err != nil {
		return nil, nil, err
	}

	resource = make(map[string][]string, len(req.ResourcePermissions))
	for resourceID, names := range req.ResourcePermissions {
		for _, name := range names {
			id, ok := permIDs[name]
			if !ok {
				return nil, nil, apierror.WrongParameters("unknown permission: " + name)
			}
			resource[resourceID] = append(resource[resourceID], id)
		}
	}
	typed = make(map[string][]string, len(req.TypePermissions))
	for typeName, names := range req.TypePermissions {
		typeID, ok := typeIDs[typeName]
		if !ok {
			return nil, nil, apierror.WrongParameters("unknown resource type: " + typeName)
		}
		for _, name := range names {
			id, ok := permIDs[name]
			if !ok {
				return nil, nil, apierror.WrongParameters("unknown permission: " + name)
			}
			typed[typeID] = append(typed[typeID], id)
		}
	}
	return resource, typed, nil
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req roleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierror.WrongParameters("role name is required"))
		return
	}
	resourceGrants, typeGrants, err := s.resolveGrants(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	role := &types.Role{
		ID:                  uuid.NewString(),
		WorkspaceID:         workspaceID,
		Name:                req.Name,
		ResourcePermissions: resourceGrants,
		TypePermissions:     typeGrants,
		CreatedAt:           time.Now(),
	}
	if err := s.store.CreateRole(r.Context(), role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.store.GetRole(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "roleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListRoles(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	roleID := chi.URLParam(r, "roleID")

	var req roleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	role, err := s.store.GetRole(r.Context(), workspaceID, roleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		role.Name = req.Name
	}
	resourceGrants, typeGrants, err := s.resolveGrants(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	role.ResourcePermissions = resourceGrants
	role.TypePermissions = typeGrants

	if err := s.store.UpdateRole(r.Context(), role); err != nil {
		writeError(w, err)
		return
	}
	// Everyone holding this role must see the new grants within a
	// request, not a TTL.
	s.rbac.InvalidateRole(r.Context(), roleID)
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	roleID := chi.URLParam(r, "roleID")

	// Resolve assignees before the delete wipes the assignment rows.
	assignees, err := s.store.UsersAssignedRole(r.Context(), roleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRole(r.Context(), workspaceID, roleID); err != nil {
		writeError(w, err)
		return
	}
	for _, userID := range assignees {
		s.rbac.Invalidate(userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignmentRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	roleID := chi.URLParam(r, "roleID")

	var req assignmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apierror.WrongParameters("userId is required"))
		return
	}
	if _, err := s.store.GetRole(r.Context(), workspaceID, roleID); err != nil {
		writeError(w, err)
		return
	}
	a := &types.RoleAssignment{UserID: req.UserID, WorkspaceID: workspaceID, RoleID: roleID}
	if err := s.store.AssignRole(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	s.rbac.Invalidate(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	roleID := chi.URLParam(r, "roleID")

	var req assignmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a := &types.RoleAssignment{UserID: req.UserID, WorkspaceID: workspaceID, RoleID: roleID}
	if err := s.store.UnassignRole(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	s.rbac.Invalidate(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}
