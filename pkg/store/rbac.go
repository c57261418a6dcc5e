package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

// RBAC tables: resources, permissions, roles and role assignments. The
// derived WorkspacePermission snapshot is computed in pkg/rbac from these
// reads.

func (s *Store) CreateResource(ctx context.Context, r *types.Resource) error {
	m := &resourceModel{ID: r.ID, WorkspaceID: r.WorkspaceID, TypeID: r.TypeID}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	var m resourceModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("resource not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.Resource{ID: m.ID, WorkspaceID: m.WorkspaceID, TypeID: m.TypeID}, nil
}

func (s *Store) DeleteResource(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&resourceModel{}, "id = ?", id).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

// PermissionIDs returns the name-to-ID map of the seeded permission
// vocabulary.
func (s *Store) PermissionIDs(ctx context.Context) (map[string]string, error) {
	var models []permissionModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, apierror.Internal(err)
	}
	out := make(map[string]string, len(models))
	for _, m := range models {
		out[m.Name] = m.ID
	}
	return out, nil
}

// ResourceTypeIDs returns the name-to-ID map of the seeded resource types.
func (s *Store) ResourceTypeIDs(ctx context.Context) (map[string]string, error) {
	var models []resourceTypeModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, apierror.Internal(err)
	}
	out := make(map[string]string, len(models))
	for _, m := range models {
		out[m.Name] = m.ID
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r *types.Role) error {
	m, err := toRoleModel(r)
	if err != nil {
		return apierror.Internal(err)
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, workspaceID, id string) (*types.Role, error) {
	var m roleModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("role not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return fromRoleModel(&m)
}

func (s *Store) ListRoles(ctx context.Context, workspaceID string) ([]*types.Role, error) {
	var models []roleModel
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Role, 0, len(models))
	for i := range models {
		r, err := fromRoleModel(&models[i])
		if err != nil {
			return nil, apierror.Internal(err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, r *types.Role) error {
	m, err := toRoleModel(r)
	if err != nil {
		return apierror.Internal(err)
	}
	res := s.db.WithContext(ctx).Model(&roleModel{}).
		Where("id = ? AND workspace_id = ?", r.ID, r.WorkspaceID).
		Updates(map[string]any{
			"name":                 m.Name,
			"resource_permissions": m.ResourcePermissions,
			"type_permissions":     m.TypePermissions,
		})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("role not found")
	}
	return nil
}

func (s *Store) DeleteRole(ctx context.Context, workspaceID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&roleAssignmentModel{}, "role_id = ?", id).Error; err != nil {
			return apierror.Internal(err)
		}
		res := tx.Delete(&roleModel{}, "id = ? AND workspace_id = ?", id, workspaceID)
		if res.Error != nil {
			return apierror.Internal(res.Error)
		}
		if res.RowsAffected == 0 {
			return apierror.NotFound("role not found")
		}
		return nil
	})
}

func (s *Store) AssignRole(ctx context.Context, a *types.RoleAssignment) error {
	m := &roleAssignmentModel{
		UserID:      a.UserID,
		WorkspaceID: a.WorkspaceID,
		RoleID:      a.RoleID,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, a *types.RoleAssignment) error {
	res := s.db.WithContext(ctx).Delete(&roleAssignmentModel{},
		"user_id = ? AND workspace_id = ? AND role_id = ?",
		a.UserID, a.WorkspaceID, a.RoleID)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("role assignment not found")
	}
	return nil
}

// RolesForUser returns the roles the user holds in the workspace.
func (s *Store) RolesForUser(ctx context.Context, userID, workspaceID string) ([]*types.Role, error) {
	var assignments []roleAssignmentModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Find(&assignments).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Role, 0, len(assignments))
	for _, a := range assignments {
		role, err := s.GetRole(ctx, workspaceID, a.RoleID)
		if err != nil {
			if apierror.IsType(err, apierror.TypeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// UsersAssignedRole lists user IDs holding the given role, used to target
// cache invalidation on role mutation.
func (s *Store) UsersAssignedRole(ctx context.Context, roleID string) ([]string, error) {
	var assignments []roleAssignmentModel
	err := s.db.WithContext(ctx).Where("role_id = ?", roleID).Find(&assignments).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]string, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, a.UserID)
	}
	return out, nil
}
