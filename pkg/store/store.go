package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

// Store is the control-plane persistence layer. It owns the desired-state
// records and the RBAC tables.
type Store struct {
	db *gorm.DB
}

// Workspaces

func (s *Store) CreateWorkspace(ctx context.Context, w *types.Workspace) error {
	m := &workspaceModel{
		ID:           w.ID,
		Name:         w.Name,
		SuperAdminID: w.SuperAdminID,
		CreatedAt:    w.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apierror.Conflict("workspace name already taken")
		}
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	var m workspaceModel
	err := s.db.WithContext(ctx).Where("id = ? AND deleted IS NULL", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("workspace not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.Workspace{
		ID:           m.ID,
		Name:         m.Name,
		SuperAdminID: m.SuperAdminID,
		CreatedAt:    m.CreatedAt,
		Deleted:      m.Deleted,
	}, nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	var models []workspaceModel
	if err := s.db.WithContext(ctx).Where("deleted IS NULL").Find(&models).Error; err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Workspace, 0, len(models))
	for i := range models {
		m := &models[i]
		out = append(out, &types.Workspace{
			ID:           m.ID,
			Name:         m.Name,
			SuperAdminID: m.SuperAdminID,
			CreatedAt:    m.CreatedAt,
		})
	}
	return out, nil
}

// UpdateWorkspace persists name and super-admin changes.
func (s *Store) UpdateWorkspace(ctx context.Context, w *types.Workspace) error {
	res := s.db.WithContext(ctx).Model(&workspaceModel{}).
		Where("id = ? AND deleted IS NULL", w.ID).
		Updates(map[string]any{
			"name":           w.Name,
			"super_admin_id": w.SuperAdminID,
		})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("workspace not found")
	}
	return nil
}

// SoftDeleteWorkspace marks a workspace deleted. Super admin only; the
// caller enforces that.
func (s *Store) SoftDeleteWorkspace(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&workspaceModel{}).
		Where("id = ? AND deleted IS NULL", id).
		Update("deleted", at)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("workspace not found")
	}
	return nil
}

// Users and sessions

func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	m := &userModel{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apierror.Conflict("username already taken")
		}
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var m userModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("user not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.User{ID: m.ID, Username: m.Username, CreatedAt: m.CreatedAt}, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var m userModel
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("user not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.User{ID: m.ID, Username: m.Username, CreatedAt: m.CreatedAt}, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	m := &sessionModel{
		ID:        sess.ID,
		UserID:    sess.UserID,
		RunnerID:  sess.RunnerID,
		TokenHash: sess.TokenHash,
		Expires:   sess.Expires,
		CreatedAt: sess.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var m sessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("session not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.Session{
		ID:        m.ID,
		UserID:    m.UserID,
		RunnerID:  m.RunnerID,
		TokenHash: m.TokenHash,
		Expires:   m.Expires,
		Revoked:   m.Revoked,
		CreatedAt: m.CreatedAt,
	}, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("id = ? AND revoked IS NULL", id).
		Update("revoked", at)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("session not found")
	}
	return nil
}

// Runners

func (s *Store) CreateRunner(ctx context.Context, r *types.Runner) error {
	m := &runnerModel{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Name:        r.Name,
		LastSeen:    r.LastSeen,
		CreatedAt:   r.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetRunner(ctx context.Context, workspaceID, id string) (*types.Runner, error) {
	var m runnerModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("runner not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return runnerFromModel(&m), nil
}

func (s *Store) ListRunners(ctx context.Context, workspaceID string) ([]*types.Runner, error) {
	var models []runnerModel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND deleted IS NULL", workspaceID).
		Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Runner, 0, len(models))
	for i := range models {
		out = append(out, runnerFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) ListAllRunners(ctx context.Context) ([]*types.Runner, error) {
	var models []runnerModel
	if err := s.db.WithContext(ctx).Where("deleted IS NULL").Find(&models).Error; err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Runner, 0, len(models))
	for i := range models {
		out = append(out, runnerFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) TouchRunner(ctx context.Context, workspaceID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&runnerModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Updates(map[string]any{"last_seen": at, "connected": true})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("runner not found")
	}
	return nil
}

func (s *Store) SetRunnerConnected(ctx context.Context, workspaceID, id string, connected bool) error {
	res := s.db.WithContext(ctx).Model(&runnerModel{}).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		Update("connected", connected)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	return nil
}

func (s *Store) SoftDeleteRunner(ctx context.Context, workspaceID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&runnerModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Update("deleted", at)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("runner not found")
	}
	return nil
}

func runnerFromModel(m *runnerModel) *types.Runner {
	return &types.Runner{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		Name:        m.Name,
		LastSeen:    m.LastSeen,
		Connected:   m.Connected,
		CreatedAt:   m.CreatedAt,
		Deleted:     m.Deleted,
	}
}

// Regions

func (s *Store) CreateRegion(ctx context.Context, r *types.Region) error {
	m := &regionModel{
		ID:              r.ID,
		WorkspaceID:     r.WorkspaceID,
		Name:            r.Name,
		Provider:        string(r.Provider),
		Status:          string(r.Status),
		Kubeconfig:      r.Kubeconfig,
		IngressHostname: r.IngressHostname,
		AgentInstalled:  r.AgentInstalled,
		CreatedAt:       r.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetRegion(ctx context.Context, id string) (*types.Region, error) {
	var m regionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("region not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return regionFromModel(&m), nil
}

func (s *Store) ListRegionsByStatus(ctx context.Context, status types.RegionStatus) ([]*types.Region, error) {
	var models []regionModel
	err := s.db.WithContext(ctx).Where("status = ?", string(status)).Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Region, 0, len(models))
	for i := range models {
		out = append(out, regionFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) ListRegionsByWorkspace(ctx context.Context, workspaceID string) ([]*types.Region, error) {
	var models []regionModel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND status != ?", workspaceID, string(types.RegionStatusDeleted)).
		Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Region, 0, len(models))
	for i := range models {
		out = append(out, regionFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) UpdateRegion(ctx context.Context, r *types.Region) error {
	res := s.db.WithContext(ctx).Model(&regionModel{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{
			"status":           string(r.Status),
			"kubeconfig":       r.Kubeconfig,
			"ingress_hostname": r.IngressHostname,
			"agent_installed":  r.AgentInstalled,
			"disconnected_at":  r.DisconnectedAt,
		})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("region not found")
	}
	return nil
}

func regionFromModel(m *regionModel) *types.Region {
	return &types.Region{
		ID:              m.ID,
		WorkspaceID:     m.WorkspaceID,
		Name:            m.Name,
		Provider:        types.RegionProvider(m.Provider),
		Status:          types.RegionStatus(m.Status),
		Kubeconfig:      m.Kubeconfig,
		IngressHostname: m.IngressHostname,
		AgentInstalled:  m.AgentInstalled,
		DisconnectedAt:  m.DisconnectedAt,
		CreatedAt:       m.CreatedAt,
	}
}

// Deployments

func (s *Store) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	m, err := toDeploymentModel(d)
	if err != nil {
		return apierror.Internal(err)
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("workspace_id = ? AND name = ? AND deleted IS NULL", d.WorkspaceID, d.Name).
		Count(&count).Error
	if err != nil {
		return apierror.Internal(err)
	}
	if count > 0 {
		return apierror.Conflict("deployment name already taken")
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, workspaceID, id string) (*types.Deployment, error) {
	var m deploymentModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("deployment not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	d, err := fromDeploymentModel(&m)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return d, nil
}

func (s *Store) ListDeployments(ctx context.Context, workspaceID string) ([]*types.Deployment, error) {
	var models []deploymentModel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND deleted IS NULL", workspaceID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Deployment, 0, len(models))
	for i := range models {
		d, err := fromDeploymentModel(&models[i])
		if err != nil {
			return nil, apierror.Internal(err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) ListDeploymentsByRunner(ctx context.Context, workspaceID, runnerID string) ([]*types.Deployment, error) {
	var models []deploymentModel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND runner_id = ? AND deleted IS NULL", workspaceID, runnerID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Deployment, 0, len(models))
	for i := range models {
		d, err := fromDeploymentModel(&models[i])
		if err != nil {
			return nil, apierror.Internal(err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	m, err := toDeploymentModel(d)
	if err != nil {
		return apierror.Internal(err)
	}
	res := s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", d.ID, d.WorkspaceID).
		Updates(map[string]any{
			"name":          m.Name,
			"registry":      m.Registry,
			"image_name":    m.ImageName,
			"image_tag":     m.ImageTag,
			"machine_type":  m.MachineType,
			"min_scale":     m.MinScale,
			"max_scale":     m.MaxScale,
			"ports":         m.Ports,
			"env":           m.Env,
			"config_mounts": m.ConfigMounts,
			"volumes":       m.Volumes,
			"probes":        m.Probes,
			"desired_state": m.DesiredState,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("deployment not found")
	}
	return nil
}

// UpdateDeploymentStatus records an observed status reported by a runner.
// Status is never set directly by users.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, workspaceID, id string, status types.DeploymentStatus) error {
	res := s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Update("status", string(status))
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("deployment not found")
	}
	return nil
}

func (s *Store) SoftDeleteDeployment(ctx context.Context, workspaceID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Updates(map[string]any{"deleted": at, "status": string(types.DeploymentStatusDeleted)})
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("deployment not found")
	}
	return nil
}

// Volumes

func (s *Store) CreateVolume(ctx context.Context, v *types.Volume) error {
	m := &volumeModel{
		ID:          v.ID,
		WorkspaceID: v.WorkspaceID,
		Name:        v.Name,
		SizeGB:      v.SizeGB,
		CreatedAt:   v.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.Internal(err)
	}
	return nil
}

func (s *Store) GetVolume(ctx context.Context, workspaceID, id string) (*types.Volume, error) {
	var m volumeModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierror.NotFound("volume not found")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return &types.Volume{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		Name:        m.Name,
		SizeGB:      m.SizeGB,
		CreatedAt:   m.CreatedAt,
	}, nil
}

func (s *Store) ListVolumes(ctx context.Context, workspaceID string) ([]*types.Volume, error) {
	var models []volumeModel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND deleted IS NULL", workspaceID).
		Find(&models).Error
	if err != nil {
		return nil, apierror.Internal(err)
	}
	out := make([]*types.Volume, 0, len(models))
	for i := range models {
		m := &models[i]
		out = append(out, &types.Volume{
			ID:          m.ID,
			WorkspaceID: m.WorkspaceID,
			Name:        m.Name,
			SizeGB:      m.SizeGB,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out, nil
}

// UpdateVolumeSize grows a volume. Shrinking is rejected here, at the
// update boundary.
func (s *Store) UpdateVolumeSize(ctx context.Context, workspaceID, id string, sizeGB int) error {
	v, err := s.GetVolume(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if sizeGB < v.SizeGB {
		return apierror.WrongParameters("volume size can only grow")
	}
	res := s.db.WithContext(ctx).Model(&volumeModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Update("size_gb", sizeGB)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	return nil
}

func (s *Store) SoftDeleteVolume(ctx context.Context, workspaceID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&volumeModel{}).
		Where("id = ? AND workspace_id = ? AND deleted IS NULL", id, workspaceID).
		Update("deleted", at)
	if res.Error != nil {
		return apierror.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierror.NotFound("volume not found")
	}
	return nil
}
