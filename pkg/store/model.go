package store

import (
	"encoding/json"
	"time"

	"github.com/canopyhq/canopy/pkg/types"
)

type workspaceModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex"`
	SuperAdminID string
	CreatedAt    time.Time
	Deleted      *time.Time
}

func (workspaceModel) TableName() string { return "workspaces" }

type userModel struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type sessionModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	RunnerID  string `gorm:"index"`
	TokenHash string
	Expires   time.Time
	Revoked   *time.Time
	CreatedAt time.Time
}

func (sessionModel) TableName() string { return "sessions" }

type runnerModel struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index"`
	Name        string
	LastSeen    time.Time
	Connected   bool
	CreatedAt   time.Time
	Deleted     *time.Time
}

func (runnerModel) TableName() string { return "runners" }

type regionModel struct {
	ID              string `gorm:"primaryKey"`
	WorkspaceID     string `gorm:"index"`
	Name            string
	Provider        string
	Status          string
	Kubeconfig      string `gorm:"type:text"`
	IngressHostname string
	AgentInstalled  bool
	DisconnectedAt  *time.Time
	CreatedAt       time.Time
}

func (regionModel) TableName() string { return "regions" }

type deploymentModel struct {
	ID           string `gorm:"primaryKey"`
	WorkspaceID  string `gorm:"index"`
	RunnerID     string `gorm:"index"`
	Name         string
	Registry     string
	ImageName    string
	ImageTag     string
	MachineType  string
	MinScale     int
	MaxScale     int
	Ports        string `gorm:"type:text"` // JSON []types.ExposedPort
	Env          string `gorm:"type:text"` // JSON []types.EnvVar
	ConfigMounts string `gorm:"type:text"` // JSON []types.ConfigMount
	Volumes      string `gorm:"type:text"` // JSON []types.VolumeAttachment
	Probes       string `gorm:"type:text"` // JSON probes
	DesiredState string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Deleted      *time.Time
}

func (deploymentModel) TableName() string { return "deployments" }

type volumeModel struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index"`
	Name        string
	SizeGB      int
	CreatedAt   time.Time
	Deleted     *time.Time
}

func (volumeModel) TableName() string { return "volumes" }

type resourceTypeModel struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func (resourceTypeModel) TableName() string { return "resource_types" }

type resourceModel struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index"`
	TypeID      string `gorm:"index"`
}

func (resourceModel) TableName() string { return "resources" }

type permissionModel struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func (permissionModel) TableName() string { return "permissions" }

type roleModel struct {
	ID                  string `gorm:"primaryKey"`
	WorkspaceID         string `gorm:"index"`
	Name                string
	ResourcePermissions string `gorm:"type:text"` // JSON map[string][]string
	TypePermissions     string `gorm:"type:text"` // JSON map[string][]string
	CreatedAt           time.Time
}

func (roleModel) TableName() string { return "roles" }

type roleAssignmentModel struct {
	UserID      string `gorm:"primaryKey"`
	WorkspaceID string `gorm:"primaryKey;index"`
	RoleID      string `gorm:"primaryKey"`
}

func (roleAssignmentModel) TableName() string { return "role_assignments" }

type deploymentProbes struct {
	Startup  *types.Probe `json:"startup,omitempty"`
	Liveness *types.Probe `json:"liveness,omitempty"`
}

func toDeploymentModel(d *types.Deployment) (*deploymentModel, error) {
	ports, err := json.Marshal(d.Ports)
	if err != nil {
		return nil, err
	}
	env, err := json.Marshal(d.Env)
	if err != nil {
		return nil, err
	}
	mounts, err := json.Marshal(d.ConfigMounts)
	if err != nil {
		return nil, err
	}
	volumes, err := json.Marshal(d.Volumes)
	if err != nil {
		return nil, err
	}
	probes, err := json.Marshal(deploymentProbes{
		Startup:  d.StartupProbe,
		Liveness: d.LivenessProbe,
	})
	if err != nil {
		return nil, err
	}
	return &deploymentModel{
		ID:           d.ID,
		WorkspaceID:  d.WorkspaceID,
		RunnerID:     d.RunnerID,
		Name:         d.Name,
		Registry:     d.Registry,
		ImageName:    d.ImageName,
		ImageTag:     d.ImageTag,
		MachineType:  d.MachineType,
		MinScale:     d.MinScale,
		MaxScale:     d.MaxScale,
		Ports:        string(ports),
		Env:          string(env),
		ConfigMounts: string(mounts),
		Volumes:      string(volumes),
		Probes:       string(probes),
		DesiredState: string(d.DesiredState),
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Deleted:      d.Deleted,
	}, nil
}

func fromDeploymentModel(m *deploymentModel) (*types.Deployment, error) {
	d := &types.Deployment{
		ID:           m.ID,
		WorkspaceID:  m.WorkspaceID,
		RunnerID:     m.RunnerID,
		Name:         m.Name,
		Registry:     m.Registry,
		ImageName:    m.ImageName,
		ImageTag:     m.ImageTag,
		MachineType:  m.MachineType,
		MinScale:     m.MinScale,
		MaxScale:     m.MaxScale,
		DesiredState: types.DesiredState(m.DesiredState),
		Status:       types.DeploymentStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		Deleted:      m.Deleted,
	}
	if m.Ports != "" {
		if err := json.Unmarshal([]byte(m.Ports), &d.Ports); err != nil {
			return nil, err
		}
	}
	if m.Env != "" {
		if err := json.Unmarshal([]byte(m.Env), &d.Env); err != nil {
			return nil, err
		}
	}
	if m.ConfigMounts != "" {
		if err := json.Unmarshal([]byte(m.ConfigMounts), &d.ConfigMounts); err != nil {
			return nil, err
		}
	}
	if m.Volumes != "" {
		if err := json.Unmarshal([]byte(m.Volumes), &d.Volumes); err != nil {
			return nil, err
		}
	}
	if m.Probes != "" {
		var probes deploymentProbes
		if err := json.Unmarshal([]byte(m.Probes), &probes); err != nil {
			return nil, err
		}
		d.StartupProbe = probes.Startup
		d.LivenessProbe = probes.Liveness
	}
	return d, nil
}

func toRoleModel(r *types.Role) (*roleModel, error) {
	resourcePerms, err := json.Marshal(r.ResourcePermissions)
	if err != nil {
		return nil, err
	}
	typePerms, err := json.Marshal(r.TypePermissions)
	if err != nil {
		return nil, err
	}
	return &roleModel{
		ID:                  r.ID,
		WorkspaceID:         r.WorkspaceID,
		Name:                r.Name,
		ResourcePermissions: string(resourcePerms),
		TypePermissions:     string(typePerms),
		CreatedAt:           r.CreatedAt,
	}, nil
}

func fromRoleModel(m *roleModel) (*types.Role, error) {
	r := &types.Role{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		Name:        m.Name,
		CreatedAt:   m.CreatedAt,
	}
	if m.ResourcePermissions != "" {
		if err := json.Unmarshal([]byte(m.ResourcePermissions), &r.ResourcePermissions); err != nil {
			return nil, err
		}
	}
	if m.TypePermissions != "" {
		if err := json.Unmarshal([]byte(m.TypePermissions), &r.TypePermissions); err != nil {
			return nil, err
		}
	}
	return r, nil
}
