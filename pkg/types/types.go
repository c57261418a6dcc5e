package types

import (
	"time"
)

// Workspace is the tenant boundary. Every runner, deployment, volume and
// role belongs to exactly one workspace.
type Workspace struct {
	ID           string
	Name         string
	SuperAdminID string
	CreatedAt    time.Time
	Deleted      *time.Time
}

// User is an identity that sessions resolve to.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Session is a live login. The bearer credential presented on requests is
// "<secret>.<sessionID>"; only a SHA-256 hash of the secret is stored.
type Session struct {
	ID     string
	UserID string
	// RunnerID binds a runner credential to its runner. Set for runner
	// sessions, empty for user sessions.
	RunnerID  string
	TokenHash string
	Expires   time.Time
	Revoked   *time.Time
	CreatedAt time.Time
}

// Runner identifies one execution target (a Kubernetes cluster or a Docker
// host) attached to a workspace.
type Runner struct {
	ID          string
	WorkspaceID string
	Name        string
	LastSeen    time.Time
	Connected   bool
	CreatedAt   time.Time
	Deleted     *time.Time
}

// RegionProvider distinguishes clusters we operate from customer-supplied
// ones.
type RegionProvider string

const (
	RegionProviderManaged RegionProvider = "managed"
	RegionProviderBYOC    RegionProvider = "byoc"
)

// RegionStatus is the lifecycle of a region record.
type RegionStatus string

const (
	RegionStatusCreating     RegionStatus = "creating"
	RegionStatusActive       RegionStatus = "active"
	RegionStatusDisconnected RegionStatus = "disconnected"
	RegionStatusDeleted      RegionStatus = "deleted"
)

// Region is an execution location backed by a Kubernetes cluster. BYOC
// regions carry the customer's kubeconfig and need a one-time agent
// install.
type Region struct {
	ID              string
	WorkspaceID     string
	Name            string
	Provider        RegionProvider
	Status          RegionStatus
	Kubeconfig      string
	IngressHostname string
	AgentInstalled  bool
	DisconnectedAt  *time.Time
	CreatedAt       time.Time
}

// DeploymentStatus is the observed state of a deployment. Transitions are
// driven only by reconciliation outcomes; users express intent through
// DesiredState.
type DeploymentStatus string

const (
	DeploymentStatusCreated   DeploymentStatus = "created"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusStopped   DeploymentStatus = "stopped"
	DeploymentStatusErrored   DeploymentStatus = "errored"
	DeploymentStatusDeleted   DeploymentStatus = "deleted"
)

// DesiredState is the user-settable intent for a deployment.
type DesiredState string

const (
	DesiredStateRunning DesiredState = "running"
	DesiredStateStopped DesiredState = "stopped"
)

// ExposedPortType selects how an exposed port is routed.
type ExposedPortType string

const (
	PortTypeHTTP ExposedPortType = "http"
	PortTypeTCP  ExposedPortType = "tcp"
	PortTypeUDP  ExposedPortType = "udp"
)

// ExposedPort is a single port a deployment listens on.
type ExposedPort struct {
	Port int             `json:"port"`
	Type ExposedPortType `json:"type"`
}

// EnvVar is one environment variable for a deployment. Exactly one of
// Value or FromSecret is set.
type EnvVar struct {
	Name       string `json:"name"`
	Value      string `json:"value,omitempty"`
	FromSecret string `json:"fromSecret,omitempty"`
}

// ConfigMount is a file injected into the container at Path.
type ConfigMount struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// VolumeAttachment mounts a workspace volume into a deployment.
type VolumeAttachment struct {
	VolumeID  string `json:"volumeId"`
	MountPath string `json:"mountPath"`
}

// Probe is an HTTP readiness or liveness probe.
type Probe struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// Deployment is a desired-state record for one workload.
type Deployment struct {
	ID            string
	WorkspaceID   string
	RunnerID      string
	Name          string
	Registry      string
	ImageName     string
	ImageTag      string
	MachineType   string
	MinScale      int
	MaxScale      int
	Ports         []ExposedPort
	Env           []EnvVar
	ConfigMounts  []ConfigMount
	Volumes       []VolumeAttachment
	StartupProbe  *Probe
	LivenessProbe *Probe
	DesiredState  DesiredState
	Status        DeploymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Deleted       *time.Time
}

// Image returns the full image reference for the deployment.
func (d *Deployment) Image() string {
	return d.Registry + "/" + d.ImageName + ":" + d.ImageTag
}

// Volume is a named, sized persistent-storage unit. Size can grow, never
// shrink; the API update boundary enforces that.
type Volume struct {
	ID          string
	WorkspaceID string
	Name        string
	SizeGB      int
	CreatedAt   time.Time
	Deleted     *time.Time
}

// ResourceType tags resources with their kind for type-level grants.
type ResourceType struct {
	ID   string
	Name string
}

// Resource is any ownable entity (deployment, volume, runner, region).
type Resource struct {
	ID          string
	WorkspaceID string
	TypeID      string
}

// Permission is an atomic named capability, e.g. "deployment::delete".
type Permission struct {
	ID   string
	Name string
}

// Role bundles resource- and resource-type-scoped permission grants.
type Role struct {
	ID          string
	WorkspaceID string
	Name        string
	// ResourcePermissions maps resource ID to granted permission IDs.
	ResourcePermissions map[string][]string
	// TypePermissions maps resource-type ID to granted permission IDs.
	TypePermissions map[string][]string
	CreatedAt       time.Time
}

// RoleAssignment grants a role to a user within a workspace.
type RoleAssignment struct {
	UserID      string
	WorkspaceID string
	RoleID      string
}

// WorkspacePermission is the derived, cacheable permission snapshot for one
// (user, workspace) pair.
type WorkspacePermission struct {
	UserID       string
	WorkspaceID  string
	IsSuperAdmin bool
	// ResourceGrants maps resource ID to the set of granted permission IDs.
	ResourceGrants map[string]map[string]struct{}
	// TypeGrants maps resource-type ID to the set of granted permission IDs.
	TypeGrants map[string]map[string]struct{}
	CreatedAt  time.Time
}

// HasPermissionOnResource reports whether the snapshot grants the
// permission on the specific resource, falling back to a type-level grant.
func (p *WorkspacePermission) HasPermissionOnResource(resourceID, typeID, permissionID string) bool {
	if p.IsSuperAdmin {
		return true
	}
	if grants, ok := p.ResourceGrants[resourceID]; ok {
		if _, ok := grants[permissionID]; ok {
			return true
		}
	}
	if grants, ok := p.TypeGrants[typeID]; ok {
		if _, ok := grants[permissionID]; ok {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds any grant at all in the
// workspace, i.e. is a member.
func (p *WorkspacePermission) HasAnyRole() bool {
	return p.IsSuperAdmin || len(p.ResourceGrants) > 0 || len(p.TypeGrants) > 0
}

// Resource type names.
const (
	ResourceTypeWorkspace  = "workspace"
	ResourceTypeDeployment = "deployment"
	ResourceTypeVolume     = "volume"
	ResourceTypeRunner     = "runner"
	ResourceTypeRegion     = "region"
)

// Permission names.
const (
	PermissionDeploymentCreate = "deployment::create"
	PermissionDeploymentView   = "deployment::view"
	PermissionDeploymentEdit   = "deployment::edit"
	PermissionDeploymentDelete = "deployment::delete"

	PermissionVolumeCreate = "volume::create"
	PermissionVolumeView   = "volume::view"
	PermissionVolumeEdit   = "volume::edit"
	PermissionVolumeDelete = "volume::delete"

	PermissionRunnerCreate = "runner::create"
	PermissionRunnerView   = "runner::view"
	PermissionRunnerDelete = "runner::delete"

	PermissionRegionAdd    = "region::add"
	PermissionRegionView   = "region::view"
	PermissionRegionDelete = "region::delete"

	PermissionRoleCreate = "role::create"
	PermissionRoleView   = "role::view"
	PermissionRoleEdit   = "role::edit"
	PermissionRoleDelete = "role::delete"

	PermissionWorkspaceEdit = "workspace::edit"
)

// AllPermissions lists every permission seeded into a fresh control plane.
var AllPermissions = []string{
	PermissionDeploymentCreate, PermissionDeploymentView,
	PermissionDeploymentEdit, PermissionDeploymentDelete,
	PermissionVolumeCreate, PermissionVolumeView,
	PermissionVolumeEdit, PermissionVolumeDelete,
	PermissionRunnerCreate, PermissionRunnerView, PermissionRunnerDelete,
	PermissionRegionAdd, PermissionRegionView, PermissionRegionDelete,
	PermissionRoleCreate, PermissionRoleView,
	PermissionRoleEdit, PermissionRoleDelete,
	PermissionWorkspaceEdit,
}

// AllResourceTypes lists every resource type seeded into a fresh control
// plane.
var AllResourceTypes = []string{
	ResourceTypeWorkspace,
	ResourceTypeDeployment,
	ResourceTypeVolume,
	ResourceTypeRunner,
	ResourceTypeRegion,
}
