/*
Package types defines the core data structures used throughout Canopy.

This package contains all fundamental types of the control plane's domain
model: workspaces, users and sessions, runners, regions, deployments,
volumes, and the capability model (permissions, roles, resources, and the
derived WorkspacePermission snapshot). All other packages build on these
types for persistence, API payloads, and reconciliation.

The lifecycle split is deliberate: the control plane's database is the
source of truth for desired state, a runner's local store caches
last-applied state, and the execution backend is the source of truth for
actual state. Deployment.Status reports observed state and is moved only by
reconciliation outcomes; Deployment.DesiredState carries user intent.
*/
package types
