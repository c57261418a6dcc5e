package stream

import (
	"github.com/canopyhq/canopy/pkg/types"
)

// MessageType identifies a wire message.
type MessageType string

const (
	// Server to client.
	MessageDeploymentCreated MessageType = "deploymentCreated"
	MessageDeploymentUpdated MessageType = "deploymentUpdated"
	MessageDeploymentDeleted MessageType = "deploymentDeleted"
	MessagePong              MessageType = "pong"

	// Client to server.
	MessagePing MessageType = "ping"
)

// Message is the JSON envelope exchanged over a runner stream. Fields are
// populated per type: Deployment for created, ID/Old/New for updated, ID
// for deleted. Events are nudges; the runner re-fetches authoritative
// desired state before acting.
type Message struct {
	Type       MessageType       `json:"type"`
	ID         string            `json:"id,omitempty"`
	Deployment *types.Deployment `json:"deployment,omitempty"`
	Old        *types.Deployment `json:"old,omitempty"`
	New        *types.Deployment `json:"new,omitempty"`
}
