// Package model defines data structures for the agent gateway.
package model

import (
	"time"
)

// Conversation represents a conversation thread. One conversation may span
// multiple connections over time; ownership is by id, not by socket.
type Conversation struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Title        string    `json:"title"`
	CommitmentID string    `json:"commitment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity is the authenticated identity attached to a connection.
// Produced once at admission time and immutable for the connection's lifetime.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
