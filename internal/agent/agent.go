// Package agent defines the worker instances managed by the swarm and the
// spawn port used to create and destroy them.
package agent

import (
	"context"
	"slices"
	"time"
)

// Status is the lifecycle state of a worker. Transitions happen outside the
// coordinator; the core only reads it.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Common worker types. Any non-empty string is accepted as a type.
const (
	TypeProgrammer = "programmer"
	TypeTester     = "tester"
	TypeReviewer   = "reviewer"
	TypePlanner    = "planner"

	// DefaultType is used when task analysis yields no agent types.
	DefaultType = TypeProgrammer
)

type Instance struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasCapability reports whether the instance advertises capability c.
func (i Instance) HasCapability(c string) bool {
	return slices.Contains(i.Capabilities, c)
}

// SpawnConfig describes a worker to create.
type SpawnConfig struct {
	ID           string
	Type         string
	Capabilities []string
}

// Spawner creates and destroys workers. Implementations must be safe for
// concurrent use.
type Spawner interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (Instance, error)
	Terminate(ctx context.Context, id string) error
}
