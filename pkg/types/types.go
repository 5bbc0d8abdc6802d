package types

import (
	"time"
)

// ContainerState is the lifecycle state of a sandbox container as seen by
// the driver that owns it.
type ContainerState string

const (
	ContainerStateAbsent   ContainerState = "absent"
	ContainerStateCreated  ContainerState = "created"
	ContainerStateStarted  ContainerState = "started"
	ContainerStateAttached ContainerState = "attached"
	ContainerStateWaited   ContainerState = "waited"
	ContainerStateDeleted  ContainerState = "deleted"
)

// Container is the single active container tracked by a driver.
type Container struct {
	ID        string
	Name      string
	Image     string
	State     ContainerState
	Binds     []string
	ExitCode  int
	CreatedAt time.Time
	StartedAt time.Time
}

// Active reports whether the container still holds runtime resources.
func (c *Container) Active() bool {
	if c == nil {
		return false
	}
	switch c.State {
	case ContainerStateCreated, ContainerStateStarted, ContainerStateAttached, ContainerStateWaited:
		return true
	default:
		return false
	}
}

// Permission is the access mode of a bind mount.
type Permission string

const (
	PermissionReadOnly  Permission = "ro"
	PermissionReadWrite Permission = "rw"
)

// VolumeMount maps a host path into the container.
type VolumeMount struct {
	ContainerPath string
	HostPath      string
	Permission    Permission
}

// ImageRecord is a ledger entry for an image built by hoosegow.
type ImageRecord struct {
	Reference  string    `json:"reference"`
	Digest     string    `json:"digest"`
	Files      int       `json:"files"`
	Messages   int       `json:"messages"`
	BuiltAt    time.Time `json:"built_at"`
	Skipped    bool      `json:"skipped"`
	BuildError string    `json:"build_error,omitempty"`
}

// CallOutcome is how a proxied call terminated.
type CallOutcome string

const (
	CallOutcomeReturn CallOutcome = "return"
	CallOutcomeRaise  CallOutcome = "raise"
	CallOutcomeError  CallOutcome = "error"
)

// CallRecord is a ledger entry for a single proxied call.
type CallRecord struct {
	ID          string        `json:"id"`
	Method      string        `json:"method"`
	Image       string        `json:"image"`
	ContainerID string        `json:"container_id"`
	Outcome     CallOutcome   `json:"outcome"`
	Yields      int           `json:"yields"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}
