package docker

import (
	"time"

	"github.com/cuemby/hoosegow/pkg/volume"
)

const (
	// DefaultNamePrefix prefixes generated container names.
	DefaultNamePrefix = "hoosegow-"

	// DefaultStopTimeout is the grace period given to a container on stop.
	DefaultStopTimeout = 10 * time.Second

	// DefaultLeakThreshold is the number of consecutive failed deletions
	// after which leaked containers are reported at error level.
	DefaultLeakThreshold = 3
)

// Hook receives the container's inspect metadata. Its error is logged and
// otherwise ignored.
type Hook func(info map[string]any) error

// Hooks are optional lifecycle callbacks.
type Hooks struct {
	AfterCreate Hook
	AfterStart  Hook
	AfterStop   Hook
}

// Config configures a Driver.
type Config struct {
	// Endpoint is the control endpoint: a socket path, unix:///path or
	// tcp://host:port. Empty means the default socket.
	Endpoint string
	// APIVersion pins the Engine API version prefix.
	APIVersion string
	// Prestart keeps a started container ready for the next Run.
	Prestart bool
	// LegacyStartBinds sends binds in the start request instead of the
	// create request's HostConfig. Old runtimes only honour the former.
	LegacyStartBinds bool
	// CreateOptions are merged into the create request body. A
	// "HostConfig" map is merged with the generated one.
	CreateOptions map[string]any
	// Volumes are bind-mounted into every container.
	Volumes volume.Set
	// NamePrefix prefixes generated container names.
	NamePrefix string
	// StopTimeout is the grace period passed to the stop call.
	StopTimeout time.Duration
	// LeakThreshold is how many consecutive deletions may fail before
	// each further failure is logged at error level.
	LeakThreshold int
	Hooks         Hooks
}

func (c *Config) setDefaults() {
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.LeakThreshold <= 0 {
		c.LeakThreshold = DefaultLeakThreshold
	}
}
