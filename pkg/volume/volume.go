package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/hoosegow/pkg/types"
)

// Set is a collection of bind mounts keyed by container path.
type Set []types.VolumeMount

// Parse reads one volume value of the form "host[:ro|rw]" for the given
// container path. The permission defaults to read-only.
func Parse(containerPath, value string) (types.VolumeMount, error) {
	if containerPath == "" {
		return types.VolumeMount{}, fmt.Errorf("volume container path is required")
	}
	if !strings.HasPrefix(containerPath, "/") {
		return types.VolumeMount{}, fmt.Errorf("volume container path %q must be absolute", containerPath)
	}

	host := value
	perm := types.PermissionReadOnly
	if i := strings.LastIndex(value, ":"); i >= 0 {
		switch types.Permission(value[i+1:]) {
		case types.PermissionReadOnly:
			host = value[:i]
		case types.PermissionReadWrite:
			host, perm = value[:i], types.PermissionReadWrite
		default:
			return types.VolumeMount{}, fmt.Errorf("volume %s: unknown permission %q", containerPath, value[i+1:])
		}
	}
	if host == "" {
		return types.VolumeMount{}, fmt.Errorf("volume %s: host path is required", containerPath)
	}

	return types.VolumeMount{
		ContainerPath: containerPath,
		HostPath:      host,
		Permission:    perm,
	}, nil
}

// ParseMap parses a container path → "host[:ro|rw]" mapping. The result
// is ordered by container path.
func ParseMap(volumes map[string]string) (Set, error) {
	set := make(Set, 0, len(volumes))
	for containerPath, value := range volumes {
		mount, err := Parse(containerPath, value)
		if err != nil {
			return nil, err
		}
		set = append(set, mount)
	}
	sort.Slice(set, func(i, j int) bool {
		return set[i].ContainerPath < set[j].ContainerPath
	})
	return set, nil
}

// Bind formats a mount as "host:container:perm".
func Bind(m types.VolumeMount) string {
	perm := m.Permission
	if perm == "" {
		perm = types.PermissionReadOnly
	}
	return m.HostPath + ":" + m.ContainerPath + ":" + string(perm)
}

// Placeholders returns the creation-time volume set: each container path
// mapped to an empty object.
func (s Set) Placeholders() map[string]struct{} {
	if len(s) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(s))
	for _, m := range s {
		out[m.ContainerPath] = struct{}{}
	}
	return out
}

// Binds returns the bind list in container path order.
func (s Set) Binds() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for _, m := range s {
		out = append(out, Bind(m))
	}
	return out
}

// LocalDriver makes sure the host side of every bind exists before a
// container is created. Relative host paths are resolved against the
// driver's base directory.
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a driver rooted at basePath, creating it if
// needed. An empty basePath resolves relative host paths against the
// working directory.
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath != "" {
		if err := os.MkdirAll(basePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create volumes directory: %w", err)
		}
	}
	return &LocalDriver{basePath: basePath}, nil
}

// GetPath returns the absolute host path for a mount.
func (d *LocalDriver) GetPath(m types.VolumeMount) (string, error) {
	host := m.HostPath
	if !filepath.IsAbs(host) {
		host = filepath.Join(d.basePath, host)
	}
	abs, err := filepath.Abs(host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve volume path %s: %w", m.HostPath, err)
	}
	return abs, nil
}

// Prepare resolves every host path in s and creates missing directories.
// The returned set carries the resolved paths.
func (d *LocalDriver) Prepare(s Set) (Set, error) {
	out := make(Set, 0, len(s))
	for _, m := range s {
		path, err := d.GetPath(m)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create volume directory %s: %w", path, err)
		}
		m.HostPath = path
		out = append(out, m)
	}
	return out, nil
}
