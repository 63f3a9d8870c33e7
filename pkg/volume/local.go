package volume

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/burrow/volumes"

	// markerFile holds the volume handle inside each volume directory
	markerFile = ".burrow-volume-id"
)

// Ref identifies the volume of one ordinal of an ordered workload
type Ref struct {
	Workload string // workload key (namespace/name)
	Ordinal  int
	NodeID   string // node the instance was placed on

	// Handle is the handle recorded by an earlier bind. When set, Bind must
	// reattach exactly this volume.
	Handle string
}

// Handle describes a bound volume
type Handle struct {
	ID     string
	NodeID string // empty when the volume is reachable from any node
	Path   string // host path to bind mount
}

// Binder is the storage collaborator used by the ordered controller
type Binder interface {
	// Bind creates or reattaches the volume for ref
	Bind(ctx context.Context, ref Ref) (Handle, error)

	// Unbind releases the volume for ref and its data
	Unbind(ctx context.Context, ref Ref) error

	// NodeLocal reports whether volumes can only be mounted on the node that created them
	NodeLocal() bool
}

// LocalDriver keeps one directory per ordinal under base/<node>/.
// Each directory carries a marker with its handle so a directory that was
// removed and recreated is detected as a different volume.
type LocalDriver struct {
	basePath string
	mu       sync.Mutex
}

var _ Binder = (*LocalDriver)(nil)

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// NodeLocal is true: directories live on a single host
func (d *LocalDriver) NodeLocal() bool {
	return true
}

// Bind creates the ordinal's directory on first use, or verifies that the
// existing directory still carries ref.Handle.
func (d *LocalDriver) Bind(ctx context.Context, ref Ref) (Handle, error) {
	if ref.NodeID == "" {
		return Handle{}, fmt.Errorf("bind %s: node is required for local volumes", d.name(ref))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.GetPath(ref)
	existing, err := readMarker(path)
	if err != nil {
		return Handle{}, fmt.Errorf("bind %s: %w", d.name(ref), err)
	}

	if ref.Handle != "" {
		if existing != ref.Handle {
			return Handle{}, fmt.Errorf("bind %s on %s: expected handle %s, found %q: %w",
				d.name(ref), ref.NodeID, ref.Handle, existing, errdefs.ErrVolumeBindingLost)
		}
		return Handle{ID: existing, NodeID: ref.NodeID, Path: path}, nil
	}

	if existing != "" {
		// Left behind by an earlier claim that was never recorded; adopt it
		return Handle{ID: existing, NodeID: ref.NodeID, Path: path}, nil
	}

	id := uuid.New().String()
	if err := os.MkdirAll(path, 0755); err != nil {
		return Handle{}, fmt.Errorf("failed to create volume directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, markerFile), []byte(id), 0644); err != nil {
		return Handle{}, fmt.Errorf("failed to write volume marker: %w", err)
	}

	log.Logger.Info().
		Str("component", "volume").
		Str("volume", id).
		Str("path", path).
		Msg("Volume created")

	return Handle{ID: id, NodeID: ref.NodeID, Path: path}, nil
}

// Unbind removes the ordinal's directory. Missing directories are ignored.
func (d *LocalDriver) Unbind(ctx context.Context, ref Ref) error {
	if ref.NodeID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.GetPath(ref)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}

	log.Logger.Info().
		Str("component", "volume").
		Str("path", path).
		Msg("Volume deleted")
	return nil
}

// GetPath returns the host path for a volume
func (d *LocalDriver) GetPath(ref Ref) string {
	return filepath.Join(d.basePath, ref.NodeID, d.name(ref))
}

// name flattens namespace/name and ordinal into a directory name
func (d *LocalDriver) name(ref Ref) string {
	ns, name := types.SplitKey(ref.Workload)
	return ns + "_" + name + "-" + strconv.Itoa(ref.Ordinal)
}

func readMarker(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(path, markerFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read volume marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// NewBinder returns the binder for a configured driver name
func NewBinder(driver, basePath string) (Binder, error) {
	switch driver {
	case "", "local":
		return NewLocalDriver(basePath)
	default:
		return nil, fmt.Errorf("unknown volume driver: %s", driver)
	}
}
