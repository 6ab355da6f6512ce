package fuse

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/harababurel/gcsf/internal/config"
)

// Manager wraps the kernel server for one mount.
type Manager struct {
	server     *gofuse.Server
	mountPoint string
	log        *zap.SugaredLogger
}

// Mount registers the bridge with the kernel and returns a manager for the
// running mount. The request loop is single-threaded: one kernel request
// is dispatched at a time.
func Mount(bridge *Bridge, mountPoint string, cfg *config.Config, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("mount")

	if cfg.MountCheckEnabled() {
		if err := checkMountPoint(mountPoint); err != nil {
			return nil, err
		}
	}

	opts := &gofuse.MountOptions{
		FsName:         "gcsf",
		Name:           "gcsf",
		SingleThreaded: true,
		Debug:          cfg.Debug,
	}
	for _, option := range cfg.MountOptions {
		switch option {
		case "allow_other":
			opts.AllowOther = true
		default:
			opts.Options = append(opts.Options, option)
		}
	}

	server, err := gofuse.NewServer(bridge, mountPoint, opts)
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", mountPoint, err)
	}

	log.Infof("mounted at %s", mountPoint)
	return &Manager{server: server, mountPoint: mountPoint, log: log}, nil
}

// Serve runs the kernel request loop. Blocks until unmount.
func (m *Manager) Serve() {
	m.server.Serve()
}

// Unmount detaches the filesystem from the kernel.
func (m *Manager) Unmount() error {
	m.log.Infof("unmounting %s", m.mountPoint)
	return m.server.Unmount()
}

// checkMountPoint is the health probe behind the mount_check option: the
// target must be an existing directory that is not already a mount point.
func checkMountPoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mount point %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", path)
	}

	mounts, err := os.Open("/proc/self/mounts")
	if err != nil {
		// No mount table to consult (non-Linux); skip the busy check.
		return nil
	}
	defer mounts.Close()

	scanner := bufio.NewScanner(mounts)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == path {
			return fmt.Errorf("mount point %s is already mounted (%s)", path, fields[0])
		}
	}
	return nil
}
