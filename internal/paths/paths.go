package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "stagehand"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stagehand or /run/user/<uid>/stagehand
//	macOS:   ~/Library/Caches/stagehand/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path to the Unix domain socket of the build daemon.
func Socket() string {
	return filepath.Join(Runtime(), appName+".sock")
}

// Default path to the daemon PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), appName+".pid")
}

// Root of the persistent snapshot cache.
//
//	Linux:   $XDG_CACHE_HOME/stagehand/snapshots
//	macOS:   ~/Library/Caches/stagehand/snapshots
func Snapshots() string {
	return filepath.Join(xdg.CacheHome, appName, "snapshots")
}

// Scratch directory for image archives handed to the container runtime.
func Scratch() string {
	return filepath.Join(xdg.CacheHome, appName, "scratch")
}
