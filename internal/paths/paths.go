// Package paths resolves the default locations used by the cmake server.
package paths

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	// Name used for directory and file naming.
	daemonName = "cmake-server"

	configFileName = "config.yaml"
)

// Runtime returns the directory for runtime files such as the socket.
//
//	Linux:   $XDG_RUNTIME_DIR/cmake-server or /run/user/<uid>/cmake-server
//	macOS:   ~/Library/Caches/cmake-server/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// ConfigFile returns the path of the first existing config file in the XDG config
// directories. ok is false if there is none.
func ConfigFile() (path string, ok bool) {
	path, err := xdg.SearchConfigFile(filepath.Join(daemonName, configFileName))
	if err != nil {
		return "", false
	}
	return path, true
}
