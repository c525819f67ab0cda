//go:build !windows

package paths

import "path/filepath"

// Pipe returns the default socket path.
//
//	Linux:   $XDG_RUNTIME_DIR/cmake-server/cmake-server.sock
//	macOS:   ~/Library/Caches/cmake-server/run/cmake-server.sock
func Pipe() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}
