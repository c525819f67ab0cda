//go:build windows

package paths

// Pipe returns the default named pipe path.
func Pipe() string {
	return `\\.\pipe\` + daemonName
}
