//go:build !windows

package cmakeserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

const (
	// Owner and group get read-write, which connect requires; others get nothing.
	socketMode = 0o660

	socketDirMode = 0o755
)

func listenPipe(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), socketDirMode); err != nil {
		return nil, err
	}

	// Remove a stale socket left by a previous run, but never any other kind of file.
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, socketMode); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
