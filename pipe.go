package cmakeserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// PipeOption represents the options for the Pipe transport.
type PipeOption func(*Pipe)

// Pipe serves one client at a time over a named pipe: a unix domain socket on unix
// systems and a named pipe on Windows.
//
// Every incoming connection is accepted. The first one becomes the active client and
// receives the greeting; any other connection made while a client is active is closed
// immediately without affecting the active one.
type Pipe struct {
	path   string
	logger *slog.Logger

	listener net.Listener
	conn     *Connection

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPipe creates a Pipe transport listening on path.
func NewPipe(path string, options ...PipeOption) *Pipe {
	p := &Pipe{
		path:   path,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// WithPipeLogger sets the logger for the Pipe transport.
func WithPipeLogger(logger *slog.Logger) PipeOption {
	return func(p *Pipe) {
		p.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "pipe"),
		)
	}
}

// DialPipe connects to a Pipe transport listening on path.
func DialPipe(ctx context.Context, path string) (net.Conn, error) {
	conn, err := dialPipe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", path, err)
	}
	return conn, nil
}

// Path returns the path the transport listens on.
func (p *Pipe) Path() string { return p.path }

// Open binds the listener.
func (p *Pipe) Open() error {
	l, err := listenPipe(p.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.path, err)
	}
	p.listener = l
	p.logger.Info("listening for clients", slog.String("path", p.path))
	return nil
}

// Connect starts accepting clients for conn.
func (p *Pipe) Connect(conn *Connection) error {
	if p.listener == nil {
		return errors.New("pipe transport is not open")
	}
	p.conn = conn
	go p.accept(p.listener, conn)
	return nil
}

// Close stops accepting, clears the connection back-pointer and closes the listener.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn = nil
		if p.listener != nil {
			if err := p.listener.Close(); err != nil && !isClosedErr(err) {
				p.closeErr = err
			}
			p.listener = nil
		}
	})
	return p.closeErr
}

func (p *Pipe) accept(l net.Listener, conn *Connection) {
	var delay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			delay = acceptBackoff(delay)
			p.logger.Error("failed to accept client",
				slog.String("err", err.Error()),
				slog.Duration("retryIn", delay))
			select {
			case <-p.done:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if !conn.post(func() { p.onClient(nc) }) {
			_ = nc.Close()
			return
		}
	}
}

// acceptBackoff doubles the delay after a failed Accept, starting at
// minAcceptDelay and capped at maxAcceptDelay.
func acceptBackoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	return min(delay*2, maxAcceptDelay)
}

// onClient runs on the event loop for every accepted OS connection.
func (p *Pipe) onClient(nc net.Conn) {
	if p.conn == nil {
		_ = nc.Close()
		return
	}
	if !p.conn.Accept(nc, nc, nc.Close) {
		p.logger.Warn("rejecting client, another client is active")
		_ = nc.Close()
	}
}
