package cmakeserver

import (
	"context"
	"errors"
	"fmt"
)

// Protocol implements one revision of the request vocabulary.
//
// A Protocol starts inactive. The server activates it at most once per connection with
// the handshake request that selected it; a failed activation leaves it inactive and the
// handshake may be retried. Once active it never becomes inactive again and Process
// receives every further request. Process must turn every failure into an error Response,
// including unknown request types.
//
// If a Protocol also implements io.Closer, the server closes it when serving ends.
type Protocol interface {
	ProtocolVersion() (major, minor int)
	Activate(req Request) error
	Process(ctx context.Context, req Request) *Response
}

// Engine is the build-system instance a protocol drives once active. The protocol owns it
// exclusively and closes it when it is no longer needed.
type Engine interface {
	Close() error
}

// Activator implements the activation state machine shared by protocol versions: it
// creates a fresh engine, runs a version specific setup hook against the handshake
// request, and either keeps the engine (active) or closes it again (still inactive).
type Activator[E Engine] struct {
	newEngine func() (E, error)
	setup     func(E, Request) error

	engine E
	active bool
	closed bool
}

var (
	// ErrAlreadyActive is returned by Activate on an active protocol.
	ErrAlreadyActive = errors.New("protocol is already active")
)

// NewActivator returns an inactive Activator using newEngine to build engines and setup
// to configure them from the handshake request.
func NewActivator[E Engine](newEngine func() (E, error), setup func(E, Request) error) *Activator[E] {
	return &Activator[E]{
		newEngine: newEngine,
		setup:     setup,
	}
}

// Activate builds an engine and runs the setup hook. On failure the engine is closed and
// the activator stays inactive. If setup panics the engine is closed before the panic
// propagates.
func (a *Activator[E]) Activate(req Request) error {
	if a.active {
		return ErrAlreadyActive
	}

	engine, err := a.newEngine()
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	settled := false
	defer func() {
		if !settled {
			_ = engine.Close()
		}
	}()

	err = a.setup(engine, req)
	settled = true
	if err != nil {
		if cErr := engine.Close(); cErr != nil {
			return fmt.Errorf("%w (closing engine: %v)", err, cErr)
		}
		return err
	}

	a.engine = engine
	a.active = true
	return nil
}

// Active reports whether Activate has succeeded.
func (a *Activator[E]) Active() bool { return a.active }

// Engine returns the engine of an active activator.
func (a *Activator[E]) Engine() (E, bool) {
	return a.engine, a.active
}

// Close closes the engine of an active activator. Later calls do nothing.
func (a *Activator[E]) Close() error {
	if !a.active || a.closed {
		return nil
	}
	a.closed = true
	return a.engine.Close()
}
