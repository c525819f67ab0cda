package cmakeserver

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Transport binds a Connection to an operating system byte stream.
//
// The Server calls Open once before serving; an error from Open is fatal. Connect is
// called on the event loop once serving starts and must hand every accepted client to
// Connection.Accept. Close releases every resource the transport holds and is called
// exactly once when serving ends.
type Transport interface {
	Open() error
	Connect(conn *Connection) error
	Close() error
}

var (
	// ErrClientRejected is returned by a transport whose client could not be attached
	// because another client is already active.
	ErrClientRejected = errors.New("client rejected: another client is active")
)

// Connection turns the byte stream of the active client into message bodies for the
// Server, and writes framed messages back to it.
//
// All methods must be called on the server's event loop. A Connection has at most one
// client at a time; its endpoints are closed exactly once, either after end of stream once
// pending responses are written, or on server shutdown.
type Connection struct {
	framer Framer
	loop   *eventLoop
	server *Server
	logger *slog.Logger

	stream    *stream
	lastWrite chan struct{}
	eof       bool
}

// stream holds the endpoints of one client. The owning transport decides how they are
// released through closer.
type stream struct {
	id     string
	reader io.Reader
	writer io.Writer
	closer func() error

	once     sync.Once
	closeErr error
}

func newConnection(s *Server, loop *eventLoop) *Connection {
	return &Connection{
		loop:   loop,
		server: s,
		logger: s.logger,
	}
}

func (st *stream) close() error {
	st.once.Do(func() {
		if st.closer != nil {
			st.closeErr = st.closer()
		}
	})
	return st.closeErr
}

// Accept makes the given endpoints the active client, greets it and starts reading.
// closer releases the endpoints and may be nil. Accept reports false, leaving the current
// client untouched, if a client is already active; the caller owns the rejected endpoints.
func (c *Connection) Accept(reader io.Reader, writer io.Writer, closer func() error) bool {
	if c.stream != nil || c.server == nil {
		return false
	}

	st := &stream{
		id:     uuid.New().String(),
		reader: reader,
		writer: writer,
		closer: closer,
	}
	c.stream = st
	c.logger = c.server.logger.With(slog.String("connectionID", st.id))
	c.logger.Info("client connected")

	c.server.onConnect()

	go c.readLoop(st, c.logger)
	return true
}

// Connected reports whether a client is active.
func (c *Connection) Connected() bool { return c.stream != nil }

// ReadData feeds bytes received from the active client into the framer and queues every
// completed message body on the server.
func (c *Connection) ReadData(data []byte) {
	if c.stream == nil || c.server == nil || c.eof {
		return
	}
	c.framer.Feed(data, func(body string, opened bool) {
		if !opened {
			c.logger.Warn("end delimiter without start delimiter", slog.Int("bodySize", len(body)))
		}
		if c.server != nil {
			c.server.QueueRequest(body)
		}
	})
}

// WriteData writes payload to the active client without blocking the loop. Writes
// complete in the order they were issued; done, if not nil, is then called on the loop
// with the result. WriteData reports false if there is no active client.
func (c *Connection) WriteData(payload []byte, done func(error)) bool {
	st := c.stream
	if st == nil {
		return false
	}

	prev := c.lastWrite
	next := make(chan struct{})
	c.lastWrite = next

	go func() {
		if prev != nil {
			<-prev
		}
		_, err := st.writer.Write(payload)
		close(next)
		if done != nil {
			c.loop.post(func() { done(err) })
		}
	}()
	return true
}

// HandleEOF records that the client's read side ended. The server still answers every
// request it has already received; once those writes have completed the connection is
// torn down and the server told. Calling it more than once is harmless.
func (c *Connection) HandleEOF() {
	if c.stream == nil || c.eof {
		return
	}
	c.eof = true
	c.logger.Info("client closed its input")
	if c.server != nil {
		c.server.onEOF()
		return
	}
	c.finish()
}

// drain calls done on the loop once every write issued so far has completed.
func (c *Connection) drain(done func()) {
	last := c.lastWrite
	if last == nil {
		done()
		return
	}
	go func() {
		<-last
		c.loop.post(done)
	}()
}

// finish tears down the active client after end of stream.
func (c *Connection) finish() {
	if c.stream == nil {
		return
	}
	c.logger.Info("client disconnected")
	if err := c.Teardown(); err != nil {
		c.logger.Warn("failed to close client endpoints", slog.String("err", err.Error()))
	}
	if c.server != nil {
		c.server.onDisconnect()
	}
}

// Teardown closes and forgets both endpoints of the active client. It is idempotent.
func (c *Connection) Teardown() error {
	st := c.stream
	if st == nil {
		return nil
	}
	c.stream = nil
	c.lastWrite = nil
	c.eof = false
	c.framer.Reset()
	return st.close()
}

func (c *Connection) detach() {
	c.server = nil
}

func (c *Connection) post(fn func()) bool {
	return c.loop.post(fn)
}

func (c *Connection) readLoop(st *stream, logger *slog.Logger) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := st.reader.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if !c.loop.post(func() {
				if c.stream == st {
					c.ReadData(chunk)
				}
			}) {
				return
			}
		}
		if err != nil {
			if !isClosedErr(err) {
				logger.Error("failed to read from client", slog.String("err", err.Error()))
			}
			c.loop.post(func() {
				if c.stream == st {
					c.HandleEOF()
				}
			})
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
