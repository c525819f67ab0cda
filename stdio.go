package cmakeserver

import (
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/term"
)

// StdIOMode describes how the standard streams are attached to the process.
type StdIOMode int

const (
	// StdIOModePipe means the output is an anonymous pipe or a file.
	StdIOModePipe StdIOMode = iota
	// StdIOModeTerminal means the output is an interactive terminal.
	StdIOModeTerminal
)

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// StdIO serves a single client over a reader and writer pair, normally the process's
// standard input and output.
//
// Whether the output is a terminal is detected when the transport is opened. In terminal
// mode the endpoints belong to the user's session and are never closed; in pipe mode they
// are closed when the connection ends, if they implement io.Closer.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mode       StdIOMode
	modeForced bool
	conn       *Connection
}

// NewStdIO creates a StdIO transport on the given reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// NewStdIOFromProcess creates a StdIO transport on os.Stdin and os.Stdout.
func NewStdIOFromProcess(options ...StdIOOption) *StdIO {
	return NewStdIO(os.Stdin, os.Stdout, options...)
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "stdio"),
		)
	}
}

// WithStdIOMode skips terminal detection and uses mode.
func WithStdIOMode(mode StdIOMode) StdIOOption {
	return func(s *StdIO) {
		s.mode = mode
		s.modeForced = true
	}
}

// Mode returns the mode detected by Open.
func (s *StdIO) Mode() StdIOMode { return s.mode }

// Open detects the mode of the output.
func (s *StdIO) Open() error {
	if !s.modeForced {
		s.mode = detectStdIOMode(s.writer)
	}
	s.logger.Debug("stdio transport opened", slog.String("mode", s.mode.String()))
	return nil
}

// Connect hands the reader and writer to conn as its only client.
func (s *StdIO) Connect(conn *Connection) error {
	s.conn = conn
	if !conn.Accept(s.reader, s.writer, s.closeEndpoints) {
		return ErrClientRejected
	}
	return nil
}

// Close forgets the connection. The endpoints themselves are released by the connection.
func (s *StdIO) Close() error {
	s.conn = nil
	return nil
}

func (s *StdIO) closeEndpoints() error {
	if s.mode == StdIOModeTerminal {
		return nil
	}

	var result *multierror.Error
	if c, ok := s.reader.(io.Closer); ok {
		if err := c.Close(); err != nil && !isClosedErr(err) {
			result = multierror.Append(result, err)
		}
	}
	if c, ok := s.writer.(io.Closer); ok {
		if err := c.Close(); err != nil && !isClosedErr(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m StdIOMode) String() string {
	switch m {
	case StdIOModeTerminal:
		return "terminal"
	default:
		return "pipe"
	}
}

func detectStdIOMode(w io.Writer) StdIOMode {
	f, ok := w.(*os.File)
	if !ok {
		return StdIOModePipe
	}
	if term.IsTerminal(int(f.Fd())) {
		return StdIOModeTerminal
	}
	return StdIOModePipe
}
