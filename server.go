package cmakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server dispatches framed requests from one client to the registered protocols.
//
// A Server owns the protocol registry, the FIFO of pending message bodies and the single
// write-in-flight gate: the next request is not processed until the response to the
// previous one has been written. Until a handshake succeeds every request is handled by
// SetProtocolVersion; afterwards requests go to the selected Protocol.
//
// Except for NewServer, RegisterProtocol and Serve, the methods of Server are meant to be
// called on the event loop, that is from a Protocol or a Transport callback.
type Server struct {
	protocols []Protocol
	protocol  Protocol

	queue   []string
	writing bool
	closing bool

	ctx       context.Context
	loop      *eventLoop
	conn      *Connection
	transport Transport
	served    bool

	logger  *slog.Logger
	metrics *Metrics
	monitor *Monitor
}

var (
	// ErrServerStarted is returned by Serve when it is called more than once.
	ErrServerStarted = errors.New("server already started")
)

// NewServer creates a Server with the given protocols registered in order.
func NewServer(protocols []Protocol, options ...ServerOption) *Server {
	s := &Server{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	for _, p := range protocols {
		s.RegisterProtocol(p)
	}
	return s
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "server"),
		)
	}
}

// WithMetrics makes the server record request and response counters in m.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMonitor makes the server publish every inbound and outbound message to m.
func WithMonitor(m *Monitor) ServerOption {
	return func(s *Server) {
		s.monitor = m
	}
}

// RegisterProtocol adds p to the registry unless a protocol with the same version is
// already registered. It must not be called once Serve has started.
func (s *Server) RegisterProtocol(p Protocol) {
	major, minor := p.ProtocolVersion()
	for _, registered := range s.protocols {
		rMajor, rMinor := registered.ProtocolVersion()
		if rMajor == major && rMinor == minor {
			s.logger.Warn("ignoring duplicate protocol version",
				slog.Int("major", major), slog.Int("minor", minor))
			return
		}
	}
	s.protocols = append(s.protocols, p)
}

// SupportedProtocolVersions returns the version pairs of the registered protocols in
// registration order.
func (s *Server) SupportedProtocolVersions() [][2]int {
	versions := make([][2]int, 0, len(s.protocols))
	for _, p := range s.protocols {
		major, minor := p.ProtocolVersion()
		versions = append(versions, [2]int{major, minor})
	}
	return versions
}

// Serve opens t and serves its client until the client's read side reaches end of stream
// or ctx is cancelled. After end of stream the requests already received are still
// answered before the client is disconnected. The connection and the transport are torn down exactly once before
// Serve returns. Serve returns an error if the transport fails to open or to close.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	if s.served {
		return ErrServerStarted
	}
	s.served = true

	if err := t.Open(); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ctx = ctx
	s.loop = newEventLoop()
	s.conn = newConnection(s, s.loop)
	s.transport = t

	var connectErr error
	go s.loop.post(func() {
		if err := t.Connect(s.conn); err != nil {
			connectErr = fmt.Errorf("failed to connect transport: %w", err)
			s.loop.stop()
			return
		}
		s.PopOne()
	})

	if err := s.loop.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("event loop stopped", slog.String("err", err.Error()))
	}
	s.loop.stop()

	var result *multierror.Error
	if connectErr != nil {
		result = multierror.Append(result, connectErr)
	}
	if err := s.teardown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// QueueRequest appends a raw message body to the pending FIFO and tries to process it.
func (s *Server) QueueRequest(payload string) {
	s.monitor.Publish(MonitorEventRequest, []byte(strings.TrimSuffix(payload, "\n")))
	s.queue = append(s.queue, payload)
	s.PopOne()
}

// PopOne processes the oldest pending message body. It does nothing while a response
// write is in flight. With the queue empty after the client's input ended, it finishes
// the connection.
func (s *Server) PopOne() {
	if s.writing {
		return
	}
	if len(s.queue) == 0 {
		s.finishIfDrained()
		return
	}
	payload := s.queue[0]
	s.queue[0] = ""
	s.queue = s.queue[1:]

	start := time.Now()

	value, err := decodeObject(payload)
	if err != nil {
		s.logger.Warn("failed to parse request", slog.String("err", err.Error()))
		s.metrics.parseError()
		s.WriteParseError(errMsgParseFailed + err.Error())
		return
	}

	typ, _ := value[KeyType].(string)
	cookie, _ := value[KeyCookie].(string)
	req := newRequest(s, typ, cookie, value)

	if typ == "" {
		s.WriteResponse(req.ReportError(errMsgNoType))
		return
	}

	s.logger.Debug("processing request", slog.String("type", typ), slog.String("cookie", cookie))
	s.metrics.request(typ)

	var res *Response
	if s.protocol == nil {
		res = s.SetProtocolVersion(req)
	} else {
		res = s.process(req)
	}

	s.metrics.observe(typ, time.Since(start))
	s.WriteResponse(res)
}

// WriteResponse serializes res with its envelope fields and writes it to the client. The
// next pending request is processed once the write has completed.
func (s *Server) WriteResponse(res *Response) {
	if !res.IsComplete() {
		s.logger.Error("response is not complete", slog.String("inReplyTo", res.Type()))
		res.SetError(errMsgIncompleteResponse)
	}

	obj := s.responseObject(res)
	bs, err := json.Marshal(obj)
	if err != nil {
		s.logger.Error("failed to marshal response",
			slog.String("inReplyTo", res.Type()),
			slog.String("err", err.Error()))
		failed := &Response{typ: res.typ, cookie: res.cookie}
		failed.SetError(errMsgSerializeFailed + err.Error())
		obj = s.responseObject(failed)
		bs, _ = json.Marshal(obj)
	}

	if res.IsError() {
		s.logger.Info("request failed",
			slog.String("inReplyTo", res.Type()),
			slog.String("errorMessage", res.ErrorMessage()))
	}
	s.metrics.response(obj[KeyType].(string))
	s.write(bs, true)
}

// WriteParseError writes an error response for a message body that could not be parsed.
func (s *Server) WriteParseError(message string) {
	obj := map[string]any{
		KeyType:         TypeError,
		KeyCookie:       "",
		KeyInReplyTo:    "",
		KeyErrorMessage: message,
	}
	bs, _ := json.Marshal(obj)
	s.metrics.response(TypeError)
	s.write(bs, true)
}

// WriteProgress writes a progress message for req. It panics unless
// minimum <= current <= maximum and message is not empty.
func (s *Server) WriteProgress(req Request, minimum, current, maximum int, message string) {
	if minimum > current || current > maximum {
		panic(fmt.Sprintf("cmakeserver: invalid progress range %d <= %d <= %d", minimum, current, maximum))
	}
	if message == "" {
		panic("cmakeserver: progress message must not be empty")
	}
	obj := map[string]any{
		KeyType:            TypeProgress,
		KeyCookie:          req.Cookie(),
		KeyInReplyTo:       req.Type(),
		KeyProgressMinimum: minimum,
		KeyProgressCurrent: current,
		KeyProgressMaximum: maximum,
		KeyProgressMessage: message,
	}
	bs, _ := json.Marshal(obj)
	s.write(bs, false)
}

// WriteMessage writes an informational message for req. Empty messages are skipped.
func (s *Server) WriteMessage(req Request, message, title string) {
	if message == "" {
		return
	}
	obj := map[string]any{
		KeyType:      TypeMessage,
		KeyCookie:    req.Cookie(),
		KeyInReplyTo: req.Type(),
		KeyMessage:   message,
	}
	if title != "" {
		obj[KeyTitle] = title
	}
	bs, _ := json.Marshal(obj)
	s.write(bs, false)
}

// PrintHello writes the greeting listing every registered protocol version.
func (s *Server) PrintHello() {
	versions := make([]map[string]any, 0, len(s.protocols))
	for _, v := range s.SupportedProtocolVersions() {
		versions = append(versions, map[string]any{
			KeyMajor: v[0],
			KeyMinor: v[1],
		})
	}
	bs, _ := json.Marshal(map[string]any{
		KeyType:                      TypeHello,
		KeySupportedProtocolVersions: versions,
	})
	s.write(bs, true)
}

func (s *Server) responseObject(res *Response) map[string]any {
	obj := make(map[string]any, len(res.data)+4)
	maps.Copy(obj, res.data)
	obj[KeyCookie] = res.Cookie()
	obj[KeyInReplyTo] = res.Type()
	if res.IsError() {
		obj[KeyType] = TypeError
		obj[KeyErrorMessage] = res.ErrorMessage()
	} else {
		obj[KeyType] = TypeReply
	}
	return obj
}

// write frames bs and hands it to the connection. A gated write blocks request
// processing until it completes.
func (s *Server) write(bs []byte, gated bool) {
	if s.conn == nil {
		return
	}
	s.monitor.Publish(MonitorEventResponse, bs)

	ok := s.conn.WriteData(Frame(bs), func(err error) {
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		if gated {
			s.writing = false
			s.PopOne()
		}
	})
	if ok && gated {
		s.writing = true
	}
}

func (s *Server) process(req Request) (res *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("protocol panicked while processing request",
				slog.String("type", req.Type()),
				slog.Any("panic", r))
			res = req.ReportError(fmt.Sprintf("Internal error while processing %q: %v", req.Type(), r))
		}
	}()

	res = s.protocol.Process(s.ctx, req)
	if res == nil {
		res = req.ReportError(errMsgIncompleteResponse)
	}
	return res
}

func (s *Server) onConnect() {
	s.metrics.connected(true)
	s.PrintHello()
}

func (s *Server) onEOF() {
	s.closing = true
	s.finishIfDrained()
}

// finishIfDrained ends the connection once input has ended, every queued request has been
// answered and all writes have completed.
func (s *Server) finishIfDrained() {
	if !s.closing || s.writing || len(s.queue) > 0 {
		return
	}
	s.closing = false
	s.conn.drain(s.conn.finish)
}

func (s *Server) onDisconnect() {
	s.metrics.connected(false)
	s.loop.stop()
}

// teardown runs after the event loop has stopped, on the goroutine that ran it.
func (s *Server) teardown() error {
	var result *multierror.Error

	if err := s.transport.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close transport: %w", err))
	}
	if s.conn.Connected() {
		s.metrics.connected(false)
	}
	if err := s.conn.Teardown(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close connection: %w", err))
	}
	s.conn.detach()

	if closer, ok := s.protocol.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close protocol: %w", err))
		}
	}

	s.queue = nil
	s.writing = false
	s.closing = false
	return result.ErrorOrNil()
}

// decodeObject parses payload as exactly one JSON object, keeping numbers as json.Number.
func decodeObject(payload string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var value map[string]any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.New("message is not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return value, nil
}
