package cmakeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client talks to a Server over any byte stream: it waits for the greeting, performs the
// handshake and sends requests, matching every reply to its request by cookie.
//
// Requests may be sent from several goroutines; the server still answers them one at a
// time in the order it received them. A Client must be created using NewClient and closed
// using Close.
type Client struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger

	progressListener ProgressListener
	messageReceiver  MessageReceiver

	hello     chan []ProtocolVersion
	startOnce sync.Once

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]chan clientReply

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// ProtocolVersion is a protocol version pair announced in the greeting.
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Progress is a progress message sent by the server while it processes a request.
type Progress struct {
	Cookie    string `json:"cookie"`
	InReplyTo string `json:"inReplyTo"`
	Minimum   int    `json:"progressMinimum"`
	Current   int    `json:"progressCurrent"`
	Maximum   int    `json:"progressMaximum"`
	Message   string `json:"progressMessage"`
}

// Message is an informational message sent by the server while it processes a request.
type Message struct {
	Cookie    string `json:"cookie"`
	InReplyTo string `json:"inReplyTo"`
	Message   string `json:"message"`
	Title     string `json:"title"`
}

// ResponseError is returned when the server answers a request with an error response.
type ResponseError struct {
	InReplyTo string
	Cookie    string
	Message   string
}

// ProgressListener receives progress messages.
type ProgressListener interface {
	OnProgress(Progress)
}

// MessageReceiver receives informational messages.
type MessageReceiver interface {
	OnMessage(Message)
}

type clientReply struct {
	value map[string]any
	err   error
}

var (
	// ErrClientClosed is returned by requests on a client whose connection has ended.
	ErrClientClosed = errors.New("client closed")
)

// NewClient creates a client on rwc. Call Connect before sending requests.
func NewClient(rwc io.ReadWriteCloser, options ...ClientOption) *Client {
	c := &Client{
		rwc:     rwc,
		logger:  slog.Default(),
		hello:   make(chan []ProtocolVersion, 1),
		pending: make(map[string]chan clientReply),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "client"),
		)
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithMessageReceiver sets the message receiver for the client.
func WithMessageReceiver(receiver MessageReceiver) ClientOption {
	return func(c *Client) {
		c.messageReceiver = receiver
	}
}

// Connect starts reading from the server and waits for its greeting. It returns the
// protocol versions the server supports.
func (c *Client) Connect(ctx context.Context) ([]ProtocolVersion, error) {
	c.startOnce.Do(func() { go c.listen() })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	case versions := <-c.hello:
		return versions, nil
	}
}

// Handshake selects protocol version major.minor. A negative minor is left out of the
// request, letting the server pick the highest minor version under major. data carries
// the protocol specific handshake fields.
func (c *Client) Handshake(ctx context.Context, major, minor int, data map[string]any) error {
	version := map[string]any{KeyMajor: major}
	if minor >= 0 {
		version[KeyMinor] = minor
	}
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body[KeyProtocolVersion] = version

	_, err := c.Send(ctx, TypeHandshake, body)
	return err
}

// Send sends a request of the given type and waits for its reply. The reply data is
// returned without the envelope fields. An error response is returned as *ResponseError.
func (c *Client) Send(ctx context.Context, typ string, data map[string]any) (map[string]any, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	cookie := uuid.New().String()

	body := make(map[string]any, len(data)+2)
	for k, v := range data {
		body[k] = v
	}
	body[KeyType] = typ
	body[KeyCookie] = cookie

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	replies := make(chan clientReply, 1)
	c.pendingLock.Lock()
	c.pending[cookie] = replies
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, cookie)
		c.pendingLock.Unlock()
	}()

	if err := c.write(bs); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	case reply := <-replies:
		return reply.value, reply.err
	}
}

// SendRaw writes an already serialized message body, framed, without waiting for a
// reply.
func (c *Client) SendRaw(body []byte) error {
	return c.write(body)
}

// Close closes the underlying stream and fails all pending requests.
func (c *Client) Close() error {
	err := c.rwc.Close()
	c.shutdown(nil)
	return err
}

// Done returns a channel that is closed when the connection to the server has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) write(body []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if _, err := c.rwc.Write(Frame(body)); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

func (c *Client) listen() {
	var framer Framer
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n], func(body string, _ bool) {
				c.handleMessage(body)
			})
		}
		if err != nil {
			if isClosedErr(err) {
				err = nil
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handleMessage(body string) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	var value map[string]any
	if err := dec.Decode(&value); err != nil {
		c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
		return
	}

	typ, _ := value[KeyType].(string)
	switch typ {
	case TypeHello:
		var hello struct {
			Versions []ProtocolVersion `json:"supportedProtocolVersions"`
		}
		if err := json.Unmarshal([]byte(body), &hello); err != nil {
			c.logger.Error("failed to unmarshal hello", slog.String("err", err.Error()))
			return
		}
		select {
		case c.hello <- hello.Versions:
		default:
		}
	case TypeProgress:
		if c.progressListener == nil {
			return
		}
		var p Progress
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			c.logger.Error("failed to unmarshal progress", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(p)
	case TypeMessage:
		if c.messageReceiver == nil {
			return
		}
		var m Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
			return
		}
		c.messageReceiver.OnMessage(m)
	case TypeReply, TypeError:
		c.deliver(typ, value)
	default:
		c.logger.Warn("unhandled message type", slog.String("type", typ))
	}
}

func (c *Client) deliver(typ string, value map[string]any) {
	cookie, _ := value[KeyCookie].(string)
	inReplyTo, _ := value[KeyInReplyTo].(string)

	c.pendingLock.Lock()
	replies, ok := c.pending[cookie]
	c.pendingLock.Unlock()
	if !ok {
		c.logger.Warn("received response for unknown request",
			slog.String("cookie", cookie),
			slog.String("inReplyTo", inReplyTo))
		return
	}

	var reply clientReply
	if typ == TypeError {
		msg, _ := value[KeyErrorMessage].(string)
		reply.err = &ResponseError{InReplyTo: inReplyTo, Cookie: cookie, Message: msg}
	} else {
		for _, key := range []string{KeyType, KeyCookie, KeyInReplyTo} {
			delete(value, key)
		}
		reply.value = value
	}

	select {
	case replies <- reply:
	default:
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

func (c *Client) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrClientClosed, c.readErr)
	}
	return ErrClientClosed
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request failed: %s", e.InReplyTo, e.Message)
}
