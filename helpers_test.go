package cmakeserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	cmakeserver "github.com/MegaGrindStone/go-cmake-server"
)

const testTimeout = 5 * time.Second

type mockEngine struct {
	closed bool
}

type mockProtocol struct {
	*cmakeserver.Activator[*mockEngine]

	major, minor int

	lock        sync.Mutex
	activations int
	processed   []string
	setupErr    error
	setupPanic  any
	process     func(ctx context.Context, req cmakeserver.Request) *cmakeserver.Response
}

// harness drives a Server over a pair of in-memory pipes, playing the client side on the
// wire level.
type harness struct {
	in       *io.PipeWriter
	messages chan map[string]any
	served   chan error
}

type pipeEnd struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (e *mockEngine) Close() error {
	e.closed = true
	return nil
}

func newMockProtocol(major, minor int) *mockProtocol {
	p := &mockProtocol{major: major, minor: minor}
	p.Activator = cmakeserver.NewActivator(
		func() (*mockEngine, error) { return &mockEngine{}, nil },
		func(_ *mockEngine, _ cmakeserver.Request) error {
			p.lock.Lock()
			defer p.lock.Unlock()
			p.activations++
			if v := p.setupPanic; v != nil {
				p.setupPanic = nil
				panic(v)
			}
			return p.setupErr
		},
	)
	return p
}

func (p *mockProtocol) ProtocolVersion() (int, int) { return p.major, p.minor }

func (p *mockProtocol) Process(ctx context.Context, req cmakeserver.Request) *cmakeserver.Response {
	p.lock.Lock()
	p.processed = append(p.processed, req.Cookie())
	process := p.process
	p.lock.Unlock()

	if process != nil {
		return process(ctx, req)
	}
	if req.Type() != "echo" {
		return req.ReportError("Unknown command!")
	}
	data := req.Data()
	delete(data, cmakeserver.KeyType)
	delete(data, cmakeserver.KeyCookie)
	return req.Reply(data)
}

func (p *mockProtocol) processedCookies() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.processed...)
}

func (p *mockProtocol) activationCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.activations
}

func startServer(t *testing.T, protocols []cmakeserver.Protocol, options ...cmakeserver.ServerOption) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := cmakeserver.NewServer(protocols, options...)
	transport := cmakeserver.NewStdIO(inR, outW, cmakeserver.WithStdIOMode(cmakeserver.StdIOModePipe))

	h := &harness{
		in:       inW,
		messages: make(chan map[string]any, 64),
		served:   make(chan error, 1),
	}

	go func() {
		h.served <- srv.Serve(context.Background(), transport)
	}()
	go h.read(outR)

	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return h
}

func (h *harness) read(r io.Reader) {
	defer close(h.messages)

	var framer cmakeserver.Framer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		framer.Feed(buf[:n], func(body string, _ bool) {
			var msg map[string]any
			if err := json.Unmarshal([]byte(body), &msg); err != nil {
				msg = map[string]any{"unparsable": body}
			}
			h.messages <- msg
		})
		if err != nil {
			return
		}
	}
}

func (h *harness) send(t *testing.T, body string) {
	t.Helper()
	if _, err := h.in.Write(cmakeserver.Frame([]byte(body))); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
}

func (h *harness) sendRaw(t *testing.T, raw string) {
	t.Helper()
	if _, err := h.in.Write([]byte(raw)); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
}

func (h *harness) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-h.messages:
		if !ok {
			t.Fatal("server closed the stream")
		}
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

// nextOfType skips progress and message output until a message of typ arrives.
func (h *harness) nextOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	for {
		msg := h.next(t)
		if msg[cmakeserver.KeyType] == typ {
			return msg
		}
	}
}

// stop closes the client's write side and waits for Serve to return.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	_ = h.in.Close()
	select {
	case err := <-h.served:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the server to stop")
	}
	return nil
}

func handshakeBody(cookie string, version map[string]any, extra map[string]any) string {
	body := map[string]any{
		cmakeserver.KeyType:            cmakeserver.TypeHandshake,
		cmakeserver.KeyCookie:          cookie,
		cmakeserver.KeyProtocolVersion: version,
	}
	for k, v := range extra {
		body[k] = v
	}
	bs, _ := json.Marshal(body)
	return string(bs)
}

func newPipeEnd(r io.Reader, w io.Writer, closers ...io.Closer) *pipeEnd {
	return &pipeEnd{Reader: r, Writer: w, closers: closers}
}

func (e *pipeEnd) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
