package cmakeserver_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmakeserver "github.com/MegaGrindStone/go-cmake-server"
)

func TestServerEndToEndHandshake(t *testing.T) {
	p := newMockProtocol(1, 0)
	h := startServer(t, []cmakeserver.Protocol{p})

	hello := h.next(t)
	assert.Equal(t, cmakeserver.TypeHello, hello[cmakeserver.KeyType])
	assert.Equal(t, []any{map[string]any{"major": float64(1), "minor": float64(0)}},
		hello[cmakeserver.KeySupportedProtocolVersions])

	h.sendRaw(t, "\n[== CMake Server ==[\n"+
		`{"type":"handshake","cookie":"c1","protocolVersion":{"major":1,"minor":0}}`+
		"\n]== CMake Server ==]\n")

	reply := h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, reply[cmakeserver.KeyType])
	assert.Equal(t, "c1", reply[cmakeserver.KeyCookie])
	assert.Equal(t, cmakeserver.TypeHandshake, reply[cmakeserver.KeyInReplyTo])
	assert.True(t, p.Active())

	require.NoError(t, h.stop(t))

	engine, ok := p.Engine()
	require.True(t, ok)
	assert.True(t, engine.closed, "protocol engine should be closed at teardown")
}

func TestServerHelloListsEveryProtocol(t *testing.T) {
	protocols := []cmakeserver.Protocol{
		newMockProtocol(1, 0),
		newMockProtocol(1, 2),
		newMockProtocol(1, 2),
		newMockProtocol(2, 0),
	}
	srv := cmakeserver.NewServer(protocols)
	assert.Equal(t, [][2]int{{1, 0}, {1, 2}, {2, 0}}, srv.SupportedProtocolVersions())

	h := startServer(t, protocols)
	hello := h.next(t)
	versions, ok := hello[cmakeserver.KeySupportedProtocolVersions].([]any)
	require.True(t, ok)
	assert.Len(t, versions, 3)
	require.NoError(t, h.stop(t))
}

func TestServerHandshake(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name: "major only selects highest minor",
			body: handshakeBody("h", map[string]any{"major": 1}, nil),
		},
		{
			name: "exact match",
			body: handshakeBody("h", map[string]any{"major": 1, "minor": 0}, nil),
		},
		{
			name:      "unknown minor",
			body:      handshakeBody("h", map[string]any{"major": 1, "minor": 5}, nil),
			wantError: "Protocol version not supported.",
		},
		{
			name:      "unknown major",
			body:      handshakeBody("h", map[string]any{"major": 2}, nil),
			wantError: "Protocol version not supported.",
		},
		{
			name:      "missing protocol version",
			body:      `{"type":"handshake","cookie":"h"}`,
			wantError: `"protocolVersion" is required for "handshake".`,
		},
		{
			name:      "protocol version not an object",
			body:      `{"type":"handshake","cookie":"h","protocolVersion":1}`,
			wantError: `"protocolVersion" is required for "handshake".`,
		},
		{
			name:      "missing major",
			body:      handshakeBody("h", map[string]any{"minor": 0}, nil),
			wantError: `"major" must be set and an integer.`,
		},
		{
			name:      "fractional major",
			body:      `{"type":"handshake","cookie":"h","protocolVersion":{"major":1.5}}`,
			wantError: `"major" must be set and an integer.`,
		},
		{
			name:      "string minor",
			body:      handshakeBody("h", map[string]any{"major": 1, "minor": "0"}, nil),
			wantError: `"minor" must be unset or an integer.`,
		},
		{
			name:      "negative major",
			body:      handshakeBody("h", map[string]any{"major": -1}, nil),
			wantError: `"major" must be >= 0.`,
		},
		{
			name:      "negative minor",
			body:      handshakeBody("h", map[string]any{"major": 1, "minor": -1}, nil),
			wantError: `"minor" must be >= 0 when set.`,
		},
		{
			name:      "not a handshake",
			body:      `{"type":"echo","cookie":"h"}`,
			wantError: `Waiting for type "handshake".`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newMockProtocol(1, 0)
			h := startServer(t, []cmakeserver.Protocol{p})
			h.next(t)

			h.send(t, tc.body)
			res := h.next(t)
			assert.Equal(t, "h", res[cmakeserver.KeyCookie])

			if tc.wantError == "" {
				assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
				assert.True(t, p.Active())
			} else {
				assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
				assert.Equal(t, tc.wantError, res[cmakeserver.KeyErrorMessage])
				assert.False(t, p.Active())
			}
			require.NoError(t, h.stop(t))
		})
	}
}

func TestServerHandshakeActivationFailureIsRetryable(t *testing.T) {
	p := newMockProtocol(1, 0)
	p.setupErr = assert.AnError
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)

	h.send(t, handshakeBody("first", map[string]any{"major": 1}, nil))
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, "Failed to activate protocol version: "+assert.AnError.Error(), res[cmakeserver.KeyErrorMessage])

	// Still waiting for a handshake.
	h.send(t, `{"type":"echo","cookie":"e"}`)
	res = h.next(t)
	assert.Equal(t, `Waiting for type "handshake".`, res[cmakeserver.KeyErrorMessage])

	p.lock.Lock()
	p.setupErr = nil
	p.lock.Unlock()

	h.send(t, handshakeBody("second", map[string]any{"major": 1}, nil))
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
	assert.Equal(t, "second", res[cmakeserver.KeyCookie])
	assert.Equal(t, 2, p.activationCount())

	require.NoError(t, h.stop(t))
}

func TestServerHandshakeRecoversFromActivationPanic(t *testing.T) {
	p := newMockProtocol(1, 0)
	p.setupPanic = "boom"
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)

	h.send(t, handshakeBody("first", map[string]any{"major": 1}, nil))
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, "first", res[cmakeserver.KeyCookie])
	assert.Equal(t, "Failed to activate protocol version: internal error: boom", res[cmakeserver.KeyErrorMessage])
	assert.False(t, p.Active())

	h.send(t, handshakeBody("second", map[string]any{"major": 1}, nil))
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
	assert.Equal(t, "second", res[cmakeserver.KeyCookie])
	assert.True(t, p.Active())
	assert.Equal(t, 2, p.activationCount())

	require.NoError(t, h.stop(t))
}

func TestServerDispatchAfterHandshake(t *testing.T) {
	p := newMockProtocol(1, 0)
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)

	h.send(t, handshakeBody("h", map[string]any{"major": 1}, nil))
	h.next(t)

	h.send(t, `{"type":"echo","cookie":"e1","value":42}`)
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
	assert.Equal(t, "echo", res[cmakeserver.KeyInReplyTo])
	assert.Equal(t, "e1", res[cmakeserver.KeyCookie])
	assert.Equal(t, float64(42), res["value"])

	h.send(t, `{"type":"bogus","cookie":"b1"}`)
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, "bogus", res[cmakeserver.KeyInReplyTo])
	assert.Equal(t, "Unknown command!", res[cmakeserver.KeyErrorMessage])

	// A second handshake goes to the protocol, which does not know it.
	h.send(t, handshakeBody("h2", map[string]any{"major": 1}, nil))
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, 1, p.activationCount())

	require.NoError(t, h.stop(t))
}

func TestServerParseErrors(t *testing.T) {
	h := startServer(t, []cmakeserver.Protocol{newMockProtocol(1, 0)})
	h.next(t)

	h.send(t, `{"type":`)
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, "", res[cmakeserver.KeyCookie])
	assert.Equal(t, "", res[cmakeserver.KeyInReplyTo])
	assert.True(t, strings.HasPrefix(res[cmakeserver.KeyErrorMessage].(string), "Failed to parse JSON input: "))

	h.send(t, `[1, 2, 3]`)
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])

	h.send(t, `{"cookie":"x"}`)
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
	assert.Equal(t, "x", res[cmakeserver.KeyCookie])
	assert.Equal(t, "No type given in request.", res[cmakeserver.KeyErrorMessage])

	// The server keeps serving after malformed input.
	h.send(t, handshakeBody("h", map[string]any{"major": 1}, nil))
	res = h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])

	require.NoError(t, h.stop(t))
}

func TestServerProgressAndMessages(t *testing.T) {
	p := newMockProtocol(1, 0)
	p.process = func(_ context.Context, req cmakeserver.Request) *cmakeserver.Response {
		req.ReportMessage("starting", "Status")
		req.ReportMessage("", "ignored")
		req.ReportProgress(0, 1, 2, "half way")
		return req.Reply(nil)
	}
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)
	h.send(t, handshakeBody("h", map[string]any{"major": 1}, nil))
	h.next(t)

	h.send(t, `{"type":"work","cookie":"w"}`)

	msg := h.next(t)
	assert.Equal(t, cmakeserver.TypeMessage, msg[cmakeserver.KeyType])
	assert.Equal(t, "w", msg[cmakeserver.KeyCookie])
	assert.Equal(t, "work", msg[cmakeserver.KeyInReplyTo])
	assert.Equal(t, "starting", msg[cmakeserver.KeyMessage])
	assert.Equal(t, "Status", msg[cmakeserver.KeyTitle])

	progress := h.next(t)
	assert.Equal(t, cmakeserver.TypeProgress, progress[cmakeserver.KeyType])
	assert.Equal(t, float64(0), progress[cmakeserver.KeyProgressMinimum])
	assert.Equal(t, float64(1), progress[cmakeserver.KeyProgressCurrent])
	assert.Equal(t, float64(2), progress[cmakeserver.KeyProgressMaximum])
	assert.Equal(t, "half way", progress[cmakeserver.KeyProgressMessage])

	reply := h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, reply[cmakeserver.KeyType])
	assert.Equal(t, "w", reply[cmakeserver.KeyCookie])

	require.NoError(t, h.stop(t))
}

func TestServerRecoversFromProtocolPanics(t *testing.T) {
	p := newMockProtocol(1, 0)
	p.process = func(_ context.Context, req cmakeserver.Request) *cmakeserver.Response {
		switch req.Type() {
		case "panic":
			panic("boom")
		case "badProgress":
			req.ReportProgress(3, 1, 2, "backwards")
		case "incomplete":
			return cmakeserver.NewResponse(req)
		case "nil":
			return nil
		}
		return req.Reply(nil)
	}
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)
	h.send(t, handshakeBody("h", map[string]any{"major": 1}, nil))
	h.next(t)

	for _, typ := range []string{"panic", "badProgress", "incomplete", "nil"} {
		h.send(t, `{"type":"`+typ+`","cookie":"c"}`)
		res := h.next(t)
		assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType], typ)
		assert.Equal(t, typ, res[cmakeserver.KeyInReplyTo])
		assert.NotEmpty(t, res[cmakeserver.KeyErrorMessage])
	}

	h.send(t, `{"type":"fine","cookie":"c"}`)
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])

	require.NoError(t, h.stop(t))
}

func TestServerRejectsSecondServe(t *testing.T) {
	srv := cmakeserver.NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := cmakeserver.NewStdIO(strings.NewReader(""), &strings.Builder{},
		cmakeserver.WithStdIOMode(cmakeserver.StdIOModeTerminal))
	require.NoError(t, srv.Serve(ctx, transport))
	assert.ErrorIs(t, srv.Serve(ctx, transport), cmakeserver.ErrServerStarted)
}

func TestServerHandshakeAcceptsIntegralFloats(t *testing.T) {
	p := newMockProtocol(1, 0)
	h := startServer(t, []cmakeserver.Protocol{p})
	h.next(t)

	h.send(t, `{"type":"handshake","cookie":"f","protocolVersion":{"major":1.0,"minor":0e0}}`)
	res := h.next(t)
	assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
	require.NoError(t, h.stop(t))
}

func TestServerAnswersPendingRequestsAfterInputCloses(t *testing.T) {
	p := newMockProtocol(1, 0)
	p.process = func(_ context.Context, req cmakeserver.Request) *cmakeserver.Response {
		req.ReportMessage("working on "+req.Cookie(), "")
		return req.Reply(nil)
	}
	h := startServer(t, []cmakeserver.Protocol{p})

	var batch strings.Builder
	batch.Write(cmakeserver.Frame([]byte(`{"cookie":"untyped"}`)))
	batch.Write(cmakeserver.Frame([]byte(handshakeBody("h", map[string]any{"major": 1}, nil))))
	cookies := []string{"w1", "w2", "w3"}
	for _, cookie := range cookies {
		batch.Write(cmakeserver.Frame([]byte(`{"type":"work","cookie":"` + cookie + `"}`)))
	}
	h.sendRaw(t, batch.String())
	require.NoError(t, h.stop(t))

	var responses []map[string]any
	for msg := range h.messages {
		if msg[cmakeserver.KeyType] == cmakeserver.TypeMessage {
			continue
		}
		responses = append(responses, msg)
	}

	require.Len(t, responses, 2+len(cookies)+1, "hello plus one response per request")
	assert.Equal(t, cmakeserver.TypeHello, responses[0][cmakeserver.KeyType])
	assert.Equal(t, cmakeserver.TypeError, responses[1][cmakeserver.KeyType])
	assert.Equal(t, "untyped", responses[1][cmakeserver.KeyCookie])
	assert.Equal(t, cmakeserver.TypeReply, responses[2][cmakeserver.KeyType])
	assert.Equal(t, "h", responses[2][cmakeserver.KeyCookie])
	for i, cookie := range cookies {
		res := responses[3+i]
		assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
		assert.Equal(t, cookie, res[cmakeserver.KeyCookie])
	}
	assert.Equal(t, cookies, p.processedCookies())
}

func TestServerHandshakeSelectsProtocolVersion(t *testing.T) {
	tests := []struct {
		name       string
		version    map[string]any
		wantActive [2]int
		wantError  string
	}{
		{
			name:       "major only selects highest minor",
			version:    map[string]any{"major": 1},
			wantActive: [2]int{1, 2},
		},
		{
			name:       "explicit minor selects exactly",
			version:    map[string]any{"major": 1, "minor": 1},
			wantActive: [2]int{1, 1},
		},
		{
			name:       "lowest minor selects exactly",
			version:    map[string]any{"major": 1, "minor": 0},
			wantActive: [2]int{1, 0},
		},
		{
			name:       "other major",
			version:    map[string]any{"major": 2},
			wantActive: [2]int{2, 0},
		},
		{
			name:      "unregistered minor",
			version:   map[string]any{"major": 1, "minor": 3},
			wantError: "Protocol version not supported.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			protocols := []*mockProtocol{
				newMockProtocol(1, 0),
				newMockProtocol(1, 2),
				newMockProtocol(1, 1),
				newMockProtocol(2, 0),
			}
			registry := make([]cmakeserver.Protocol, 0, len(protocols))
			for _, p := range protocols {
				registry = append(registry, p)
			}
			h := startServer(t, registry)
			h.next(t)

			h.send(t, handshakeBody("h", tc.version, nil))
			res := h.next(t)

			if tc.wantError != "" {
				assert.Equal(t, cmakeserver.TypeError, res[cmakeserver.KeyType])
				assert.Equal(t, tc.wantError, res[cmakeserver.KeyErrorMessage])
			} else {
				assert.Equal(t, cmakeserver.TypeReply, res[cmakeserver.KeyType])
			}
			for _, p := range protocols {
				version := [2]int{p.major, p.minor}
				want := tc.wantError == "" && version == tc.wantActive
				assert.Equal(t, want, p.Active(), "protocol %d.%d", p.major, p.minor)
			}
			require.NoError(t, h.stop(t))
		})
	}
}
