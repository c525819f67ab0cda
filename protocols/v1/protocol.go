// Package v1 implements protocol version 1.0 of the cmake server: it binds a build
// directory at handshake time and lets the client read the global settings, configure the
// project and compute the build system.
package v1

import (
	"context"
	"errors"
	"log/slog"

	cmakeserver "github.com/MegaGrindStone/go-cmake-server"
)

// Version of the protocol implemented by this package.
const (
	Major = 1
	Minor = 0
)

// Request types.
const (
	TypeGlobalSettings = "globalSettings"
	TypeConfigure      = "configure"
	TypeCompute        = "compute"
)

// Request and reply keys.
const (
	KeySourceDirectory = "sourceDirectory"
	KeyBuildDirectory  = "buildDirectory"
	KeyGenerator       = "generator"
	KeyExtraGenerator  = "extraGenerator"
	KeyCacheArguments  = "cacheArguments"
	KeyCapabilities    = "capabilities"
	KeyProtocolVersion = "protocolVersion"
	KeyEngineVersion   = "engineVersion"
	KeyConfigured      = "configured"
	KeyComputed        = "computed"
)

const (
	errMsgUnknownCommand    = "Unknown command!"
	errMsgBuildDirMissing   = `"buildDirectory" is missing.`
	errMsgNotConfigured     = "This build system was not yet configured successfully."
	errMsgCacheArgsInvalid  = `"cacheArguments" must be unset, a string or an array of strings.`
	errMsgHandshakeArgument = "Failed to read handshake data: "
)

// Settings are the directories and generator a protocol instance is bound to.
type Settings struct {
	SourceDirectory string `json:"sourceDirectory,omitempty"`
	BuildDirectory  string `json:"buildDirectory,omitempty"`
	Generator       string `json:"generator,omitempty"`
	ExtraGenerator  string `json:"extraGenerator,omitempty"`
}

// Reporter receives progress and informational output while an engine works on a request.
type Reporter interface {
	Progress(minimum, current, maximum int, message string)
	Message(message, title string)
}

// Engine is the build system driven by the protocol.
type Engine interface {
	// Setup validates the handshake settings and returns them completed, for example with
	// values read from an existing cache in the build directory.
	Setup(settings Settings) (Settings, error)
	Configure(ctx context.Context, cacheArguments []string, r Reporter) error
	Compute(ctx context.Context, r Reporter) error
	Version(ctx context.Context) (string, error)
	Close() error
}

// Option configures a Protocol.
type Option func(*Protocol)

// Protocol is the 1.0 protocol. It is created inactive and becomes active after a
// handshake naming a build directory; a new Engine is created for every activation
// attempt.
type Protocol struct {
	*cmakeserver.Activator[Engine]

	logger   *slog.Logger
	settings Settings

	configured bool
	computed   bool
}

var (
	// ErrBuildDirectoryMissing is returned by Activate for a handshake without
	// "buildDirectory".
	ErrBuildDirectoryMissing = errors.New(errMsgBuildDirMissing)
)

// New creates an inactive 1.0 protocol using newEngine to create its engine.
func New(newEngine func() (Engine, error), options ...Option) *Protocol {
	p := &Protocol{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.Activator = cmakeserver.NewActivator(newEngine, p.setup)
	return p
}

// WithLogger sets the logger for the protocol.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "protocol-v1"),
		)
	}
}

// ProtocolVersion implements cmakeserver.Protocol.
func (p *Protocol) ProtocolVersion() (int, int) { return Major, Minor }

// Settings returns the settings bound by a successful handshake.
func (p *Protocol) Settings() Settings { return p.settings }

// Process implements cmakeserver.Protocol.
func (p *Protocol) Process(ctx context.Context, req cmakeserver.Request) *cmakeserver.Response {
	engine, ok := p.Engine()
	if !ok {
		// The server only dispatches to activated protocols.
		return req.ReportError(errMsgNotConfigured)
	}

	switch req.Type() {
	case TypeGlobalSettings:
		return p.globalSettings(ctx, engine, req)
	case TypeConfigure:
		return p.configure(ctx, engine, req)
	case TypeCompute:
		return p.compute(ctx, engine, req)
	default:
		return req.ReportError(errMsgUnknownCommand)
	}
}

func (p *Protocol) setup(engine Engine, req cmakeserver.Request) error {
	var requested Settings
	if err := req.Decode(&requested); err != nil {
		return errors.New(errMsgHandshakeArgument + err.Error())
	}
	if requested.BuildDirectory == "" {
		return ErrBuildDirectoryMissing
	}

	settings, err := engine.Setup(requested)
	if err != nil {
		return err
	}

	p.settings = settings
	p.configured = false
	p.computed = false
	p.logger.Info("build directory bound",
		slog.String("buildDirectory", settings.BuildDirectory),
		slog.String("sourceDirectory", settings.SourceDirectory),
		slog.String("generator", settings.Generator))
	return nil
}

func (p *Protocol) globalSettings(ctx context.Context, engine Engine, req cmakeserver.Request) *cmakeserver.Response {
	version, err := engine.Version(ctx)
	if err != nil {
		p.logger.Warn("failed to read engine version", slog.String("err", err.Error()))
		version = ""
	}

	data := map[string]any{
		KeySourceDirectory: p.settings.SourceDirectory,
		KeyBuildDirectory:  p.settings.BuildDirectory,
		KeyGenerator:       p.settings.Generator,
		KeyExtraGenerator:  p.settings.ExtraGenerator,
		KeyConfigured:      p.configured,
		KeyComputed:        p.computed,
		KeyCapabilities: map[string]any{
			KeyProtocolVersion: map[string]any{
				cmakeserver.KeyMajor: Major,
				cmakeserver.KeyMinor: Minor,
			},
			KeyEngineVersion: version,
		},
	}
	return req.Reply(data)
}

func (p *Protocol) configure(ctx context.Context, engine Engine, req cmakeserver.Request) *cmakeserver.Response {
	args, ok := cacheArguments(req.Data()[KeyCacheArguments])
	if !ok {
		return req.ReportError(errMsgCacheArgsInvalid)
	}

	p.configured = false
	p.computed = false
	if err := engine.Configure(ctx, args, requestReporter{req}); err != nil {
		return req.ReportError(err.Error())
	}
	p.configured = true
	return req.Reply(nil)
}

func (p *Protocol) compute(ctx context.Context, engine Engine, req cmakeserver.Request) *cmakeserver.Response {
	if !p.configured {
		return req.ReportError(errMsgNotConfigured)
	}

	p.computed = false
	if err := engine.Compute(ctx, requestReporter{req}); err != nil {
		return req.ReportError(err.Error())
	}
	p.computed = true
	return req.Reply(nil)
}

// cacheArguments accepts a missing value, a single string or an array of strings.
func cacheArguments(v any) ([]string, bool) {
	switch v := v.(type) {
	case nil:
		return nil, true
	case string:
		return []string{v}, true
	case []any:
		args := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			args = append(args, s)
		}
		return args, true
	default:
		return nil, false
	}
}

type requestReporter struct {
	req cmakeserver.Request
}

func (r requestReporter) Progress(minimum, current, maximum int, message string) {
	r.req.ReportProgress(minimum, current, maximum, message)
}

func (r requestReporter) Message(message, title string) {
	r.req.ReportMessage(message, title)
}
