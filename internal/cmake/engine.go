// Package cmake drives an external cmake binary on behalf of the 1.0 protocol.
package cmake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/MegaGrindStone/go-cmake-server/protocols/v1"
	"golang.org/x/sync/errgroup"
)

// DefaultBinary is the cmake executable looked up in PATH when none is configured.
const DefaultBinary = "cmake"

const (
	stageConfigure = iota
	stageGenerate
	stageDone

	configuringDoneLine = "-- Configuring done"
	generatingDoneLine  = "-- Generating done"

	waitDelay = 5 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// Engine implements v1.Engine by running cmake as a child process for every configure and
// compute request. Output lines are forwarded to the client as messages: standard output
// untitled, standard error titled "Warning".
//
// The reporter passed to Configure and Compute is only called from the goroutine that
// called them.
type Engine struct {
	binary string
	env    []string
	logger *slog.Logger

	settings v1.Settings
	version  string
	closed   bool
}

var (
	// ErrClosed is returned by every operation on a closed engine.
	ErrClosed = errors.New("engine is closed")
)

// New creates an Engine running binary, or DefaultBinary if binary is empty.
func New(binary string, options ...Option) *Engine {
	if binary == "" {
		binary = DefaultBinary
	}
	e := &Engine{
		binary: binary,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With(
			slog.String("package", "go-cmake-server"),
			slog.String("component", "cmake"),
		)
	}
}

// WithEnv appends KEY=VALUE pairs to the environment of every cmake process.
func WithEnv(env ...string) Option {
	return func(e *Engine) {
		e.env = append(e.env, env...)
	}
}

// Setup binds the engine to a build directory. An existing cache in the build directory
// supplies the source directory and generator when they are not given, and must agree with
// them when they are.
func (e *Engine) Setup(settings v1.Settings) (v1.Settings, error) {
	if e.closed {
		return v1.Settings{}, ErrClosed
	}

	buildDir, err := filepath.Abs(settings.BuildDirectory)
	if err != nil {
		return v1.Settings{}, fmt.Errorf("failed to resolve build directory: %w", err)
	}
	settings.BuildDirectory = buildDir

	if settings.SourceDirectory != "" {
		sourceDir, err := filepath.Abs(settings.SourceDirectory)
		if err != nil {
			return v1.Settings{}, fmt.Errorf("failed to resolve source directory: %w", err)
		}
		settings.SourceDirectory = sourceDir
	}

	cache, err := ReadCache(buildDir)
	switch {
	case err == nil:
		if err := mergeCache(&settings, cache); err != nil {
			return v1.Settings{}, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return v1.Settings{}, err
	}

	if settings.SourceDirectory == "" {
		return v1.Settings{}, errors.New(`"sourceDirectory" is unset but required.`)
	}
	if info, err := os.Stat(settings.SourceDirectory); err != nil || !info.IsDir() {
		return v1.Settings{}, errors.New(`"sourceDirectory" is not a directory.`)
	}
	if settings.Generator == "" {
		return v1.Settings{}, errors.New(`"generator" is unset but required.`)
	}

	e.settings = settings
	return settings, nil
}

func mergeCache(settings *v1.Settings, cache Cache) error {
	checks := []struct {
		key   string
		field *string
	}{
		{CacheHomeDirectory, &settings.SourceDirectory},
		{CacheGenerator, &settings.Generator},
		{CacheExtraGenerator, &settings.ExtraGenerator},
	}
	for _, check := range checks {
		cached := cache.Value(check.key)
		if cached == "" {
			continue
		}
		if *check.field == "" {
			*check.field = cached
			continue
		}
		if !sameSetting(check.key, *check.field, cached) {
			return fmt.Errorf("%q does not match the value (%q) used in the build directory.",
				settingName(check.key), cached)
		}
	}
	return nil
}

func sameSetting(key, requested, cached string) bool {
	if key == CacheHomeDirectory {
		return filepath.Clean(requested) == filepath.Clean(cached)
	}
	return requested == cached
}

func settingName(key string) string {
	switch key {
	case CacheHomeDirectory:
		return v1.KeySourceDirectory
	case CacheGenerator:
		return v1.KeyGenerator
	default:
		return v1.KeyExtraGenerator
	}
}

// Configure runs cmake on the bound source and build directories with cacheArguments
// appended to the command line.
func (e *Engine) Configure(ctx context.Context, cacheArguments []string, r v1.Reporter) error {
	if e.closed {
		return ErrClosed
	}

	args := []string{"-S", e.settings.SourceDirectory, "-B", e.settings.BuildDirectory}
	args = append(args, "-G", e.generatorName())
	args = append(args, cacheArguments...)

	if err := e.run(ctx, args, r); err != nil {
		return fmt.Errorf("Configuration failed: %w", err)
	}
	return nil
}

// Compute regenerates the build system from the existing cache.
func (e *Engine) Compute(ctx context.Context, r v1.Reporter) error {
	if e.closed {
		return ErrClosed
	}

	if err := e.run(ctx, []string{e.settings.BuildDirectory}, r); err != nil {
		return fmt.Errorf("Failed to compute build system: %w", err)
	}
	return nil
}

// Version returns the version reported by "cmake --version". The result is cached.
func (e *Engine) Version(ctx context.Context) (string, error) {
	if e.closed {
		return "", ErrClosed
	}
	if e.version != "" {
		return e.version, nil
	}

	cmd := exec.CommandContext(ctx, e.binary, "--version")
	cmd.Env = e.environ()
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", e.binary, err)
	}

	first, _, _ := strings.Cut(string(out), "\n")
	version := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(first), "cmake version"))
	if version == "" {
		return "", fmt.Errorf("unexpected version output %q", first)
	}
	e.version = version
	return version, nil
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.closed = true
	return nil
}

func (e *Engine) generatorName() string {
	if e.settings.ExtraGenerator == "" {
		return e.settings.Generator
	}
	return e.settings.ExtraGenerator + " - " + e.settings.Generator
}

func (e *Engine) environ() []string {
	if len(e.env) == 0 {
		return nil
	}
	return append(os.Environ(), e.env...)
}

type outputLine struct {
	text   string
	stderr bool
}

// run starts cmake, forwards its output lines to r as they arrive and reports progress
// through the configure and generate stages.
func (e *Engine) run(ctx context.Context, args []string, r v1.Reporter) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = e.environ()
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	e.logger.Debug("running cmake", slog.String("binary", e.binary), slog.Any("args", args))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", e.binary, err)
	}

	lines := make(chan outputLine)
	var scanErr error
	go func() {
		var g errgroup.Group
		g.Go(func() error { return scanLines(stdout, false, lines) })
		g.Go(func() error { return scanLines(stderr, true, lines) })
		scanErr = g.Wait()
		close(lines)
	}()

	// If the reporter panics, kill cmake and reap it before the panic propagates.
	reaped := false
	defer func() {
		if reaped {
			return
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		for range lines {
		}
	}()

	r.Progress(stageConfigure, stageConfigure, stageDone, "Configuring")
	stage := stageConfigure
	for line := range lines {
		switch {
		case strings.HasPrefix(line.text, configuringDoneLine) && stage < stageGenerate:
			stage = stageGenerate
			r.Progress(stageConfigure, stage, stageDone, "Generating")
		case strings.HasPrefix(line.text, generatingDoneLine) && stage < stageDone:
			stage = stageDone
		}

		if line.stderr {
			r.Message(line.text, "Warning")
		} else {
			r.Message(line.text, "")
		}
	}

	reaped = true
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", e.binary, exitErr.ExitCode())
		}
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("failed to read output: %w", scanErr)
	}

	r.Progress(stageConfigure, stageDone, stageDone, "Done")
	return nil
}

func scanLines(rd io.Reader, stderr bool, lines chan<- outputLine) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		lines <- outputLine{text: text, stderr: stderr}
	}
	err := scanner.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
