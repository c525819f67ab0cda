package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	cmakeserver "github.com/MegaGrindStone/go-cmake-server"
	"github.com/MegaGrindStone/go-cmake-server/internal/paths"
	v1 "github.com/MegaGrindStone/go-cmake-server/protocols/v1"
)

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Connect to a running server, bind a build directory and print its global settings.",
		Args:  cobra.NoArgs,
		RunE:  runQuery,
	}

	cmd.Flags().String(flagPipe, paths.Pipe(), "Named pipe or unix socket of the server")
	cmd.Flags().String(flagBuildDir, "", "Build directory to bind (required)")
	cmd.Flags().String(flagSourceDir, "", "Source directory, if the build directory has no cache yet")
	cmd.Flags().String(flagGenerator, "", "Generator, if the build directory has no cache yet")
	cmd.Flags().Bool(flagConfigure, false, "Configure and compute before printing the settings")
	return cmd
}

func runQuery(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.BuildDir == "" {
		return errors.New("--build-dir is required")
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Debug)
	ctx := cmd.Context()

	conn, err := cmakeserver.DialPipe(ctx, cfg.Pipe)
	if err != nil {
		return err
	}

	out := queryOutput{w: cmd.ErrOrStderr()}
	cli := cmakeserver.NewClient(conn,
		cmakeserver.WithClientLogger(logger),
		cmakeserver.WithProgressListener(out),
		cmakeserver.WithMessageReceiver(out),
	)
	defer cli.Close()

	versions, err := cli.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	logger.Debug("server greeted", slog.Any("versions", versions))

	handshake := map[string]any{v1.KeyBuildDirectory: cfg.BuildDir}
	if cfg.SourceDir != "" {
		handshake[v1.KeySourceDirectory] = cfg.SourceDir
	}
	if cfg.Generator != "" {
		handshake[v1.KeyGenerator] = cfg.Generator
	}
	if err := cli.Handshake(ctx, v1.Major, -1, handshake); err != nil {
		return err
	}

	if cfg.Configure {
		if _, err := cli.Send(ctx, v1.TypeConfigure, nil); err != nil {
			return err
		}
		if _, err := cli.Send(ctx, v1.TypeCompute, nil); err != nil {
			return err
		}
	}

	settings, err := cli.Send(ctx, v1.TypeGlobalSettings, nil)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(settings)
}

type queryOutput struct {
	w io.Writer
}

func (o queryOutput) OnProgress(p cmakeserver.Progress) {
	fmt.Fprintf(o.w, "[%d/%d] %s\n", p.Current-p.Minimum, p.Maximum-p.Minimum, p.Message)
}

func (o queryOutput) OnMessage(m cmakeserver.Message) {
	if m.Title != "" {
		fmt.Fprintf(o.w, "%s: %s\n", m.Title, m.Message)
		return
	}
	fmt.Fprintln(o.w, m.Message)
}
