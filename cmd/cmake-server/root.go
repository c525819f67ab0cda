package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	cmakeserver "github.com/MegaGrindStone/go-cmake-server"
	"github.com/MegaGrindStone/go-cmake-server/internal/cmake"
	"github.com/MegaGrindStone/go-cmake-server/internal/paths"
	v1 "github.com/MegaGrindStone/go-cmake-server/protocols/v1"
)

const shutdownTimeout = 5 * time.Second

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cmake-server",
		Short: "cmake-server lets IDEs drive cmake over a framed JSON protocol.",
		Long: "cmake-server serves one client at a time on standard input and output, or on a\n" +
			"named pipe, speaking the cmake server protocol.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.PersistentFlags().String(flagConfig, "", "Config file (default $XDG_CONFIG_HOME/cmake-server/config.yaml)")
	cmd.PersistentFlags().Bool(flagDebug, false, "Enable debug logging")

	cmd.Flags().Bool(flagStdio, false, "Serve on standard input and output (default unless --pipe is set)")
	addPipeFlag(cmd.Flags(), "Serve on this named pipe or unix socket; --pipe alone uses the default path")
	cmd.Flags().String(flagMonitor, "", "Address to serve /events and /metrics on, e.g. localhost:9090")
	cmd.Flags().String(flagCMake, cmake.DefaultBinary, "cmake executable")

	cmd.AddCommand(queryCmd())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Stdio && cfg.Pipe != "" {
		return errStdioAndPipe
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Debug)

	reg := prometheus.NewRegistry()
	metrics, err := cmakeserver.NewMetrics(reg)
	if err != nil {
		return err
	}
	monitor := cmakeserver.NewMonitor(cmakeserver.WithMonitorLogger(logger))

	protocol := v1.New(func() (v1.Engine, error) {
		return cmake.New(cfg.CMake, cmake.WithLogger(logger)), nil
	}, v1.WithLogger(logger))

	srv := cmakeserver.NewServer([]cmakeserver.Protocol{protocol},
		cmakeserver.WithServerLogger(logger),
		cmakeserver.WithMetrics(metrics),
		cmakeserver.WithMonitor(monitor),
	)

	var transport cmakeserver.Transport
	if cfg.Pipe != "" {
		transport = cmakeserver.NewPipe(cfg.Pipe, cmakeserver.WithPipeLogger(logger))
	} else {
		transport = cmakeserver.NewStdIO(cmd.InOrStdin(), cmd.OutOrStdout(), cmakeserver.WithStdIOLogger(logger))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Serving ends when the client goes away; the monitor stops with it.
		defer cancel()
		return srv.Serve(ctx, transport)
	})

	if cfg.Monitor != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", monitor.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv := &http.Server{
			Addr:              cfg.Monitor,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("serving monitor", slog.String("addr", cfg.Monitor))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve monitor: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := monitor.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shut down monitor", slog.String("err", err.Error()))
			}
			return httpSrv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return monitor.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.String("err", err.Error()))
		return err
	}
	return nil
}

// addPipeFlag registers --pipe so that giving it without a value selects the default path.
func addPipeFlag(fs *pflag.FlagSet, usage string) {
	fs.String(flagPipe, "", usage)
	fs.Lookup(flagPipe).NoOptDefVal = paths.Pipe()
}
