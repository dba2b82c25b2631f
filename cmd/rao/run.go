// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gridrao/pkg/logging"
	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/engine"
	"github.com/AleutianAI/gridrao/services/rao/lineargrid"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

// errRunFailed is returned when the optimization completes with a
// FAILURE status, so that the process exits non-zero.
var errRunFailed = errors.New("optimization failed")

type runOptions struct {
	*rootOptions
	casePath    string
	outputPath  string
	format      string
	outputMode  string
	metricsAddr string
	timeout     time.Duration
	watch       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize the remedial actions of a case",
		Long: `Optimize the remedial actions of a case and write the result.

With --watch the case and parameter files are watched and the optimization
runs again after every change, until interrupted. Parameter changes apply to
the optimization; telemetry settings are read once at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}
	cmd.Flags().StringVar(&opts.casePath, "case", "", "Case file (YAML)")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Result file, - or empty for stdout")
	cmd.Flags().StringVar(&opts.format, "format", formatJSON, "Result format: json or text")
	cmd.Flags().StringVar(&opts.outputMode, "output-mode", "auto", "Styling of the text format: auto, rich, plain or machine")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort a run after this duration (0 means no limit)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Run again whenever the case or parameter file changes")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	if o.format != formatJSON && o.format != formatText {
		return fmt.Errorf("unknown format %q (want %s or %s)", o.format, formatJSON, formatText)
	}
	logger, err := o.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	params, err := config.LoadRaoParameters(o.configPath)
	if err != nil {
		return err
	}
	tcfg := params.Telemetry
	if o.metricsAddr != "" && tcfg.MetricExporter == telemetry.ExporterNone {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
	}
	tcfg.ServiceVersion = version

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if o.metricsAddr != "" {
		closeMetrics, err := serveMetrics(o.metricsAddr, logger.Slog())
		if err != nil {
			return err
		}
		defer closeMetrics()
	}

	runErr := o.optimize(ctx, cmd.OutOrStdout(), logger, params)
	if !o.watch {
		return runErr
	}
	if runErr != nil {
		logger.Error("optimization failed", slog.String("error", runErr.Error()))
	}
	return o.watchLoop(ctx, cmd.OutOrStdout(), logger)
}

// watchLoop runs the optimization again after each change of the case or
// parameter file. Failed runs are logged and do not stop the loop.
func (o *runOptions) watchLoop(ctx context.Context, stdout io.Writer, logger *logging.Logger) error {
	w, err := newFileWatcher([]string{o.casePath, o.configPath}, defaultDebounce, logger.Slog())
	if err != nil {
		return err
	}
	defer w.Close()

	logger.Info("watching for changes", slog.String("case", o.casePath), slog.String("config", o.configPath))
	for changed := range w.Changes(ctx) {
		logger.Info("files changed", slog.Any("files", changed))
		params, err := config.LoadRaoParameters(o.configPath)
		if err != nil {
			logger.Error("reload parameters failed", slog.String("error", err.Error()))
			continue
		}
		if err := o.optimize(ctx, stdout, logger, params); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("optimization failed", slog.String("error", err.Error()))
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// optimize loads the case, runs the engine and writes the result.
func (o *runOptions) optimize(ctx context.Context, stdout io.Writer, logger *logging.Logger, params config.RaoParameters) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	c, err := lineargrid.LoadCase(o.casePath)
	if err != nil {
		return err
	}
	log := logger.Slog().With(slog.String("crac", c.Crac.ID))

	eng, err := engine.New(params, nil)
	if err != nil {
		return err
	}
	res, err := eng.WithLogger(log).Run(ctx, engine.Input{
		Crac:    c.Crac,
		Network: c.Network,
		Oracle:  c.Oracle,
	})
	if err != nil {
		return fmt.Errorf("run optimization: %w", err)
	}

	log.Info("optimization finished",
		slog.String("run_id", res.RunID),
		slog.String("status", res.Status.String()),
		slog.Float64("cost", res.Cost()),
		slog.Float64("initial_cost", res.InitialObjective.Cost()),
		slog.Int("perimeters", len(res.Perimeters)),
		slog.Int64("oracle_calls", c.Oracle.Calls()),
		slog.Duration("duration", res.Duration),
	)

	w, closeOutput, err := openOutput(o.outputPath, stdout)
	if err != nil {
		return err
	}
	if err := writeResult(w, o.format, o.outputMode, res); err != nil {
		_ = closeOutput()
		return fmt.Errorf("write result: %w", err)
	}
	if err := closeOutput(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	if res.Status == perimeter.StatusFailure {
		return fmt.Errorf("%w: %s", errRunFailed, res.ExecutionDetails)
	}
	return nil
}

// serveMetrics starts an HTTP server exposing /metrics and returns a
// function that shuts it down.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, fmt.Errorf("--metrics-addr requires the %s metric exporter", telemetry.ExporterPrometheus)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("address", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
