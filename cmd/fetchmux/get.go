package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sheerbytes/fetchmux/internal/config"
	"github.com/sheerbytes/fetchmux/internal/conn"
	"github.com/sheerbytes/fetchmux/internal/engine"
	"github.com/sheerbytes/fetchmux/internal/logging"
	"github.com/sheerbytes/fetchmux/internal/mux"
	"github.com/sheerbytes/fetchmux/internal/progress"
	"github.com/sheerbytes/fetchmux/internal/termio"
	"golang.org/x/sync/errgroup"
)

type fetchResult struct {
	conn *conn.Connection
	err  error
}

func runGet(args []string) int {
	cfg, err := config.ParseFetchConfig(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if len(cfg.URLs) == 0 {
		fmt.Fprintln(termio.Stderr(), "get: at least one URL is required")
		return 2
	}
	logger := logging.NewWithWriter(termio.Stderr(), "fetchmux", cfg.Mux.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := fetchAll(ctx, cfg, logger, termio.Stderr())
	if err != nil {
		logger.Error("fetch failed", "error", err)
		return 1
	}

	failed := 0
	for _, r := range results {
		stats := r.conn.Meter().Snapshot()
		if r.err != nil {
			failed++
			fmt.Fprintf(termio.Stdout(), "FAIL %s: %v\n", r.conn.URL(), r.err)
			continue
		}
		fmt.Fprintf(termio.Stdout(), "ok   %s %d bytes in %s\n", r.conn.URL(), stats.BytesDone, stats.Elapsed.Round(time.Millisecond))
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// fetchAll downloads cfg.URLs through one multiplexer, at most cfg.Parallel
// at a time, and renders progress to ui.
func fetchAll(ctx context.Context, cfg config.FetchConfig, logger *slog.Logger, ui io.Writer) ([]fetchResult, error) {
	multi := engine.NewMulti(engine.MultiConfig{Logger: logger})
	if err := multi.SetOption(engine.OptPipelining, cfg.Mux.Pipelining); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := mux.NewMetrics(reg)
	if cfg.Mux.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Mux.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.Mux.MetricsAddr, "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.Mux.MetricsAddr)
	}

	m := mux.New(mux.Config{
		Engine:       multi,
		Logger:       logger,
		PollTimeout:  cfg.Mux.PollTimeout,
		IdleInterval: cfg.Mux.IdleInterval,
		Metrics:      metrics,
	})
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("multiplexer close failed", "error", err)
		}
	}()

	if cfg.OutDir != "" {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	results := make([]fetchResult, len(cfg.URLs))
	for i, rawURL := range cfg.URLs {
		c, err := newConnection(m, cfg, logger, i, rawURL)
		if err != nil {
			for _, r := range results[:i] {
				r.conn.Release()
			}
			return nil, err
		}
		results[i].conn = c
	}

	stopUI := progress.RenderFetch(ctx, ui, func() progress.FetchView {
		return fetchView(results)
	})

	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			defer r.conn.Release()
			if err := r.conn.Start(); err != nil {
				r.err = err
				return nil
			}
			r.err = r.conn.Wait(ctx)
			return nil
		})
	}
	_ = g.Wait()
	stopUI()
	return results, nil
}

func newConnection(m *mux.Mux, cfg config.FetchConfig, logger *slog.Logger, i int, rawURL string) (*conn.Connection, error) {
	opts := []conn.Option{
		conn.WithLogger(logger),
		conn.WithEasyOption(engine.OptFailOnError, true),
		conn.WithEasyOption(engine.OptUserAgent, "fetchmux/"+version),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, conn.WithEasyOption(engine.OptTimeout, cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, conn.WithEasyOption(engine.OptInsecureSkipVerify, true))
	}
	if cfg.AcceptEncoding != "" {
		opts = append(opts, conn.WithEasyOption(engine.OptAcceptEncoding, cfg.AcceptEncoding))
	}
	if cfg.Mux.MaxRecvSpeed > 0 {
		opts = append(opts, conn.WithEasyOption(engine.OptMaxRecvSpeed, cfg.Mux.MaxRecvSpeed))
	}
	for _, h := range cfg.Headers {
		opts = append(opts, conn.WithEasyOption(engine.OptHeader, h))
	}
	var out *os.File
	if cfg.OutDir != "" {
		f, err := os.Create(filepath.Join(cfg.OutDir, outputName(i, rawURL)))
		if err != nil {
			return nil, fmt.Errorf("create output for %s: %w", rawURL, err)
		}
		out = f
		opts = append(opts, conn.WithWriter(f))
	}
	c, err := conn.New(m, rawURL, opts...)
	if err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	return c, nil
}

func fetchView(results []fetchResult) progress.FetchView {
	v := progress.FetchView{Rows: make([]progress.FetchRow, 0, len(results))}
	done := 0
	for _, r := range results {
		state := r.conn.State()
		if state == "done" {
			done++
		}
		v.Rows = append(v.Rows, progress.FetchRow{
			Name:   r.conn.URL(),
			Status: state,
			Stats:  r.conn.Meter().Snapshot(),
		})
	}
	v.Header = fmt.Sprintf("fetchmux: %d/%d done", done, len(results))
	return v
}

// outputName derives a file name from the URL path, prefixed with the
// argument index so identical names never collide.
func outputName(i int, rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == "_" {
		name = "index"
	}
	return fmt.Sprintf("%03d-%s", i, name)
}
