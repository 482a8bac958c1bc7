package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tableflow/bulkload/internal/ingest"
)

// Options bundles everything Run needs beyond the parsed Config: the
// server address to dial and an optional metrics listen address.
type Options struct {
	ServerAddr  string
	MetricsAddr string
}

// Run dials the remote table service, wires the ingest core the way the
// teacher's command files wire their own dependencies (one function per
// subcommand, explicit construction, no DI framework), and executes one
// import run.
func Run(ctx context.Context, cfg Config, opts Options) (ingest.Result, error) {
	logrus.SetLevel(cfg.LogLevel)
	log := logrus.WithField("component", "bulkload")

	conn, err := grpc.NewClient(opts.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return ingest.Result{}, fmt.Errorf("dialing %s: %w", opts.ServerAddr, err)
	}
	defer conn.Close()

	client := NewGRPCTableClient(conn)
	metrics := ingest.NewMetrics()

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	orch := ingest.NewOrchestrator(
		client,
		client,
		ingest.NewCSVRowBuilder(cfg.Settings),
		ingest.NewJSONRowBuilder(cfg.Settings),
		log,
		metrics,
	)

	result := orch.Run(ctx, cfg.TablePath, cfg.FilePaths, cfg.Settings)
	if !result.Status.Success() {
		return result, fmt.Errorf("import failed: %s", result.Status.Error())
	}
	return result, nil
}
