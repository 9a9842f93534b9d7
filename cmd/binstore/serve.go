package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/adrianmcphee/binstore/internal/executor"
	"github.com/adrianmcphee/binstore/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PostgreSQL wire protocol server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if servePort != 0 {
			rt.cfg.Port = servePort
		}
		return serve(ctx, rt)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides port)")
}

func serve(ctx context.Context, rt *runtime) error {
	if rt.cfg.CatalogRefresh > 0 {
		rt.store.Catalog().Start(ctx, rt.cfg.CatalogRefresh)
	}

	exec := executor.NewExecutor(rt.store, rt.schema).WithLogger(rt.logger)
	srv := protocol.NewServer(fmt.Sprintf(":%d", rt.cfg.Port), exec, rt.logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	rt.logger.Info("binstore started",
		"backend", rt.cfg.Backend,
		"namespace", rt.cfg.Namespace,
		"data_dir", rt.cfg.DataDir,
		"connect", fmt.Sprintf("psql -h localhost -p %d", rt.cfg.Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if rt.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := rt.store.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsSrv := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			rt.logger.Info("metrics listening", "addr", rt.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	rt.logger.Info("binstore stopped")
	return err
}
