// binstore serves key/bin record stores over the PostgreSQL wire protocol.
//
// Queries compile to plans that use at most one secondary index, writes are
// version-checked, and the schema can be exported to plain PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/config"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:           "binstore",
	Short:         "PostgreSQL compatible query layer over key/bin record stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./binstore.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "schema directory (overrides data_dir)")
	rootCmd.AddCommand(serveCmd, exportCmd, explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime is everything a command needs, built from the configuration.
type runtime struct {
	cfg      *config.Config
	logger   binstore.Logger
	store    *binstore.Store
	schema   *storage.SchemaStore
	registry *prometheus.Registry
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	backend, err := binstore.OpenBackend(cfg.BackendConfig(), logger)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	store := binstore.NewStoreWithObservability(backend, logger, binstore.NewPrometheusMetrics(registry)).
		WithNamespace(cfg.Namespace)
	if _, err := store.WithPolicy(cfg.StorePolicy()); err != nil {
		backend.Close()
		return nil, err
	}

	schema, err := storage.NewSchemaStore(cfg.DataDir)
	if err != nil {
		backend.Close()
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, store: store, schema: schema, registry: registry}
	if err := rt.ensureIndexes(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// ensureIndexes creates the configured indexes that do not exist yet.
func (rt *runtime) ensureIndexes(ctx context.Context) error {
	descs, err := rt.cfg.IndexDescriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		err := rt.store.CreateIndex(ctx, d)
		switch {
		case err == nil:
		case errors.Is(err, binstore.ErrAlreadyExists):
			rt.logger.Debug("index already exists", "index", d.Name)
		default:
			return fmt.Errorf("create index %s: %w", d.Name, err)
		}
	}
	return rt.store.Catalog().Refresh(ctx)
}

func (rt *runtime) Close() error {
	err := rt.store.Close()
	if z, ok := rt.logger.(*binstore.ZapLogger); ok {
		_ = z.Sync()
	}
	return err
}
