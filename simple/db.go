package simple

import (
	"fmt"
	"os"

	"github.com/adrianmcphee/binstore"
)

// DB is the simple API entry point. It wraps a binstore.Store with
// defaults taken from the environment.
//
// Example:
//
//	db, err := simple.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
type DB struct {
	store     *binstore.Store
	backend   binstore.Backend
	namespace string
	logger    binstore.Logger
}

// Option is a functional option for configuring DB.
type Option func(*DB) error

// Connect creates a new DB with auto-detected configuration.
//
// Environment variables:
//   - BINSTORE_NAMESPACE: namespace of all collections (default: "app")
//   - REDIS_ADDR: Redis address; selects the Redis backend when set
//   - REDIS_PASSWORD, REDIS_DB: Redis credentials and database
//
// Without REDIS_ADDR the data lives in memory.
func Connect(opts ...Option) (*DB, error) {
	db := &DB{
		namespace: "app",
		logger:    &binstore.NoOpLogger{},
	}
	if ns := os.Getenv("BINSTORE_NAMESPACE"); ns != "" {
		db.namespace = ns
	}

	for _, opt := range opts {
		if err := opt(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if db.backend == nil {
		backend, err := detectBackend(db.namespace, db.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to detect backend: %w", err)
		}
		db.backend = backend
	}
	db.store = binstore.NewStoreWithLogger(db.backend, db.logger).WithNamespace(db.namespace)
	return db, nil
}

// MustConnect is like Connect but panics on error.
func MustConnect(opts ...Option) *DB {
	db, err := Connect(opts...)
	if err != nil {
		panic(fmt.Sprintf("simple.MustConnect failed: %v", err))
	}
	return db
}

// Close closes the underlying backend.
func (db *DB) Close() error {
	if db.store != nil {
		return db.store.Close()
	}
	if db.backend != nil {
		return db.backend.Close()
	}
	return nil
}

// Store returns the underlying store. Use it to drop down to criteria
// queries, batches and explain.
func (db *DB) Store() *binstore.Store {
	return db.store
}

// Namespace returns the namespace all collections live in.
func (db *DB) Namespace() string {
	return db.namespace
}

func detectBackend(namespace string, logger binstore.Logger) (binstore.Backend, error) {
	cfg := binstore.BackendConfig{Type: "memory", Namespace: namespace}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Type = "redis"
		cfg.Addr = addr
	}
	return binstore.OpenBackend(cfg, logger)
}

// WithBackend sets a custom backend. The DB takes ownership of it.
func WithBackend(backend binstore.Backend) Option {
	return func(db *DB) error {
		if backend == nil {
			return fmt.Errorf("backend cannot be nil")
		}
		db.backend = backend
		return nil
	}
}

// WithNamespace overrides the namespace.
func WithNamespace(namespace string) Option {
	return func(db *DB) error {
		if namespace == "" {
			return fmt.Errorf("namespace cannot be empty")
		}
		db.namespace = namespace
		return nil
	}
}

// WithLogger sets the logger used by the store and the backend.
func WithLogger(logger binstore.Logger) Option {
	return func(db *DB) error {
		if logger != nil {
			db.logger = logger
		}
		return nil
	}
}
