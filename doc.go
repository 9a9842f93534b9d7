// Package binstore is a query and write layer over key/bin record stores.
// It compiles criteria trees into execution plans that use at most one
// secondary index, evaluates everything else as a residual filter on the
// server side, and applies optimistic, version-checked writes one at a time
// or in batches.
//
// # Overview
//
// Records live in sets inside a namespace and are addressed by a Key. A
// record holds named bins plus store-maintained metadata: a generation
// (the record version), the last update time and an optional void time.
//
//   - Criteria trees: predicates, AND/OR combinators and raw expressions
//   - A compiler that picks the most selective usable index
//   - An index catalog refreshed from the store without blocking queries
//   - Lazy, cancellable record streams
//   - Versioned INSERT/UPDATE/SAVE/DELETE with typed conflict errors
//   - Batches with per-record outcomes and bounded concurrency
//   - Memory and Redis backends
//   - Observability (zap logging, Prometheus metrics, query profiling)
//
// # Quick Start
//
//	backend := binstore.NewMemoryBackend()
//	store := binstore.NewStore(backend).WithNamespace("app")
//	ctx := context.Background()
//
//	key := binstore.NewKey("app", "users", binstore.NewID())
//	version, err := store.Insert(ctx, key, map[string]any{"age": 30, "color": "blue"})
//
//	_, err = store.Update(ctx, key, map[string]any{"age": 31, "color": "blue"}, version)
//	if binstore.IsConflict(err) {
//	    // somebody else wrote the record first; re-read and retry
//	}
//
// # Queries
//
// Criteria are built with the predicate constructors and combined with AllOf
// and AnyOf:
//
//	criteria := binstore.AllOf(
//	    binstore.Between("age", 20, 40),
//	    binstore.Eq("color", "blue").WithIgnoreCase(),
//	)
//	rs, err := store.Find(ctx, "users", criteria)
//	if err != nil {
//	    return err
//	}
//	defer rs.Close()
//	for rec, err := range rs.All() {
//	    ...
//	}
//
// The whole tree always runs as a residual filter, so results are exact
// whether or not an index narrowed the candidates. Store.Explain returns the
// plan without running it.
//
// A query that cannot use an index or the primary key reads the whole set.
// Such full scans are refused with *ScansDisabledError when the policy or a
// WithScans(false) option forbids them.
//
// # Indexes
//
// Register indexes on the backend through the store so the catalog is
// refreshed:
//
//	store.CreateIndex(ctx, binstore.IndexDescriptor{
//	    Name: "users_age", Namespace: "app", Set: "users", Bin: "age",
//	    Type: binstore.IndexNumeric,
//	})
//
// Long-running processes can keep the catalog current with
// store.Catalog().Start(ctx, binstore.DefaultCatalogRefreshInterval).
//
// # Writes and Versions
//
// Every write is a single conditional request: the version precondition
// travels with the write and is checked atomically by the backend. A failed
// check returns *OptimisticLockConflictError with the expected and actual
// versions. INSERT of an existing key returns *DuplicateKeyError.
//
// Batches are submitted with Store.SubmitBatch. A key may appear only once
// per batch; otherwise *InvalidBatchError is returned and nothing is written.
// Intents succeed or fail individually and outcomes are reported in input
// order, wrapped in *PartialBatchFailureError when any failed.
//
// # Observability
//
//	logger, _ := binstore.NewProductionZapLogger("info")
//	metrics := binstore.NewPrometheusMetrics(prometheus.NewRegistry())
//	store := binstore.NewStoreWithObservability(backend, logger, metrics)
//
// Attach a QueryProfiler to a context with WithProfiler to record the plan
// strategy, index and duration of each query run with it.
package binstore
