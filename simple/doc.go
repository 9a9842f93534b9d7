// Package simple provides a typed, convention-driven API on top of binstore.
//
// # Quick Start
//
// Describe an entity with struct tags and store it in a collection:
//
//	type User struct {
//	    ID      string `bin:"id" sb:"id"`
//	    Version int64  `bin:"version" sb:"version"`
//	    Email   string `bin:"email" sb:"index"`
//	    Name    string `bin:"name"`
//	}
//
//	db := simple.MustConnect()
//	defer db.Close()
//
//	users := simple.NewCollection[User](db)
//	user, err := users.Create(ctx, &User{Email: "alice@example.com", Name: "Alice"})
//
// # Struct Tags
//
//   - bin:"name" - the bin the field is stored in (defaults to the field name)
//   - sb:"id" - the record key (defaults to a field named "ID")
//   - sb:"version" - receives the record version and guards Update
//   - sb:"index" - a string index, created by EnsureIndexes
//   - sb:"index,numeric" - a numeric index
//
// The id and version fields are record metadata and are never stored as
// bins.
//
// # Configuration
//
// Connect reads its defaults from the environment:
//
//   - BINSTORE_NAMESPACE: namespace of all collections (default: "app")
//   - REDIS_ADDR: selects the Redis backend; without it data lives in memory
//   - REDIS_PASSWORD, REDIS_DB: Redis credentials
//
// # Versions and Atomic Updates
//
// Update is optimistic when the type has a version field: a stale item is
// rejected with *binstore.OptimisticLockConflictError. Atomic wraps the
// read-modify-write loop and retries on conflicts:
//
//	err := accounts.Atomic(ctx, id, func(a *Account) error {
//	    a.Balance += 100
//	    return nil
//	})
//
// # Escape Hatches
//
// db.Store() returns the underlying *binstore.Store for criteria queries,
// batches and plan inspection. Collection.Where accepts any criteria tree:
//
//	adults, err := users.Where(ctx, binstore.GtEq("age", 18))
package simple
