package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/executor"
	"github.com/adrianmcphee/binstore/internal/protocol"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type testEnv struct {
	port    int
	dataDir string
	store   *binstore.Store
}

func setupTest(t *testing.T, backend binstore.Backend, policy *binstore.Policy) *testEnv {
	t.Helper()
	dir := t.TempDir()
	schema, err := storage.NewSchemaStore(dir)
	if err != nil {
		t.Fatalf("Failed to create schema store: %v", err)
	}
	store := binstore.NewStore(backend).WithNamespace("test")
	if policy != nil {
		if _, err := store.WithPolicy(*policy); err != nil {
			t.Fatalf("WithPolicy failed: %v", err)
		}
	}

	server := protocol.NewServer("127.0.0.1:0", executor.NewExecutor(store, schema), nil)
	if err := server.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
		store.Close()
	})

	return &testEnv{port: server.Addr().(*net.TCPAddr).Port, dataDir: dir, store: store}
}

func (env *testEnv) connect(t *testing.T) *pgx.Conn {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("postgres://test@127.0.0.1:%d/test?sslmode=disable&default_query_exec_mode=simple_protocol", env.port)
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func exec(t *testing.T, conn *pgx.Conn, sql string) pgconn.CommandTag {
	t.Helper()
	tag, err := conn.Exec(context.Background(), sql)
	if err != nil {
		t.Fatalf("Exec(%q) failed: %v", sql, err)
	}
	return tag
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func TestCreateTable(t *testing.T) {
	env := setupTest(t, binstore.NewMemoryBackend(), nil)
	conn := env.connect(t)

	exec(t, conn, "CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT, email TEXT)")

	data, err := os.ReadFile(filepath.Join(env.dataDir, "_schema", "users.json"))
	if err != nil {
		t.Fatalf("Schema file not created: %v", err)
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("Invalid schema JSON: %v", err)
	}
	if schema["name"] != "users" {
		t.Errorf("Expected table name 'users', got %v", schema["name"])
	}
	if columns, ok := schema["columns"].([]interface{}); !ok || len(columns) != 3 {
		t.Errorf("Expected 3 columns, got %v", schema["columns"])
	}

	_, err = conn.Exec(context.Background(), "CREATE TABLE users (id TEXT PRIMARY KEY)")
	if code := sqlState(err); code != "42P07" {
		t.Errorf("Expected 42P07 for a duplicate table, got %q (%v)", code, err)
	}
}

func TestInsertSelectUpdateDelete(t *testing.T) {
	env := setupTest(t, binstore.NewMemoryBackend(), nil)
	conn := env.connect(t)
	ctx := context.Background()

	exec(t, conn, "CREATE TABLE products (id TEXT PRIMARY KEY, name TEXT, price INT)")
	tag := exec(t, conn, "INSERT INTO products (id, name, price) VALUES ('p1', 'Widget', 10), ('p2', 'Gadget', 20)")
	if tag.RowsAffected() != 2 {
		t.Errorf("Expected 2 inserted rows, got %d", tag.RowsAffected())
	}

	rec, err := env.store.Get(ctx, binstore.NewKey("test", "products", "p1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Bins["name"] != "Widget" || rec.Generation != 1 {
		t.Errorf("Unexpected stored record %+v", rec)
	}

	var name, price string
	if err := conn.QueryRow(ctx, "SELECT name, price FROM products WHERE id = 'p2'").Scan(&name, &price); err != nil {
		t.Fatalf("QueryRow failed: %v", err)
	}
	if name != "Gadget" || price != "20" {
		t.Errorf("Expected Gadget/20, got %s/%s", name, price)
	}

	tag = exec(t, conn, "UPDATE products SET price = 12 WHERE name = 'Widget'")
	if tag.RowsAffected() != 1 {
		t.Errorf("Expected 1 updated row, got %d", tag.RowsAffected())
	}
	rec, _ = env.store.Get(ctx, binstore.NewKey("test", "products", "p1"))
	if rec.Bins["price"] != int64(12) || rec.Generation != 2 {
		t.Errorf("Expected price 12 at version 2, got %+v", rec)
	}

	tag = exec(t, conn, "DELETE FROM products WHERE id = 'p1'")
	if tag.RowsAffected() != 1 {
		t.Errorf("Expected 1 deleted row, got %d", tag.RowsAffected())
	}

	rows, err := conn.Query(ctx, "SELECT id FROM products")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		t.Fatalf("CollectRows failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p2" {
		t.Errorf("Expected only p2 to remain, got %v", ids)
	}
}

func TestNullValues(t *testing.T) {
	env := setupTest(t, binstore.NewMemoryBackend(), nil)
	conn := env.connect(t)

	exec(t, conn, "CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)")
	exec(t, conn, "INSERT INTO notes (id, body) VALUES ('n1', NULL)")

	var body *string
	if err := conn.QueryRow(context.Background(), "SELECT body FROM notes WHERE id = 'n1'").Scan(&body); err != nil {
		t.Fatalf("QueryRow failed: %v", err)
	}
	if body != nil {
		t.Errorf("Expected NULL, got %q", *body)
	}
}

func TestErrorCodes(t *testing.T) {
	env := setupTest(t, binstore.NewMemoryBackend(), nil)
	conn := env.connect(t)
	ctx := context.Background()

	exec(t, conn, "CREATE TABLE accounts (id TEXT PRIMARY KEY, balance INT)")
	exec(t, conn, "INSERT INTO accounts (id, balance) VALUES ('a1', 100)")

	tests := []struct {
		sql  string
		code string
	}{
		{"INSERT INTO accounts (id, balance) VALUES ('a1', 5)", "23505"},
		{"UPDATE accounts SET balance = 1 WHERE id = 'a1' AND _version = 7", "40001"},
		{"UPDATE accounts SET owner = 'x' WHERE id = 'a1'", "42703"},
		{"SELEC 1", "42601"},
		{"SELECT * FROM accounts USE INDEX (missing) WHERE balance > 1", "42601"},
	}
	for _, tt := range tests {
		_, err := conn.Exec(ctx, tt.sql)
		if code := sqlState(err); code != tt.code {
			t.Errorf("%q: expected SQLSTATE %s, got %q (%v)", tt.sql, tt.code, code, err)
		}
	}

	// The connection stays usable after errors.
	var balance string
	if err := conn.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = 'a1'").Scan(&balance); err != nil || balance != "100" {
		t.Errorf("Expected balance 100, got %q (%v)", balance, err)
	}
}

func TestScansDisabled(t *testing.T) {
	policy := binstore.DefaultPolicy()
	policy.ScansAllowed = false
	env := setupTest(t, binstore.NewMemoryBackend(), &policy)
	conn := env.connect(t)
	ctx := context.Background()

	exec(t, conn, "CREATE TABLE orders (id TEXT PRIMARY KEY, total INT)")
	exec(t, conn, "INSERT INTO orders (id, total) VALUES ('o1', 10), ('o2', 30)")

	_, err := conn.Exec(ctx, "SELECT * FROM orders WHERE total > 20")
	if code := sqlState(err); code != "55000" {
		t.Fatalf("Expected 55000 without an index, got %q (%v)", code, err)
	}

	exec(t, conn, "CREATE INDEX orders_total ON orders (total)")
	var id string
	if err := conn.QueryRow(ctx, "SELECT id FROM orders WHERE total > 20").Scan(&id); err != nil || id != "o2" {
		t.Errorf("Expected o2 through the index, got %q (%v)", id, err)
	}

	var plan string
	if err := conn.QueryRow(ctx, "EXPLAIN SELECT id FROM orders WHERE total > 20").Scan(&plan); err != nil {
		t.Fatalf("EXPLAIN failed: %v", err)
	}
	if plan != "strategy: index-scan on test.orders" {
		t.Errorf("Unexpected plan %q", plan)
	}

	if err := conn.QueryRow(ctx, "SELECT id FROM orders WHERE id = 'o1'").Scan(&id); err != nil || id != "o1" {
		t.Errorf("Expected a primary key lookup to work with scans disabled, got %q (%v)", id, err)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := binstore.OpenBackend(binstore.BackendConfig{Type: "redis", Namespace: "test", Addr: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("OpenBackend failed: %v", err)
	}
	env := setupTest(t, backend, nil)
	conn := env.connect(t)
	ctx := context.Background()

	exec(t, conn, "CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT, age INT)")
	exec(t, conn, "CREATE INDEX users_name ON users (name)")
	exec(t, conn, "INSERT INTO users (id, name, age) VALUES ('u1', 'ann', 31), ('u2', 'bob', 42), ('u3', 'ann', 19)")

	rows, err := conn.Query(ctx, "SELECT id FROM users WHERE name = 'ann' AND age > 20")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		t.Fatalf("CollectRows failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("Expected u1, got %v", ids)
	}

	var count string
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM users WHERE name = 'ann'").Scan(&count); err != nil || count != "2" {
		t.Errorf("Expected count 2, got %q (%v)", count, err)
	}
}

func TestExtendedProtocolRejected(t *testing.T) {
	env := setupTest(t, binstore.NewMemoryBackend(), nil)
	conn := env.connect(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, "SELECT 1", pgx.QueryExecModeDescribeExec)
	if code := sqlState(err); code != "0A000" {
		t.Fatalf("Expected 0A000, got %q (%v)", code, err)
	}

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		t.Fatalf("Connection unusable after a rejected extended query: %v", err)
	}
	if version != "binstore "+protocol.ServerVersion {
		t.Errorf("Unexpected version %q", version)
	}
}
