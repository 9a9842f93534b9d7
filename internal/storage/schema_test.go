package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrianmcphee/binstore"
)

func usersTable() *Table {
	return &Table{
		Name: "users",
		Columns: []Column{
			{Name: "email", Type: "text", PrimaryKey: true},
			{Name: "name", Type: "text"},
			{Name: "age", Type: "int"},
		},
	}
}

func TestSchemaStore_CreateAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSchemaStore(dir)
	if err != nil {
		t.Fatalf("NewSchemaStore failed: %v", err)
	}
	if err := store.CreateTable(usersTable()); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "_schema", "users.json")); err != nil {
		t.Fatalf("schema file not written: %v", err)
	}
	if err := store.CreateTable(usersTable()); !errors.Is(err, ErrTableExists) {
		t.Errorf("expected ErrTableExists, got %v", err)
	}

	reopened, err := NewSchemaStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	table, err := reopened.GetTable("users")
	if err != nil {
		t.Fatalf("GetTable failed: %v", err)
	}
	if table.KeyColumn() != "email" {
		t.Errorf("KeyColumn = %s, want email", table.KeyColumn())
	}
	bins, ok := reopened.Bins("users")
	if !ok || len(bins) != 2 || bins[0] != "name" || bins[1] != "age" {
		t.Errorf("Bins = %v, %v", bins, ok)
	}
	if _, ok := reopened.Bins("orders"); ok {
		t.Error("unknown sets have no schema")
	}
}

func TestSchemaStore_Validation(t *testing.T) {
	store, err := NewSchemaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSchemaStore failed: %v", err)
	}
	bad := []*Table{
		{Name: "empty"},
		{Name: "dup", Columns: []Column{{Name: "a"}, {Name: "a"}}},
		{Name: "pk", Columns: []Column{{Name: "a", PrimaryKey: true}, {Name: "b", PrimaryKey: true}}},
	}
	for _, table := range bad {
		if err := store.CreateTable(table); !errors.Is(err, binstore.ErrInvalidQuery) {
			t.Errorf("%s: expected ErrInvalidQuery, got %v", table.Name, err)
		}
	}
}

func TestSchemaStore_Drop(t *testing.T) {
	store, err := NewSchemaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSchemaStore failed: %v", err)
	}
	_ = store.CreateTable(usersTable())
	_ = store.CreateTable(&Table{Name: "orders", Columns: []Column{{Name: "id", Type: "uuid"}}})

	if got := store.ListTables(); len(got) != 2 || got[0] != "orders" {
		t.Errorf("ListTables = %v", got)
	}
	if err := store.DropTable("users"); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}
	if store.TableExists("users") {
		t.Error("users should be gone")
	}
	if err := store.DropTable("users"); !errors.Is(err, ErrNoTable) {
		t.Errorf("expected ErrNoTable, got %v", err)
	}
	if _, err := store.GetTable("users"); !errors.Is(err, ErrNoTable) {
		t.Errorf("expected ErrNoTable, got %v", err)
	}
	table, _ := store.GetTable("orders")
	if table.KeyColumn() != binstore.DefaultKeyField {
		t.Errorf("default key column = %s", table.KeyColumn())
	}
}
