// Package storage persists table schemas as JSON files.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adrianmcphee/binstore"
)

var (
	// ErrTableExists is returned when creating a table that is already defined.
	ErrTableExists = errors.New("table already exists")
	// ErrNoTable is returned for operations on an undefined table.
	ErrNoTable = errors.New("table does not exist")
)

// Column represents a table column definition
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	Unique     bool   `json:"unique,omitempty"`
	NotNull    bool   `json:"not_null,omitempty"`
	Default    string `json:"default,omitempty"`
}

// Table is the schema of one set. The primary key column addresses the
// record key; every other column is a bin.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// KeyColumn returns the primary key column name, "id" when none is marked.
func (t *Table) KeyColumn() string {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return binstore.DefaultKeyField
}

// Bins returns the non-key column names in declaration order.
func (t *Table) Bins() []string {
	key := t.KeyColumn()
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name != key {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnNames returns all column names in declaration order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// SchemaStore manages table schemas as JSON files under <dir>/_schema. It
// implements binstore.SchemaRegistry.
type SchemaStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Table
}

var _ binstore.SchemaRegistry = (*SchemaStore)(nil)

// NewSchemaStore opens the schema directory below dataDir, creating it when
// missing, and loads every schema found there.
func NewSchemaStore(dataDir string) (*SchemaStore, error) {
	dir := filepath.Join(dataDir, "_schema")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create schema dir: %w", err)
	}
	s := &SchemaStore{dir: dir, cache: make(map[string]*Table)}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	return s, nil
}

func (s *SchemaStore) schemaPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *SchemaStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		data, err := os.ReadFile(s.schemaPath(name))
		if err != nil {
			return err
		}
		var table Table
		if err := json.Unmarshal(data, &table); err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		s.cache[name] = &table
	}
	return nil
}

// CreateTable validates and persists a new table schema.
func (s *SchemaStore) CreateTable(table *Table) error {
	if table.Name == "" || len(table.Columns) == 0 {
		return fmt.Errorf("%w: a table needs a name and at least one column", binstore.ErrInvalidQuery)
	}
	keys := 0
	seen := make(map[string]bool, len(table.Columns))
	for _, c := range table.Columns {
		if seen[c.Name] {
			return fmt.Errorf("%w: column %s declared twice", binstore.ErrInvalidQuery, c.Name)
		}
		seen[c.Name] = true
		if c.PrimaryKey {
			keys++
		}
	}
	if keys > 1 {
		return fmt.Errorf("%w: composite primary keys are not supported", binstore.ErrInvalidQuery)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[table.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, table.Name)
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	// Write to a temp file and rename so a crash never leaves half a schema.
	path := s.schemaPath(table.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	s.cache[table.Name] = table
	return nil
}

// GetTable returns a table schema by name
func (s *SchemaStore) GetTable(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.cache[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, name)
	}
	return table, nil
}

// TableExists checks if a table exists
func (s *SchemaStore) TableExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[name]
	return ok
}

// ListTables returns all table names, sorted.
func (s *SchemaStore) ListTables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cache))
	for name := range s.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropTable removes a table schema. Records of the set are not touched.
func (s *SchemaStore) DropTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNoTable, name)
	}
	if err := os.Remove(s.schemaPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove schema file: %w", err)
	}
	delete(s.cache, name)
	return nil
}

// Bins reports the bin names of set for field-subset writes.
func (s *SchemaStore) Bins(set string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.cache[set]
	if !ok {
		return nil, false
	}
	return table.Bins(), true
}
