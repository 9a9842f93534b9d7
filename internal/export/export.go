// Package export generates a PostgreSQL dump (DDL, indexes and INSERT
// statements) from binstore schemas and records.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/storage"
)

// Exporter writes the tables of one schema store and the records behind
// them.
type Exporter struct {
	schema *storage.SchemaStore
	store  *binstore.Store
}

// NewExporter creates an exporter.
func NewExporter(schema *storage.SchemaStore, store *binstore.Store) *Exporter {
	return &Exporter{schema: schema, store: store}
}

// DDL writes CREATE TABLE statements for every table, followed by CREATE
// INDEX statements for the secondary indexes of those tables.
func (x *Exporter) DDL(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("-- binstore export to PostgreSQL\n")
	sb.WriteString("-- Generated schema (no migration history)\n\n")

	tables := x.schema.ListTables()
	for i, name := range tables {
		table, err := x.schema.GetTable(name)
		if err != nil {
			continue
		}
		sb.WriteString(TableToDDL(table))
		if i < len(tables)-1 {
			sb.WriteString("\n")
		}
	}

	var indexes []string
	for _, d := range x.store.Catalog().Snapshot().Indexes() {
		if d.Namespace == x.store.Namespace() && x.schema.TableExists(d.Set) {
			indexes = append(indexes, IndexToDDL(d))
		}
	}
	if len(indexes) > 0 {
		sb.WriteString("\n")
		for _, s := range indexes {
			sb.WriteString(s)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// TableToDDL generates a CREATE TABLE statement for a single table
func TableToDDL(table *storage.Table) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE %s (\n", table.Name)
	for i, col := range table.Columns {
		sb.WriteString("  ")
		sb.WriteString(columnToDDL(&col))
		if i < len(table.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(");\n")
	return sb.String()
}

func columnToDDL(col *storage.Column) string {
	parts := []string{col.Name, mapType(col.Type)}
	if col.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if col.Unique && !col.PrimaryKey {
		parts = append(parts, "UNIQUE")
	}
	if col.NotNull && !col.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != "" {
		parts = append(parts, "DEFAULT", defaultLiteral(col))
	}
	return strings.Join(parts, " ")
}

// defaultLiteral quotes defaults of non-numeric columns.
func defaultLiteral(col *storage.Column) string {
	switch mapType(col.Type) {
	case "INTEGER", "BIGINT", "SMALLINT", "DECIMAL", "DOUBLE PRECISION", "REAL", "BOOLEAN":
		return col.Default
	}
	return quote(col.Default)
}

// mapType maps declared column types to PostgreSQL types.
func mapType(typ string) string {
	switch strings.ToLower(typ) {
	case "uuid":
		return "UUID"
	case "text", "string", "varchar", "char", "longtext", "mediumtext":
		return "TEXT"
	case "int", "integer", "mediumint":
		return "INTEGER"
	case "smallint", "tinyint":
		return "SMALLINT"
	case "bigint":
		return "BIGINT"
	case "float", "real":
		return "REAL"
	case "double":
		return "DOUBLE PRECISION"
	case "boolean", "bool":
		return "BOOLEAN"
	case "decimal", "numeric":
		return "DECIMAL"
	case "timestamp", "timestamptz", "datetime":
		return "TIMESTAMPTZ"
	case "date":
		return "DATE"
	case "json", "jsonb":
		return "JSONB"
	default:
		return "TEXT"
	}
}

// IndexToDDL generates a CREATE INDEX statement. Nested bins become JSONB
// expression indexes; collection indexes use GIN.
func IndexToDDL(d binstore.IndexDescriptor) string {
	path := strings.Split(d.Bin, ".")
	if d.Collection != binstore.CollectionNone {
		return fmt.Sprintf("CREATE INDEX %s ON %s USING GIN (%s);\n", d.Name, d.Set, path[0])
	}
	switch len(path) {
	case 1:
		return fmt.Sprintf("CREATE INDEX %s ON %s (%s);\n", d.Name, d.Set, path[0])
	case 2:
		return fmt.Sprintf("CREATE INDEX %s ON %s ((%s->>%s));\n", d.Name, d.Set, path[0], quote(path[1]))
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s ((%s#>>%s));\n", d.Name, d.Set, path[0], quote("{"+strings.Join(path[1:], ",")+"}"))
}

// Data writes one INSERT statement per record of every table. Each table is
// read with a full scan regardless of the store's scan policy.
func (x *Exporter) Data(ctx context.Context, w io.Writer) error {
	if _, err := io.WriteString(w, "-- binstore data export\n\n"); err != nil {
		return err
	}
	for _, name := range x.schema.ListTables() {
		table, err := x.schema.GetTable(name)
		if err != nil {
			continue
		}
		if err := x.tableData(ctx, w, table); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

func (x *Exporter) tableData(ctx context.Context, w io.Writer, table *storage.Table) error {
	rs, err := x.store.Find(ctx, table.Name, nil, binstore.WithScans(true))
	if err != nil {
		return err
	}
	defer rs.Close()

	names := table.ColumnNames()
	key := table.KeyColumn()
	n := 0
	for rec, err := range rs.All() {
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, recordToInsert(table.Name, names, key, rec)); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		_, err = io.WriteString(w, "\n")
	}
	return err
}

func recordToInsert(tableName string, names []string, key string, rec *binstore.Record) string {
	values := make([]string, len(names))
	for i, name := range names {
		if name == key {
			values[i] = quote(rec.Key.ID)
			continue
		}
		v, _ := rec.Value(name)
		values[i] = literal(v)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
		tableName,
		strings.Join(names, ", "),
		strings.Join(values, ", "))
}

// literal renders a bin value as a SQL literal.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return quote(fmt.Sprint(x))
		}
		return quote(string(b))
	}
	return quote(fmt.Sprint(v))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Export writes the DDL followed by the data.
func (x *Exporter) Export(ctx context.Context, w io.Writer) error {
	if err := x.DDL(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return x.Data(ctx, w)
}
