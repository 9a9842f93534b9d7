// Package executor parses SQL statements and runs them against a binstore.Store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/xwb1989/sqlparser"
)

// Result represents the result of executing a SQL statement. A nil entry
// in a row is NULL.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int
	LastInsertID string
	Message      string
}

// Executor executes SQL statements
type Executor struct {
	store  *binstore.Store
	schema *storage.SchemaStore
	logger binstore.Logger
}

// NewExecutor creates an executor and registers schema with store so that
// partial updates are checked against the declared columns.
func NewExecutor(store *binstore.Store, schema *storage.SchemaStore) *Executor {
	if schema != nil {
		store.SetSchema(schema)
	}
	return &Executor{store: store, schema: schema, logger: &binstore.NoOpLogger{}}
}

// WithLogger sets the logger used for statement tracing.
func (e *Executor) WithLogger(logger binstore.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

var (
	createIndexRe = regexp.MustCompile(`(?i)^create\s+(?:(numeric|string)\s+)?index\s+(\w+)\s+on\s+(\w+)\s*\(\s*([\w.]+)\s*\)$`)
	dropIndexRe   = regexp.MustCompile(`(?i)^drop\s+index\s+(\w+)$`)
)

// Execute parses and executes a SQL statement
func (e *Executor) Execute(ctx context.Context, sql string) (*Result, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	if sql == "" {
		return &Result{Message: "OK"}, nil
	}
	e.logger.Debug("executing statement", "sql", sql)

	if m := createIndexRe.FindStringSubmatch(sql); m != nil {
		return e.executeCreateIndex(ctx, m[2], m[3], m[4], strings.ToLower(m[1]))
	}
	if m := dropIndexRe.FindStringSubmatch(sql); m != nil {
		if err := e.store.DropIndex(ctx, m[1]); err != nil {
			return nil, err
		}
		return &Result{Message: "DROP INDEX"}, nil
	}

	explain := false
	if len(sql) > 8 && strings.EqualFold(sql[:8], "explain ") {
		explain = true
		sql = strings.TrimSpace(sql[8:])
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, unsupported("parse error: %v", err)
	}

	if explain {
		sel, ok := stmt.(*sqlparser.Select)
		if !ok {
			return nil, unsupported("EXPLAIN supports SELECT only")
		}
		return e.executeExplain(ctx, sel)
	}

	switch s := stmt.(type) {
	case *sqlparser.DDL:
		return e.executeDDL(ctx, s)
	case *sqlparser.Select:
		return e.executeSelect(ctx, s)
	case *sqlparser.Insert:
		return e.executeInsert(ctx, s)
	case *sqlparser.Update:
		return e.executeUpdate(ctx, s)
	case *sqlparser.Delete:
		return e.executeDelete(ctx, s)
	default:
		return nil, unsupported("unsupported statement type: %T", stmt)
	}
}

// tableRef is a resolved FROM target.
type tableRef struct {
	name  string
	index string
	// table is nil for sets without a declared schema.
	table *storage.Table
}

func (e *Executor) resolve(expr sqlparser.TableExpr) (*tableRef, error) {
	aliased, ok := expr.(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, unsupported("joins are not supported")
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, unsupported("subqueries are not supported")
	}
	ref := e.table(name.Name.String())
	if h := aliased.Hints; h != nil {
		if h.Type != sqlparser.UseStr && h.Type != sqlparser.ForceStr {
			return nil, unsupported("%sINDEX hints are not supported", strings.ToUpper(h.Type))
		}
		if len(h.Indexes) != 1 {
			return nil, unsupported("index hints must name exactly one index")
		}
		ref.index = h.Indexes[0].String()
	}
	return ref, nil
}

func (e *Executor) table(name string) *tableRef {
	ref := &tableRef{name: name}
	if e.schema != nil {
		if t, err := e.schema.GetTable(name); err == nil {
			ref.table = t
		}
	}
	return ref
}

func (r *tableRef) keyColumn() string {
	if r.table != nil {
		return r.table.KeyColumn()
	}
	return binstore.DefaultKeyField
}

func (r *tableRef) column(name string) *storage.Column {
	if r.table == nil {
		return nil
	}
	for i := range r.table.Columns {
		if r.table.Columns[i].Name == name {
			return &r.table.Columns[i]
		}
	}
	return nil
}

// checkColumn rejects writes to columns the table does not declare.
func (r *tableRef) checkColumn(key binstore.Key, name string) error {
	if _, meta := metadataColumns[name]; meta {
		return unsupported("%s is maintained by the store and cannot be written", name)
	}
	if r.table != nil && r.column(name) == nil {
		return &binstore.RecoverableFieldError{Key: key, Field: name}
	}
	return nil
}

func (e *Executor) translator(ref *tableRef) *translator {
	return &translator{table: ref.name, keyCol: ref.keyColumn(), keyField: e.store.Policy().KeyField}
}

func (e *Executor) executeDDL(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	switch stmt.Action {
	case sqlparser.CreateStr:
		return e.executeCreateTable(stmt)
	case sqlparser.DropStr:
		return e.executeDropTable(ctx, stmt)
	default:
		return nil, unsupported("unsupported DDL action: %s", stmt.Action)
	}
}

func (e *Executor) executeCreateTable(stmt *sqlparser.DDL) (*Result, error) {
	if e.schema == nil {
		return nil, unsupported("CREATE TABLE requires a schema directory")
	}
	if stmt.TableSpec == nil {
		return nil, unsupported("CREATE TABLE requires column definitions")
	}
	tableName := stmt.NewName.Name.String()

	columns := make([]storage.Column, 0, len(stmt.TableSpec.Columns))
	for _, col := range stmt.TableSpec.Columns {
		column := storage.Column{
			Name:    col.Name.String(),
			Type:    col.Type.Type,
			NotNull: bool(col.Type.NotNull),
		}
		if col.Type.KeyOpt == 1 { // colKeyPrimary
			column.PrimaryKey = true
		}
		if d := col.Type.Default; d != nil && d.Type != sqlparser.ValArg {
			column.Default = string(d.Val)
		}
		columns = append(columns, column)
	}

	for _, idx := range stmt.TableSpec.Indexes {
		if idx.Info == nil {
			continue
		}
		for i := range columns {
			for _, idxCol := range idx.Columns {
				if columns[i].Name != idxCol.Column.String() {
					continue
				}
				if idx.Info.Primary {
					columns[i].PrimaryKey = true
				}
				if idx.Info.Unique {
					columns[i].Unique = true
				}
			}
		}
	}

	if err := e.schema.CreateTable(&storage.Table{Name: tableName, Columns: columns}); err != nil {
		return nil, err
	}
	return &Result{Message: "CREATE TABLE"}, nil
}

// executeDropTable removes the schema and every record of the set.
func (e *Executor) executeDropTable(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	if e.schema == nil {
		return nil, unsupported("DROP TABLE requires a schema directory")
	}
	tableName := stmt.Table.Name.String()
	if err := e.schema.DropTable(tableName); err != nil {
		if stmt.IfExists && errors.Is(err, storage.ErrNoTable) {
			return &Result{Message: "DROP TABLE"}, nil
		}
		return nil, err
	}

	recs, err := e.collect(ctx, tableName, nil, binstore.WithScans(true))
	if err != nil {
		return nil, err
	}
	intents := make([]binstore.WriteIntent, len(recs))
	for i, r := range recs {
		intents[i] = binstore.Remove(r.Key, 0)
	}
	if _, err := e.submit(ctx, intents); err != nil {
		return nil, err
	}
	return &Result{Message: "DROP TABLE"}, nil
}

// executeCreateIndex registers a secondary index. Without an explicit type
// the index is numeric for integer and floating point columns.
func (e *Executor) executeCreateIndex(ctx context.Context, name, set, bin, typ string) (*Result, error) {
	desc := binstore.IndexDescriptor{
		Name:      name,
		Namespace: e.store.Namespace(),
		Set:       set,
		Bin:       bin,
		Type:      binstore.IndexString,
	}
	switch typ {
	case "numeric":
		desc.Type = binstore.IndexNumeric
	case "":
		if col := e.table(set).column(bin); col != nil && isNumericType(col.Type) {
			desc.Type = binstore.IndexNumeric
		}
	}
	if err := e.store.CreateIndex(ctx, desc); err != nil {
		return nil, err
	}
	return &Result{Message: "CREATE INDEX"}, nil
}

func isNumericType(t string) bool {
	t = strings.ToLower(t)
	for _, s := range []string{"int", "float", "double", "decimal", "numeric", "real"} {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

// query holds the parts of a SELECT that become a store query.
type query struct {
	ref      *tableRef
	criteria binstore.Node
	opts     []binstore.QueryOption
}

func (e *Executor) buildQuery(stmt *sqlparser.Select) (*query, error) {
	if len(stmt.From) != 1 {
		return nil, unsupported("only single table SELECT supported")
	}
	if stmt.Distinct != "" || len(stmt.GroupBy) > 0 || stmt.Having != nil || len(stmt.OrderBy) > 0 {
		return nil, unsupported("DISTINCT, GROUP BY, HAVING and ORDER BY are not supported")
	}
	ref, err := e.resolve(stmt.From[0])
	if err != nil {
		return nil, err
	}
	q := &query{ref: ref}
	if stmt.Where != nil {
		q.criteria, err = e.translator(ref).translate(stmt.Where.Expr)
		if err != nil {
			return nil, err
		}
	}
	if ref.index != "" {
		q.opts = append(q.opts, binstore.WithIndex(ref.index))
	}
	return q, nil
}

func (e *Executor) executeExplain(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	q, err := e.buildQuery(stmt)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.Explain(ctx, q.ref.name, q.criteria, q.opts...)
	if err != nil {
		return nil, err
	}
	lines := plan.Explain()
	res := &Result{Columns: []string{"QUERY PLAN"}, Rows: make([][]any, len(lines)), Message: "EXPLAIN"}
	for i, l := range lines {
		res.Rows[i] = []any{l}
	}
	return res, nil
}

// projection is one output column.
type projection struct {
	label string
	path  []string
	meta  binstore.MetadataField
	key   bool
}

func (p projection) value(r *binstore.Record, now time.Time) any {
	switch {
	case p.key:
		return r.Key.ID
	case p.meta != binstore.MetaNone:
		return r.Meta(p.meta, now)
	}
	v, _ := r.Value(p.path...)
	return v
}

func (e *Executor) executeSelect(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	q, err := e.buildQuery(stmt)
	if err != nil {
		return nil, err
	}

	if isCountStar(stmt.SelectExprs) {
		n, err := e.store.Count(ctx, q.ref.name, q.criteria, q.opts...)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{"count"}, Rows: [][]any{{int64(n)}}, Message: "SELECT 1"}, nil
	}

	offset, limit, err := limits(stmt.Limit)
	if err != nil {
		return nil, err
	}

	rs, err := e.store.Find(ctx, q.ref.name, q.criteria, q.opts...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var recs []*binstore.Record
	skipped := 0
	for rec, err := range rs.All() {
		if err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit >= 0 && len(recs) >= limit {
			break
		}
		recs = append(recs, rec)
	}

	cols, err := e.projections(q.ref, stmt.SelectExprs, recs)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	res := &Result{Columns: make([]string, len(cols)), Rows: make([][]any, len(recs))}
	for i, c := range cols {
		res.Columns[i] = c.label
	}
	for i, r := range recs {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = c.value(r, now)
		}
		res.Rows[i] = row
	}
	res.Message = fmt.Sprintf("SELECT %d", len(res.Rows))
	return res, nil
}

// projections expands the select list. SELECT * lists the declared columns,
// or for sets without a schema the key followed by every bin seen.
func (e *Executor) projections(ref *tableRef, exprs sqlparser.SelectExprs, recs []*binstore.Record) ([]projection, error) {
	tr := e.translator(ref)
	var out []projection
	for _, se := range exprs {
		switch x := se.(type) {
		case *sqlparser.StarExpr:
			out = append(out, starColumns(ref, recs)...)
		case *sqlparser.AliasedExpr:
			col, ok := x.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, unsupported("select expression %s", sqlparser.String(x.Expr))
			}
			fr, err := tr.field(col)
			if err != nil {
				return nil, err
			}
			p := projection{label: col.Name.String(), path: fr.path, meta: fr.meta, key: fr.key}
			if !x.As.IsEmpty() {
				p.label = x.As.String()
			}
			out = append(out, p)
		default:
			return nil, unsupported("select expression %s", sqlparser.String(se))
		}
	}
	return out, nil
}

func starColumns(ref *tableRef, recs []*binstore.Record) []projection {
	key := ref.keyColumn()
	if ref.table != nil {
		out := make([]projection, 0, len(ref.table.Columns))
		for _, c := range ref.table.Columns {
			out = append(out, projection{label: c.Name, path: []string{c.Name}, key: c.Name == key})
		}
		return out
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		for b := range r.Bins {
			seen[b] = true
		}
	}
	bins := make([]string, 0, len(seen))
	for b := range seen {
		bins = append(bins, b)
	}
	sort.Strings(bins)
	out := []projection{{label: key, key: true}}
	for _, b := range bins {
		out = append(out, projection{label: b, path: []string{b}})
	}
	return out
}

func isCountStar(exprs sqlparser.SelectExprs) bool {
	if len(exprs) != 1 {
		return false
	}
	ae, ok := exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return false
	}
	fn, ok := ae.Expr.(*sqlparser.FuncExpr)
	if !ok || fn.Name.Lowered() != "count" || len(fn.Exprs) != 1 {
		return false
	}
	_, star := fn.Exprs[0].(*sqlparser.StarExpr)
	return star
}

// limits returns the offset and row limit; a limit of -1 means none.
func limits(l *sqlparser.Limit) (int, int, error) {
	if l == nil {
		return 0, -1, nil
	}
	offset, limit := 0, -1
	if l.Offset != nil {
		v, err := literal(l.Offset)
		n, ok := v.(int64)
		if err != nil || !ok || n < 0 {
			return 0, 0, unsupported("OFFSET must be a non-negative integer")
		}
		offset = int(n)
	}
	if l.Rowcount != nil {
		v, err := literal(l.Rowcount)
		n, ok := v.(int64)
		if err != nil || !ok || n < 0 {
			return 0, 0, unsupported("LIMIT must be a non-negative integer")
		}
		limit = int(n)
	}
	return offset, limit, nil
}

// executeInsert writes every VALUES row in one batch. A missing or NULL
// primary key gets a generated id.
func (e *Executor) executeInsert(ctx context.Context, stmt *sqlparser.Insert) (*Result, error) {
	ref := e.table(stmt.Table.Name.String())
	if stmt.OnDup != nil {
		return nil, unsupported("ON DUPLICATE KEY UPDATE is not supported")
	}

	var columns []string
	for _, col := range stmt.Columns {
		columns = append(columns, col.String())
	}
	if len(columns) == 0 {
		if ref.table == nil {
			return nil, unsupported("INSERT into %s requires a column list", ref.name)
		}
		columns = ref.table.ColumnNames()
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, unsupported("only VALUES clause supported for INSERT")
	}

	keyCol := ref.keyColumn()
	namespace := e.store.Namespace()
	intents := make([]binstore.WriteIntent, 0, len(rows))
	var lastID string
	for _, tuple := range rows {
		if len(tuple) != len(columns) {
			return nil, unsupported("INSERT has %d columns but %d values", len(columns), len(tuple))
		}
		id := ""
		bins := make(map[string]any, len(columns))
		for i, name := range columns {
			v, err := literal(tuple[i])
			if err != nil {
				return nil, err
			}
			if name == keyCol {
				if v != nil {
					if id, err = keyString(v); err != nil {
						return nil, err
					}
				}
				continue
			}
			if err := ref.checkColumn(binstore.NewKey(namespace, ref.name, id), name); err != nil {
				return nil, err
			}
			if v, err = coerce(ref.column(name), v); err != nil {
				return nil, err
			}
			if v != nil {
				bins[name] = v
			}
		}
		if id == "" {
			id = binstore.NewID()
		}
		if err := applyDefaults(ref, bins); err != nil {
			return nil, err
		}
		lastID = id
		intents = append(intents, binstore.Insert(binstore.NewKey(namespace, ref.name, id), bins))
	}

	n, err := e.submit(ctx, intents)
	if err != nil {
		return nil, err
	}
	return &Result{
		RowsAffected: n,
		LastInsertID: lastID,
		Message:      fmt.Sprintf("INSERT 0 %d", n),
	}, nil
}

// applyDefaults fills declared defaults and enforces NOT NULL columns.
func applyDefaults(ref *tableRef, bins map[string]any) error {
	if ref.table == nil {
		return nil
	}
	key := ref.keyColumn()
	for i := range ref.table.Columns {
		col := &ref.table.Columns[i]
		if col.Name == key {
			continue
		}
		if _, ok := bins[col.Name]; ok {
			continue
		}
		if col.Default != "" {
			v, err := coerce(col, col.Default)
			if err != nil {
				return err
			}
			bins[col.Name] = v
			continue
		}
		if col.NotNull {
			return &binstore.InvalidQueryError{Field: col.Name, Reason: "column is NOT NULL"}
		}
	}
	return nil
}

// executeUpdate merges the SET columns into every matching record. Each
// record is written conditionally on the version it was read at, or on the
// version given by a `_version = n` condition.
func (e *Executor) executeUpdate(ctx context.Context, stmt *sqlparser.Update) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, unsupported("only single table UPDATE supported")
	}
	if len(stmt.OrderBy) > 0 || stmt.Limit != nil {
		return nil, unsupported("UPDATE with ORDER BY or LIMIT is not supported")
	}
	ref, err := e.resolve(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}

	keyCol := ref.keyColumn()
	bins := make(map[string]any, len(stmt.Exprs))
	fields := make([]string, 0, len(stmt.Exprs))
	for _, ue := range stmt.Exprs {
		name := ue.Name.Name.String()
		if name == keyCol {
			return nil, &binstore.InvalidQueryError{Field: name, Reason: "primary key cannot be updated"}
		}
		if err := ref.checkColumn(binstore.Key{Namespace: e.store.Namespace(), Set: ref.name}, name); err != nil {
			return nil, err
		}
		v, err := literal(ue.Expr)
		if err != nil {
			return nil, err
		}
		if v, err = coerce(ref.column(name), v); err != nil {
			return nil, err
		}
		if v == nil && ref.column(name) != nil && ref.column(name).NotNull {
			return nil, &binstore.InvalidQueryError{Field: name, Reason: "column is NOT NULL"}
		}
		bins[name] = v
		fields = append(fields, name)
	}

	recs, version, err := e.match(ctx, ref, stmt.Where)
	if err != nil {
		return nil, err
	}
	intents := make([]binstore.WriteIntent, len(recs))
	for i, r := range recs {
		intents[i] = binstore.Update(r.Key, bins, expected(version, r)).Only(fields...)
	}
	n, err := e.submit(ctx, intents)
	if err != nil {
		return nil, err
	}
	return &Result{RowsAffected: n, Message: fmt.Sprintf("UPDATE %d", n)}, nil
}

// executeDelete removes every matching record, conditionally on its version.
func (e *Executor) executeDelete(ctx context.Context, stmt *sqlparser.Delete) (*Result, error) {
	if len(stmt.TableExprs) != 1 || len(stmt.Targets) > 0 {
		return nil, unsupported("only single table DELETE supported")
	}
	if len(stmt.OrderBy) > 0 || stmt.Limit != nil {
		return nil, unsupported("DELETE with ORDER BY or LIMIT is not supported")
	}
	ref, err := e.resolve(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}

	recs, version, err := e.match(ctx, ref, stmt.Where)
	if err != nil {
		return nil, err
	}
	intents := make([]binstore.WriteIntent, len(recs))
	for i, r := range recs {
		intents[i] = binstore.Remove(r.Key, expected(version, r))
	}
	n, err := e.submit(ctx, intents)
	if err != nil {
		return nil, err
	}
	return &Result{RowsAffected: n, Message: fmt.Sprintf("DELETE %d", n)}, nil
}

func expected(version int64, r *binstore.Record) int64 {
	if version > 0 {
		return version
	}
	return r.Generation
}

// match reads the records a WHERE clause selects. A `_version = n`
// condition is split off and returned as the expected version.
func (e *Executor) match(ctx context.Context, ref *tableRef, where *sqlparser.Where) ([]*binstore.Record, int64, error) {
	var (
		criteria binstore.Node
		version  int64
	)
	if where != nil {
		rest, v, err := splitVersion(where.Expr)
		if err != nil {
			return nil, 0, err
		}
		version = v
		if criteria, err = e.translator(ref).translate(rest); err != nil {
			return nil, 0, err
		}
	}
	var opts []binstore.QueryOption
	if ref.index != "" {
		opts = append(opts, binstore.WithIndex(ref.index))
	}
	recs, err := e.collect(ctx, ref.name, criteria, opts...)
	return recs, version, err
}

func (e *Executor) collect(ctx context.Context, set string, criteria binstore.Node, opts ...binstore.QueryOption) ([]*binstore.Record, error) {
	rs, err := e.store.Find(ctx, set, criteria, opts...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.Collect()
}

// submit writes intents as one batch and returns the number applied. On a
// partial failure the error is the batch error and the count covers the
// intents that succeeded.
func (e *Executor) submit(ctx context.Context, intents []binstore.WriteIntent) (int, error) {
	if len(intents) == 0 {
		return 0, nil
	}
	outcomes, err := e.store.SubmitBatch(ctx, intents)
	n := 0
	for _, o := range outcomes {
		if o.OK() {
			n++
		}
	}
	if err != nil {
		e.logger.Warn("batch write failed", "intents", len(intents), "applied", n, "error", err)
	}
	return n, err
}
