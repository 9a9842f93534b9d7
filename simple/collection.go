package simple

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/adrianmcphee/binstore"
	"github.com/mitchellh/mapstructure"
)

// DefaultAtomicAttempts bounds the optimistic retries of Collection.Atomic.
const DefaultAtomicAttempts = 5

// Collection provides type-safe CRUD operations for one entity type stored
// as records of a set.
//
// Example:
//
//	type User struct {
//	    ID      string `bin:"id" sb:"id"`
//	    Version int64  `bin:"version" sb:"version"`
//	    Email   string `bin:"email" sb:"index"`
//	    Age     int    `bin:"age" sb:"index,numeric"`
//	}
//
//	users := simple.NewCollection[User](db)
//	user, err := users.Create(ctx, &User{Email: "alice@example.com"})
type Collection[T any] struct {
	db           *DB
	name         string
	idField      string
	idBin        string
	versionField string
	versionBin   string
	indexes      map[string]IndexSpec
	modelInfo    *ModelInfo
}

// IndexSpec describes a secondary index on a bin.
type IndexSpec struct {
	Bin     string
	Numeric bool
}

// ModelInfo contains metadata about the model type.
type ModelInfo struct {
	Name         string
	IDField      string
	VersionField string
	Indexes      map[string]IndexSpec
}

// NewCollection creates a new type-safe collection. The set name is
// inferred from the type name (User -> "users") unless given.
func NewCollection[T any](db *DB, name ...string) *Collection[T] {
	var t T
	collectionName := pluralize(getTypeName(t))
	if len(name) > 0 && name[0] != "" {
		collectionName = name[0]
	}

	c := &Collection[T]{
		db:      db,
		name:    collectionName,
		idField: "ID",
		idBin:   "ID",
		indexes: make(map[string]IndexSpec),
	}
	c.parseModelInfo()
	return c
}

// Name returns the set the collection stores its records in.
func (c *Collection[T]) Name() string { return c.name }

// Info returns the parsed struct metadata.
func (c *Collection[T]) Info() *ModelInfo { return c.modelInfo }

// EnsureIndexes creates the indexes declared with sb:"index" tags.
// Existing indexes are left alone.
func (c *Collection[T]) EnsureIndexes(ctx context.Context) error {
	for _, spec := range c.indexes {
		desc := binstore.IndexDescriptor{
			Name:      fmt.Sprintf("%s_%s", c.name, strings.ReplaceAll(spec.Bin, ".", "_")),
			Namespace: c.db.namespace,
			Set:       c.name,
			Bin:       spec.Bin,
			Type:      binstore.IndexString,
		}
		if spec.Numeric {
			desc.Type = binstore.IndexNumeric
		}
		if err := c.db.store.CreateIndex(ctx, desc); err != nil && !errors.Is(err, binstore.ErrAlreadyExists) {
			return fmt.Errorf("create index %s: %w", desc.Name, err)
		}
	}
	return c.db.store.Catalog().Refresh(ctx)
}

// Create stores a new item and returns a copy with ID and version
// populated. The input is not modified.
func (c *Collection[T]) Create(ctx context.Context, item *T) (*T, error) {
	if item == nil {
		return nil, fmt.Errorf("item cannot be nil")
	}

	created := *item
	id := c.getID(&created)
	if id == "" {
		id = binstore.NewID()
		c.setID(&created, id)
	}

	bins, err := c.toBins(&created)
	if err != nil {
		return nil, err
	}
	version, err := c.db.store.Insert(ctx, c.key(id), bins)
	if err != nil {
		return nil, fmt.Errorf("failed to create: %w", err)
	}
	c.setVersion(&created, version)
	return &created, nil
}

// Get retrieves an item by ID.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}
	rec, err := c.db.store.Get(ctx, c.key(id))
	if err != nil {
		return nil, err
	}
	return c.fromRecord(rec)
}

// Update replaces an existing item. When the type has a version field the
// write only succeeds if the stored version still matches it; on success
// the field is advanced to the new version.
func (c *Collection[T]) Update(ctx context.Context, item *T) error {
	if item == nil {
		return fmt.Errorf("item cannot be nil")
	}
	id := c.getID(item)
	if id == "" {
		return fmt.Errorf("item must have ID set")
	}

	bins, err := c.toBins(item)
	if err != nil {
		return err
	}
	version, err := c.db.store.Update(ctx, c.key(id), bins, c.getVersion(item))
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	c.setVersion(item, version)
	return nil
}

// Delete removes an item by ID.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	existed, err := c.db.store.Delete(ctx, c.key(id), 0)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	if !existed {
		return &binstore.RecordNotFoundError{Key: c.key(id)}
	}
	return nil
}

// Find returns all items whose bin equals value.
func (c *Collection[T]) Find(ctx context.Context, bin string, value any) ([]*T, error) {
	return c.Where(ctx, binstore.Eq(bin, value))
}

// FindOne returns the first item whose bin equals value.
func (c *Collection[T]) FindOne(ctx context.Context, bin string, value any) (*T, error) {
	var found *T
	err := c.each(ctx, binstore.Eq(bin, value), func(item *T) error {
		found = item
		return errStop
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%s with %s=%v: %w", c.name, bin, value, binstore.ErrNotFound)
	}
	return found, nil
}

// Where returns all items matching criteria.
func (c *Collection[T]) Where(ctx context.Context, criteria binstore.Node, opts ...binstore.QueryOption) ([]*T, error) {
	var items []*T
	err := c.each(ctx, criteria, func(item *T) error {
		items = append(items, item)
		return nil
	}, opts...)
	return items, err
}

// Atomic performs an optimistic read-modify-write. fn receives the current
// item; if another writer changes the record before the write lands, the
// item is re-read and fn runs again, up to DefaultAtomicAttempts times.
//
// Example:
//
//	err := accounts.Atomic(ctx, id, func(a *Account) error {
//	    a.Balance += 100
//	    return nil
//	})
func (c *Collection[T]) Atomic(ctx context.Context, id string, fn func(*T) error) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}

	var err error
	for attempt := 0; attempt < DefaultAtomicAttempts; attempt++ {
		var rec *binstore.Record
		rec, err = c.db.store.Get(ctx, c.key(id))
		if err != nil {
			return err
		}
		item, decodeErr := c.fromRecord(rec)
		if decodeErr != nil {
			return decodeErr
		}
		if err := fn(item); err != nil {
			return err
		}
		bins, binsErr := c.toBins(item)
		if binsErr != nil {
			return binsErr
		}
		_, err = c.db.store.Update(ctx, rec.Key, bins, rec.Generation)
		if err == nil || !binstore.IsConflict(err) {
			return err
		}
		c.db.logger.Debug("atomic update conflict, retrying", "set", c.name, "id", id, "attempt", attempt+1)
	}
	return fmt.Errorf("atomic update of %s/%s gave up after %d attempts: %w", c.name, id, DefaultAtomicAttempts, err)
}

// All returns all items in the collection. It loads everything into memory
// and needs a policy that allows full scans.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	items, err := c.Where(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query all: %w", err)
	}
	return items, nil
}

// Each streams all items to handler. Return an error to stop iteration.
func (c *Collection[T]) Each(ctx context.Context, handler func(*T) error) error {
	return c.each(ctx, nil, handler)
}

// Count returns the total number of items.
func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	return c.db.store.Count(ctx, c.name, nil)
}

var errStop = errors.New("stop")

func (c *Collection[T]) each(ctx context.Context, criteria binstore.Node, handler func(*T) error, opts ...binstore.QueryOption) error {
	rs, err := c.db.store.Find(ctx, c.name, criteria, opts...)
	if err != nil {
		return err
	}
	defer rs.Close()
	for rs.Next() {
		item, err := c.fromRecord(rs.Record())
		if err != nil {
			return err
		}
		if err := handler(item); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return rs.Err()
}

func (c *Collection[T]) key(id string) binstore.Key {
	return binstore.NewKey(c.db.namespace, c.name, id)
}

// Helper methods

func (c *Collection[T]) parseModelInfo() {
	var t T
	typ := reflect.TypeOf(t)
	if typ == nil {
		return
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return
	}

	c.modelInfo = &ModelInfo{
		Name:    typ.Name(),
		IDField: c.idField,
		Indexes: c.indexes,
	}

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		bin := binName(field)
		if field.Name == c.idField {
			c.idBin = bin
		}

		tag := field.Tag.Get("sb")
		if tag == "" {
			continue
		}
		parts := strings.Split(tag, ",")

		if contains(parts, "id") {
			c.idField, c.idBin = field.Name, bin
			c.modelInfo.IDField = field.Name
		}
		if contains(parts, "version") {
			c.versionField, c.versionBin = field.Name, bin
			c.modelInfo.VersionField = field.Name
		}
		if contains(parts, "index") {
			c.indexes[bin] = IndexSpec{Bin: bin, Numeric: contains(parts, "numeric")}
		}
	}
}

func binName(field reflect.StructField) string {
	name := field.Tag.Get("bin")
	if idx := strings.Index(name, ","); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return field.Name
	}
	return name
}

// toBins converts an item into record bins. The ID and version fields are
// record metadata and never stored as bins.
func (c *Collection[T]) toBins(item *T) (map[string]any, error) {
	out := make(map[string]any)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "bin",
		Result:  &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(*item); err != nil {
		return nil, fmt.Errorf("encode %s: %w: %v", c.name, binstore.ErrInvalidData, err)
	}
	delete(out, c.idBin)
	if c.versionBin != "" {
		delete(out, c.versionBin)
	}
	for k, v := range out {
		out[k] = normalize(v)
	}
	return out, nil
}

func (c *Collection[T]) fromRecord(rec *binstore.Record) (*T, error) {
	var item T
	if err := rec.Decode(&item); err != nil {
		return nil, err
	}
	c.setID(&item, rec.Key.ID)
	c.setVersion(&item, rec.Generation)
	return &item, nil
}

// normalize turns typed slices and string-keyed maps into the []any and
// map[string]any shapes records hold.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	if _, ok := v.([]byte); ok {
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	}
	return v
}

func (c *Collection[T]) getID(item *T) string {
	field := reflect.ValueOf(item).Elem().FieldByName(c.idField)
	if !field.IsValid() || field.Kind() != reflect.String {
		return ""
	}
	return field.String()
}

func (c *Collection[T]) setID(item *T, id string) {
	field := reflect.ValueOf(item).Elem().FieldByName(c.idField)
	if field.IsValid() && field.CanSet() && field.Kind() == reflect.String {
		field.SetString(id)
	}
}

func (c *Collection[T]) getVersion(item *T) int64 {
	if c.versionField == "" {
		return 0
	}
	field := reflect.ValueOf(item).Elem().FieldByName(c.versionField)
	if !field.IsValid() || !field.CanInt() {
		return 0
	}
	return field.Int()
}

func (c *Collection[T]) setVersion(item *T, version int64) {
	if c.versionField == "" {
		return
	}
	field := reflect.ValueOf(item).Elem().FieldByName(c.versionField)
	if field.IsValid() && field.CanSet() && field.CanInt() {
		field.SetInt(version)
	}
}

func getTypeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "item"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func pluralize(s string) string {
	lower := strings.ToLower(s)

	irregulars := map[string]string{
		"person": "people",
		"child":  "children",
		"goose":  "geese",
		"tooth":  "teeth",
		"foot":   "feet",
		"mouse":  "mice",
	}
	if plural, ok := irregulars[lower]; ok {
		return plural
	}

	// Consonant + y -> ies
	if len(s) > 1 && s[len(s)-1] == 'y' && !isVowel(rune(s[len(s)-2])) {
		return s[:len(s)-1] + "ies"
	}

	if strings.HasSuffix(lower, "s") || strings.HasSuffix(lower, "x") ||
		strings.HasSuffix(lower, "z") || strings.HasSuffix(lower, "ch") ||
		strings.HasSuffix(lower, "sh") {
		return s + "es"
	}
	return s + "s"
}

func isVowel(r rune) bool {
	return r == 'a' || r == 'e' || r == 'i' || r == 'o' || r == 'u'
}

func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
