package binstore

import (
	"errors"
	"testing"
	"time"
)

func TestRecord_Value(t *testing.T) {
	r := &Record{Bins: map[string]any{
		"name": "ann",
		"address": map[string]any{
			"city": "Oslo",
			"geo":  map[any]any{"lat": 59.9},
		},
	}}

	tests := []struct {
		name string
		path []string
		want any
		ok   bool
	}{
		{"top level", []string{"name"}, "ann", true},
		{"segments", []string{"address", "city"}, "Oslo", true},
		{"dotted", []string{"address.city"}, "Oslo", true},
		{"any-keyed map", []string{"address", "geo", "lat"}, 59.9, true},
		{"missing", []string{"address", "zip"}, nil, false},
		{"through scalar", []string{"name", "first"}, nil, false},
		{"empty", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Value(tt.path...)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Value(%v) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}

	var nilRec *Record
	if _, ok := nilRec.Value("name"); ok {
		t.Error("nil record has no values")
	}
}

func TestRecord_Expired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Record{}
	if r.Expired(now) {
		t.Error("a record without void time never expires")
	}
	r.VoidTime = now.Add(time.Minute)
	if r.Expired(now) {
		t.Error("record expired early")
	}
	if !r.Expired(now.Add(time.Minute)) {
		t.Error("record should expire at its void time")
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := &Record{Bins: map[string]any{"tags": []any{"a"}, "nested": map[string]any{"x": 1}}}
	cp := r.Clone()
	cp.Bins["tags"].([]any)[0] = "b"
	cp.Bins["nested"].(map[string]any)["x"] = 2

	if r.Bins["tags"].([]any)[0] != "a" || r.Bins["nested"].(map[string]any)["x"] != 1 {
		t.Error("Clone shares nested values with the original")
	}
}

func TestRecord_Decode(t *testing.T) {
	type user struct {
		ID      string        `bin:"_id"`
		Version int64         `bin:"_version"`
		Name    string        `bin:"name"`
		Age     int           `bin:"age"`
		Timeout time.Duration `bin:"timeout"`
		Tags    []string      `bin:"tags"`
	}
	r := &Record{
		Key:        NewKey("app", "users", "u1"),
		Generation: 3,
		Bins: map[string]any{
			"name":    "ann",
			"age":     int64(30),
			"timeout": "1m30s",
			"tags":    []any{"a", "b"},
		},
	}

	var u user
	if err := r.Decode(&u); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if u.ID != "u1" || u.Version != 3 || u.Name != "ann" || u.Age != 30 {
		t.Errorf("unexpected user %+v", u)
	}
	if u.Timeout != 90*time.Second || len(u.Tags) != 2 {
		t.Errorf("unexpected conversions %+v", u)
	}

	bad := &Record{Key: NewKey("app", "users", "u2"), Bins: map[string]any{"age": map[string]any{"x": 1}}}
	if err := bad.Decode(&u); !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData, got %v", err)
	}
}

func TestCodec_ValueNormalization(t *testing.T) {
	data, err := encodeValue(map[string]any{"age": 30, "tags": []string{"a"}})
	if err != nil {
		t.Fatalf("encodeValue failed: %v", err)
	}
	v, err := decodeValue(data)
	if err != nil {
		t.Fatalf("decodeValue failed: %v", err)
	}
	r := &Record{Bins: map[string]any{"doc": v}}
	age, ok := r.Value("doc", "age")
	if !ok || !valuesEqual(age, 30, false) {
		t.Errorf("decoded age = %v (%T)", age, age)
	}

	if _, err := decodeValue([]byte{0xc1}); !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData for a reserved msgpack byte, got %v", err)
	}
}
