package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/executor"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/jackc/pgproto3/v2"
)

func TestSQLState(t *testing.T) {
	key := binstore.NewKey("app", "users", "u1")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"duplicate", &binstore.DuplicateKeyError{Key: key}, "23505"},
		{"conflict", &binstore.OptimisticLockConflictError{Key: key, Expected: 1, Actual: 2}, "40001"},
		{"unknown field", &binstore.RecoverableFieldError{Key: key, Field: "x"}, "42703"},
		{"invalid query", &binstore.InvalidQueryError{Reason: "bad"}, "42601"},
		{"scans disabled", &binstore.ScansDisabledError{Set: "users"}, "55000"},
		{"not found", &binstore.RecordNotFoundError{Key: key}, "02000"},
		{"table exists", fmt.Errorf("%w: users", storage.ErrTableExists), "42P07"},
		{"no table", fmt.Errorf("%w: users", storage.ErrNoTable), "42P01"},
		{"canceled", context.Canceled, "57014"},
		{"unavailable", binstore.ErrBackendUnavailable, "57P03"},
		{"unsupported", fmt.Errorf("create index: %w", errors.ErrUnsupported), "0A000"},
		{"other", errors.New("boom"), "XX000"},
		{"partial batch", &binstore.PartialBatchFailureError{
			Outcomes: []binstore.Outcome{
				{Key: binstore.NewKey("app", "users", "u0")},
				{Key: key, Err: &binstore.DuplicateKeyError{Key: key}},
			},
			Failed: 1,
		}, "23505"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SQLState(tt.err); got != tt.want {
				t.Errorf("SQLState = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorResponseDetail(t *testing.T) {
	key := binstore.NewKey("app", "users", "u1")
	dup := &binstore.DuplicateKeyError{Key: key}
	resp := errorResponse(&binstore.PartialBatchFailureError{
		Outcomes: []binstore.Outcome{{Key: key, Err: dup}},
		Failed:   1,
	})
	if resp.Detail != dup.Error() {
		t.Errorf("Expected detail %q, got %q", dup.Error(), resp.Detail)
	}
	if resp.Severity != "ERROR" {
		t.Errorf("Expected ERROR severity, got %s", resp.Severity)
	}
}

func TestEncodeResult(t *testing.T) {
	buf := encodeResult(nil, &executor.Result{
		Columns: []string{"id", "age"},
		Rows:    [][]any{{"u1", int64(30)}, {"u2", nil}},
		Message: "SELECT 2",
	})

	want := (&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("id"), DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: -1},
		{Name: []byte("age"), DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: -1},
	}}).Encode(nil)
	want = (&pgproto3.DataRow{Values: [][]byte{[]byte("u1"), []byte("30")}}).Encode(want)
	want = (&pgproto3.DataRow{Values: [][]byte{[]byte("u2"), nil}}).Encode(want)
	want = (&pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")}).Encode(want)

	if string(buf) != string(want) {
		t.Errorf("Encoded result mismatch:\n got %q\nwant %q", buf, want)
	}
}

func TestServerCloseBeforeServe(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if srv.Addr() == nil {
		t.Fatal("Expected a bound address")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := srv.Serve(context.Background()); err != nil {
		t.Errorf("Serve after Close should return nil, got %v", err)
	}
}
