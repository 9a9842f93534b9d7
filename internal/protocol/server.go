// Package protocol implements the PostgreSQL wire protocol.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/executor"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/jackc/pgproto3/v2"
)

// ServerVersion is reported to clients in the server_version parameter.
const ServerVersion = "15.0 (binstore)"

const textOID = 25

// Server handles PostgreSQL wire protocol connections using the simple
// query protocol.
type Server struct {
	addr     string
	executor *executor.Executor
	logger   binstore.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	pid      atomic.Uint32
}

// NewServer creates a server that runs statements with exec.
func NewServer(addr string, exec *executor.Executor, logger binstore.Logger) *Server {
	if logger == nil {
		logger = &binstore.NoOpLogger{}
	}
	return &Server{
		addr:     addr,
		executor: exec,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the server address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("binstore listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called. It binds
// the address first when Listen was not called.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept error", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// handleConnection processes a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Debug("new connection", "remote", remote)

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if err := s.startup(backend, conn); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("startup failed", "remote", remote, "error", err)
		}
		return
	}

	// After an extended-protocol error the client's messages are skipped
	// until Sync.
	skipUntilSync := false
	for {
		msg, err := backend.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.logger.Warn("receive error", "remote", remote, "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(ctx, conn, m.String); err != nil {
				s.logger.Warn("write error", "remote", remote, "error", err)
				return
			}
		case *pgproto3.Terminate:
			s.logger.Debug("client terminated connection", "remote", remote)
			return
		case *pgproto3.Sync:
			skipUntilSync = false
			if _, err := conn.Write((&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(nil)); err != nil {
				return
			}
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Flush:
			if skipUntilSync {
				continue
			}
			skipUntilSync = true
			resp := &pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "extended query protocol is not supported; use the simple query protocol",
			}
			if _, err := conn.Write(resp.Encode(nil)); err != nil {
				return
			}
		default:
			s.logger.Debug("unhandled message", "remote", remote, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// startup declines SSL and GSS encryption, accepts the startup message
// without authentication and announces the server parameters.
func (s *Server) startup(backend *pgproto3.Backend, conn net.Conn) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return fmt.Errorf("decline encryption: %w", err)
			}
		case *pgproto3.CancelRequest:
			return io.EOF
		case *pgproto3.StartupMessage:
			s.logger.Debug("startup", "database", m.Parameters["database"], "user", m.Parameters["user"])
			buf := (&pgproto3.AuthenticationOk{}).Encode(nil)
			for _, p := range [][2]string{
				{"server_version", ServerVersion},
				{"client_encoding", "UTF8"},
				{"DateStyle", "ISO, MDY"},
				{"server_encoding", "UTF8"},
				{"TimeZone", "UTC"},
				{"integer_datetimes", "on"},
				{"standard_conforming_strings", "on"},
			} {
				buf = (&pgproto3.ParameterStatus{Name: p[0], Value: p[1]}).Encode(buf)
			}
			buf = (&pgproto3.BackendKeyData{ProcessID: s.pid.Add(1), SecretKey: 0}).Encode(buf)
			buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
			_, err := conn.Write(buf)
			return err
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

// handleQuery runs one simple query and writes the response followed by
// ReadyForQuery.
func (s *Server) handleQuery(ctx context.Context, conn net.Conn, query string) error {
	s.logger.Debug("query", "sql", query)
	var buf []byte

	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	switch {
	case trimmed == "":
		buf = (&pgproto3.EmptyQueryResponse{}).Encode(buf)
	case strings.EqualFold(trimmed, "SELECT version()"):
		buf = encodeResult(buf, &executor.Result{
			Columns: []string{"version"},
			Rows:    [][]any{{"binstore " + ServerVersion}},
			Message: "SELECT 1",
		})
	default:
		result, err := s.executor.Execute(ctx, query)
		if err != nil {
			s.logger.Debug("query failed", "sql", query, "error", err)
			buf = (errorResponse(err)).Encode(buf)
		} else {
			buf = encodeResult(buf, result)
		}
	}

	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	_, err := conn.Write(buf)
	return err
}

func encodeResult(buf []byte, result *executor.Result) []byte {
	if len(result.Columns) > 0 {
		fields := make([]pgproto3.FieldDescription, len(result.Columns))
		for i, name := range result.Columns {
			fields[i] = pgproto3.FieldDescription{
				Name:         []byte(name),
				DataTypeOID:  textOID,
				DataTypeSize: -1,
				TypeModifier: -1,
			}
		}
		buf = (&pgproto3.RowDescription{Fields: fields}).Encode(buf)
		for _, row := range result.Rows {
			values := make([][]byte, len(row))
			for i, v := range row {
				values[i] = executor.FormatValue(v)
			}
			buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
		}
	}
	return (&pgproto3.CommandComplete{CommandTag: []byte(result.Message)}).Encode(buf)
}

// errorResponse maps an error to a PostgreSQL error. For a partial batch the
// first failed intent decides the code and is reported as the detail.
func errorResponse(err error) *pgproto3.ErrorResponse {
	resp := &pgproto3.ErrorResponse{Severity: "ERROR", Code: SQLState(err), Message: err.Error()}
	var pe *binstore.PartialBatchFailureError
	if errors.As(err, &pe) {
		for _, o := range pe.Outcomes {
			if o.Err != nil {
				resp.Detail = o.Err.Error()
				break
			}
		}
	}
	return resp
}

// SQLState returns the SQLSTATE code for err.
func SQLState(err error) string {
	var pe *binstore.PartialBatchFailureError
	if errors.As(err, &pe) {
		for _, o := range pe.Outcomes {
			if o.Err != nil {
				return SQLState(o.Err)
			}
		}
	}
	switch {
	case errors.Is(err, binstore.ErrAlreadyExists):
		return "23505" // unique_violation
	case errors.Is(err, binstore.ErrConflict):
		return "40001" // serialization_failure
	case errors.Is(err, binstore.ErrUnknownField):
		return "42703" // undefined_column
	case errors.Is(err, storage.ErrTableExists):
		return "42P07" // duplicate_table
	case errors.Is(err, storage.ErrNoTable):
		return "42P01" // undefined_table
	case errors.Is(err, binstore.ErrIndexNotFound):
		return "42704" // undefined_object
	case errors.Is(err, binstore.ErrScansDisabled):
		return "55000" // object_not_in_prerequisite_state
	case errors.Is(err, binstore.ErrInvalidBatch):
		return "21000" // cardinality_violation
	case errors.Is(err, binstore.ErrInvalidQuery):
		return "42601" // syntax_error
	case errors.Is(err, binstore.ErrNotFound):
		return "02000" // no_data
	case errors.Is(err, binstore.ErrInvalidData), errors.Is(err, binstore.ErrInvalidConfig):
		return "22023" // invalid_parameter_value
	case errors.Is(err, errors.ErrUnsupported):
		return "0A000" // feature_not_supported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, binstore.ErrTimeout):
		return "57014" // query_canceled
	case errors.Is(err, binstore.ErrBackendUnavailable):
		return "57P03" // cannot_connect_now
	}
	return "XX000" // internal_error
}
