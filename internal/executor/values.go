package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adrianmcphee/binstore"
	"github.com/adrianmcphee/binstore/internal/storage"
	"github.com/xwb1989/sqlparser"
)

// literal evaluates a constant SQL expression. NULL evaluates to nil.
func literal(expr sqlparser.Expr) (any, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		switch e.Type {
		case sqlparser.StrVal:
			return string(e.Val), nil
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(e.Val), 10, 64)
			if err != nil {
				return nil, unsupported("integer literal %s out of range", e.Val)
			}
			return n, nil
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(e.Val), 64)
			if err != nil {
				return nil, unsupported("invalid number %s", e.Val)
			}
			return f, nil
		}
		return nil, unsupported("literal %s", sqlparser.String(e))
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(e), nil
	case *sqlparser.ParenExpr:
		return literal(e.Expr)
	case *sqlparser.UnaryExpr:
		if e.Operator != sqlparser.UMinusStr {
			break
		}
		v, err := literal(e.Expr)
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
	case sqlparser.ValTuple:
		out := make([]any, 0, len(e))
		for _, x := range e {
			v, err := literal(x)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *sqlparser.FuncExpr:
		switch e.Name.Lowered() {
		case "gen_random_uuid7", "gen_random_uuid", "uuid":
			return binstore.NewID(), nil
		case "now":
			return time.Now().UnixMilli(), nil
		}
	}
	return nil, unsupported("expression %s is not a constant", sqlparser.String(expr))
}

// keyString renders a primary key literal as a record id.
func keyString(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case float64:
		if k == math.Trunc(k) {
			return strconv.FormatInt(int64(k), 10), nil
		}
	}
	return "", unsupported("primary key values must be strings or integers, got %T", v)
}

// coerce converts a literal to the storage form of col. JSON columns decode
// string literals into maps and lists; integer columns parse numeric strings.
func coerce(col *storage.Column, v any) (any, error) {
	if col == nil || v == nil {
		return v, nil
	}
	typ := strings.ToLower(col.Type)
	switch {
	case typ == "json":
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, &binstore.InvalidQueryError{Field: col.Name, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		return decoded, nil
	case strings.Contains(typ, "int"):
		switch n := v.(type) {
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, &binstore.InvalidQueryError{Field: col.Name, Reason: fmt.Sprintf("%q is not an integer", n)}
			}
			return i, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, &binstore.InvalidQueryError{Field: col.Name, Reason: fmt.Sprintf("%v is not an integer", n)}
			}
			return int64(n), nil
		}
	case typ == "bool" || typ == "boolean":
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	}
	return v, nil
}

// FormatValue renders a bin value in PostgreSQL text format. It returns nil
// for NULL.
func FormatValue(v any) []byte {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(x)
	case []byte:
		return x
	case bool:
		if x {
			return []byte("t")
		}
		return []byte("f")
	case int64:
		return strconv.AppendInt(nil, x, 10)
	case float64:
		return strconv.AppendFloat(nil, x, 'g', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return []byte(fmt.Sprint(x))
		}
		return b
	}
	return []byte(fmt.Sprint(v))
}

func unsupported(format string, args ...any) error {
	return &binstore.InvalidQueryError{Reason: fmt.Sprintf(format, args...)}
}
