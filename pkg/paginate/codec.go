package paginate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Codec projects a row onto an ordered set of named columns.
type Codec[T any] interface {
	Columns() []string
	Values(row T) []any
}

// FuncCodec adapts a column list and a projection func into a Codec.
type FuncCodec[T any] struct {
	Names []string
	Row   func(T) []any
}

func (c FuncCodec[T]) Columns() []string  { return c.Names }
func (c FuncCodec[T]) Values(row T) []any { return c.Row(row) }

// RowShape selects how JSON rows are rendered.
type RowShape int

const (
	// Objects renders {"column": value, ...} with keys in column order.
	Objects RowShape = iota
	// Arrays renders [value, ...] without keys.
	Arrays
)

// TimeLayout is how time values are rendered: second precision, UTC, Z suffix.
const TimeLayout = "2006-01-02T15:04:05Z07:00"

// EncodeJSON renders rows as a complete JSON array in one pass.
func EncodeJSON[T any](rows []T, codec Codec[T], shape RowShape) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeRows(&buf, rows, codec, shape); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeRows[T any](buf *bytes.Buffer, rows []T, codec Codec[T], shape RowShape) error {
	cols := codec.Columns()
	keys := make([][]byte, len(cols))
	if shape == Objects {
		for i, c := range cols {
			k, err := json.Marshal(c)
			if err != nil {
				return err
			}
			keys[i] = k
		}
	}
	buf.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		vals := codec.Values(row)
		if len(vals) != len(cols) {
			return fmt.Errorf("row has %d values for %d columns", len(vals), len(cols))
		}
		start, end := byte('{'), byte('}')
		if shape == Arrays {
			start, end = '[', ']'
		}
		buf.WriteByte(start)
		for j, v := range vals {
			if j > 0 {
				buf.WriteByte(',')
			}
			if shape == Objects {
				buf.Write(keys[j])
				buf.WriteByte(':')
			}
			if err := writeJSONValue(buf, v); err != nil {
				return fmt.Errorf("column %s: %w", cols[j], err)
			}
		}
		buf.WriteByte(end)
	}
	buf.WriteByte(']')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.RawMessage:
		if len(t) == 0 {
			buf.WriteString("null")
			return nil
		}
		buf.Write(t)
		return nil
	case time.Time:
		buf.WriteByte('"')
		buf.WriteString(t.UTC().Format(TimeLayout))
		buf.WriteByte('"')
		return nil
	case *time.Time:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return writeJSONValue(buf, *t)
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
		return nil
	case int:
		buf.WriteString(strconv.Itoa(t))
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// csvCell renders one value as CSV text. Nil becomes the empty string.
func csvCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	case time.Time:
		return t.UTC().Format(TimeLayout)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(TimeLayout)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
