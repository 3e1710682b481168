package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fields are the column values of a record, keyed on column name. Values
// are normalized to one of: int64, float64, bool, string, time.Time,
// json.RawMessage, or nil (for NULL).
type Fields map[string]interface{}

// NullMarker encodes a NULL value within a staged row.
const NullMarker = `\N`

// DecodeForm decodes a JSON object form submitted by a writer into Fields,
// validated against the ResourceSpec. Unknown columns, the reserved identity
// column, type mismatches, and absent non-nullable columns are errors.
func (s *ResourceSpec) DecodeForm(form []byte) (Fields, error) {
	var raw map[string]json.RawMessage

	var dec = json.NewDecoder(bytes.NewReader(form))
	dec.UseNumber()

	if err := dec.Decode(&raw); err != nil {
		return nil, NewValidationError("decoding form: %s", err)
	} else if raw == nil {
		return nil, NewValidationError("expected a JSON object")
	}
	for name := range raw {
		if name == IdentityColumn {
			return nil, NewValidationError("%q is assigned by the store and may not be submitted", name)
		} else if s.column(name) == nil {
			return nil, NewValidationError("unknown column (%s)", name)
		}
	}

	var out = make(Fields, len(s.Columns))
	for i := range s.Columns {
		var col = &s.Columns[i]
		var v, err = col.decodeJSON(raw[col.Name])
		if err != nil {
			return nil, ExtendContext(err, "%s", col.Name)
		}
		out[col.Name] = v
	}
	return out, nil
}

// Normalize re-validates Fields which were not produced by DecodeForm (for
// example, Fields decoded from a buffered or persisted JSON encoding) against
// the ResourceSpec, converting values to their normalized Go types.
func (s *ResourceSpec) Normalize(f Fields) (Fields, error) {
	var b, err = json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return s.DecodeForm(b)
}

// MarshalCSV returns the staged row encoding of Fields, in column order.
func (s *ResourceSpec) MarshalCSV(f Fields) ([]string, error) {
	var out = make([]string, len(s.Columns))
	for i := range s.Columns {
		var col = &s.Columns[i]
		var v, err = col.formatCSV(f[col.Name])
		if err != nil {
			return nil, ExtendContext(err, "%s", col.Name)
		}
		out[i] = v
	}
	return out, nil
}

// UnmarshalCSV decodes a staged row into Fields. It's the inverse of MarshalCSV.
func (s *ResourceSpec) UnmarshalCSV(row []string) (Fields, error) {
	if len(row) != len(s.Columns) {
		return nil, NewValidationError("row has %d fields (expected %d)", len(row), len(s.Columns))
	}
	var out = make(Fields, len(s.Columns))
	for i := range s.Columns {
		var col = &s.Columns[i]
		var v, err = col.parseCSV(row[i])
		if err != nil {
			return nil, ExtendContext(err, "%s", col.Name)
		}
		out[col.Name] = v
	}
	return out, nil
}

func (s *ResourceSpec) column(name string) *ColumnSpec {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

func (c *ColumnSpec) decodeJSON(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if !c.Nullable {
			return nil, NewValidationError("expected a value (column is not nullable)")
		}
		return nil, nil
	}

	switch c.Type {
	case ColumnType_INTEGER, ColumnType_BIGINT:
		var n json.Number
		if raw[0] == '"' {
			return nil, NewValidationError("expected an integer (%s)", raw)
		} else if err := json.Unmarshal(raw, &n); err != nil {
			return nil, NewValidationError("expected an integer (%s)", raw)
		}
		var i, err = n.Int64()
		if err != nil {
			return nil, NewValidationError("expected an integer (%s)", raw)
		} else if c.Type == ColumnType_INTEGER && (i < math.MinInt32 || i > math.MaxInt32) {
			return nil, NewValidationError("integer out of range (%d)", i)
		}
		return i, nil

	case ColumnType_REAL:
		var n json.Number
		// json.Number also accepts quoted numbers, which are rejected here.
		if raw[0] == '"' {
			return nil, NewValidationError("expected a number (%s)", raw)
		} else if err := json.Unmarshal(raw, &n); err != nil {
			return nil, NewValidationError("expected a number (%s)", raw)
		}
		var f, err = n.Float64()
		if err != nil {
			return nil, NewValidationError("expected a number (%s)", raw)
		}
		return f, nil

	case ColumnType_BOOLEAN:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, NewValidationError("expected a boolean (%s)", raw)
		}
		return b, nil

	case ColumnType_VARCHAR, ColumnType_TEXT:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, NewValidationError("expected a string (%s)", raw)
		} else if str == NullMarker {
			return nil, NewValidationError("%q is reserved as the NULL marker", str)
		}
		return str, nil

	case ColumnType_TIMESTAMP:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, NewValidationError("expected a timestamp string (%s)", raw)
		}
		var ts, err = parseTimestamp(str)
		if err != nil {
			return nil, NewValidationError("expected a timestamp (%s)", str)
		}
		return ts, nil

	case ColumnType_JSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, NewValidationError("expected JSON: %s", err)
		}
		return json.RawMessage(buf.Bytes()), nil

	default:
		return nil, c.Type.Validate()
	}
}

func (c *ColumnSpec) formatCSV(v interface{}) (string, error) {
	if v == nil {
		if !c.Nullable {
			return "", NewValidationError("expected a value (column is not nullable)")
		}
		return NullMarker, nil
	}
	switch tv := v.(type) {
	case int64:
		return strconv.FormatInt(tv, 10), nil
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64), nil
	case bool:
		if tv {
			return "t", nil
		}
		return "f", nil
	case string:
		return tv, nil
	case time.Time:
		return tv.UTC().Format(TimestampLayout), nil
	case json.RawMessage:
		return string(tv), nil
	default:
		return "", NewValidationError("unexpected value type %T", v)
	}
}

func (c *ColumnSpec) parseCSV(str string) (interface{}, error) {
	if str == NullMarker {
		if !c.Nullable {
			return nil, NewValidationError("expected a value (column is not nullable)")
		}
		return nil, nil
	}
	switch c.Type {
	case ColumnType_INTEGER, ColumnType_BIGINT:
		var i, err = strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, NewValidationError("expected an integer (%s)", str)
		}
		return i, nil
	case ColumnType_REAL:
		var f, err = strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, NewValidationError("expected a number (%s)", str)
		}
		return f, nil
	case ColumnType_BOOLEAN:
		switch str {
		case "t":
			return true, nil
		case "f":
			return false, nil
		}
		return nil, NewValidationError("expected a boolean (%s)", str)
	case ColumnType_VARCHAR, ColumnType_TEXT:
		return str, nil
	case ColumnType_TIMESTAMP:
		var ts, err = parseTimestamp(str)
		if err != nil {
			return nil, NewValidationError("expected a timestamp (%s)", str)
		}
		return ts, nil
	case ColumnType_JSON:
		if !json.Valid([]byte(str)) {
			return nil, NewValidationError("expected JSON (%s)", str)
		}
		return json.RawMessage(str), nil
	default:
		return nil, c.Type.Validate()
	}
}

// TimestampLayout is the layout of timestamps within staged rows.
// It's accepted by Redshift's `TIMEFORMAT 'auto'`.
const TimestampLayout = "2006-01-02 15:04:05.999999"

func parseTimestamp(str string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, TimestampLayout, "2006-01-02T15:04:05.999999"} {
		if ts, err := time.Parse(layout, str); err == nil {
			// Stores retain microsecond precision.
			return ts.UTC().Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", strings.TrimSpace(str))
}
