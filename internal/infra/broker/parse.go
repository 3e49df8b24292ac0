package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerdata/internal/core/fault"
)

// DecodeJSON decodes body into v keeping numbers as json.Number so prices
// never pass through float64. Empty or malformed bodies are PARSE_ERROR.
func DecodeJSON(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fault.New(fault.ParseError, "empty response body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.ParseError, err, "invalid json body")
	}
	return nil
}

// Decimal parses a required numeric field.
func Decimal(field string, n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, fault.Newf(fault.ParseError, "missing field %s", field)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fault.Wrap(fault.ParseError, err, "field "+field)
	}
	return d, nil
}

// DecimalString parses a required numeric field delivered as a string.
func DecimalString(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fault.Newf(fault.ParseError, "missing field %s", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fault.Wrap(fault.ParseError, err, "field "+field)
	}
	return d, nil
}

// Int parses a required integral field. Values like "1200.0" are accepted.
func Int(field string, n json.Number) (int64, error) {
	if n == "" {
		return 0, fault.Newf(fault.ParseError, "missing field %s", field)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, fault.Newf(fault.ParseError, "field %s is not an integer: %q", field, n)
	}
	return d.IntPart(), nil
}

// NumberAt reads element i of a JSON array row as a number.
func NumberAt(row []any, i int, field string) (json.Number, error) {
	if i >= len(row) {
		return "", fault.Newf(fault.ParseError, "row has %d columns, missing %s", len(row), field)
	}
	switch v := row[i].(type) {
	case json.Number:
		return v, nil
	case string:
		return json.Number(v), nil
	default:
		return "", fault.Newf(fault.ParseError, "field %s has type %T", field, row[i])
	}
}

// StringAt reads element i of a JSON array row as a string.
func StringAt(row []any, i int, field string) (string, error) {
	if i >= len(row) {
		return "", fault.Newf(fault.ParseError, "row has %d columns, missing %s", len(row), field)
	}
	s, ok := row[i].(string)
	if !ok {
		return "", fault.Newf(fault.ParseError, "field %s has type %T", field, row[i])
	}
	return s, nil
}

// Unsupported is the BAD_REQUEST returned for kinds an adapter cannot build.
func Unsupported(broker, kind string) error {
	return fault.New(fault.BadRequest, fmt.Sprintf("%s does not support %s queries", broker, kind))
}
