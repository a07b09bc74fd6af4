package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	"tesa-overwatch/pkg/shared"
)

var (
	latKeys    = []string{"lat", "latitude"}
	lngKeys    = []string{"lng", "lon", "longitude"}
	heightKeys = []string{"height", "alt", "altitude"}
)

// RawUpdate is an unnormalized telemetry message as received by any
// ingestion surface. Values may be JSON numbers or numeric strings.
type RawUpdate struct {
	ID     string
	Fields map[string]any
}

// NewRawUpdate builds an update from a decoded object, lifting "id" out of
// the field set.
func NewRawUpdate(fields map[string]any) RawUpdate {
	raw := RawUpdate{Fields: fields}
	if v, ok := fields["id"]; ok {
		raw.ID = stringValue(v)
	}
	return raw
}

// DecodeRawUpdate parses a JSON object payload. Anything else is a
// ValidationError.
func DecodeRawUpdate(data []byte) (RawUpdate, error) {
	var fields map[string]any
	if err := gojson.Unmarshal(data, &fields); err != nil {
		return RawUpdate{}, shared.NewValidationError("body", "invalid JSON object: %v", err)
	}
	if fields == nil {
		return RawUpdate{}, shared.NewValidationError("body", "expected a JSON object")
	}
	return NewRawUpdate(fields), nil
}

func (u RawUpdate) lookup(keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := u.Fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// number reads the first present key as a finite float. present is false
// when none of the keys is set.
func (u RawUpdate) number(keys []string) (value float64, present bool, err error) {
	v, ok := u.lookup(keys)
	if !ok {
		return 0, false, nil
	}
	f, ok := parseNumber(v)
	if !ok {
		return 0, true, shared.NewValidationError(keys[0], "%v is not a finite number", v)
	}
	return f, true, nil
}

func (u RawUpdate) text(key string) string {
	v, ok := u.Fields[key]
	if !ok || v == nil {
		return ""
	}
	return stringValue(v)
}

func parseNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case gojson.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
