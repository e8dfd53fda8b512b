package spider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawAd is one job record exactly as a source reported it. A RawAd is
// immutable: constructors copy the input map and accessors never hand out
// the underlying storage.
type RawAd struct {
	fields map[string]any
}

// NewRawAd copies fields into a new RawAd.
func NewRawAd(fields map[string]any) RawAd {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return RawAd{fields: cp}
}

// Len returns the number of attributes in the ad.
func (a RawAd) Len() int {
	return len(a.fields)
}

// Has reports whether key is present.
func (a RawAd) Has(key string) bool {
	_, ok := a.fields[key]
	return ok
}

// Get returns the raw value for key.
func (a RawAd) Get(key string) (any, bool) {
	v, ok := a.fields[key]
	return v, ok
}

// Keys returns the attribute names in lexical order.
func (a RawAd) Keys() []string {
	keys := make([]string, 0, len(a.fields))
	for k := range a.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value for key rendered as a string.
func (a RawAd) String(key string) (string, bool) {
	v, ok := a.fields[key]
	if !ok || v == nil {
		return "", false
	}
	return AsString(v), true
}

// StringOr returns the string value for key or def when absent.
func (a RawAd) StringOr(key, def string) string {
	if s, ok := a.String(key); ok {
		return s
	}
	return def
}

// Int returns the value for key as an integer when it is numeric.
func (a RawAd) Int(key string) (int64, bool) {
	v, ok := a.fields[key]
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// IntOr returns the integer value for key or def when absent or not numeric.
func (a RawAd) IntOr(key string, def int64) int64 {
	if n, ok := a.Int(key); ok {
		return n
	}
	return def
}

// Float returns the value for key as a float when it is numeric.
func (a RawAd) Float(key string) (float64, bool) {
	v, ok := a.fields[key]
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// FloatOr returns the float value for key or def when absent or not numeric.
func (a RawAd) FloatOr(key string, def float64) float64 {
	if f, ok := a.Float(key); ok {
		return f
	}
	return def
}

// GlobalJobID returns the globally unique job identifier.
func (a RawAd) GlobalJobID() (string, bool) {
	return a.String("GlobalJobId")
}

// StatusChanged returns the time the job entered its current status.
func (a RawAd) StatusChanged() (time.Time, bool) {
	n, ok := a.Int("EnteredCurrentStatus")
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0).UTC(), true
}

// MarshalJSON encodes the ad as a flat JSON object.
func (a RawAd) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.fields)
}

// UnmarshalJSON decodes a flat JSON object, keeping numbers exact.
func (a *RawAd) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode raw ad: %w", err)
	}
	a.fields = fields
	return nil
}

// AsString renders a scalar value as a string.
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// AsInt converts numeric values (and numeric strings) to int64.
func AsInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float32:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// AsFloat converts numeric values (and numeric strings) to float64.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		n, ok := AsInt(v)
		return float64(n), ok
	}
}

// AsBool converts booleans, numbers and "true"/"false" strings.
func AsBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	default:
		n, ok := AsInt(v)
		return n != 0, ok
	}
}
