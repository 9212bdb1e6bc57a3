package attr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DatetimeLayout is the normalised datetime form. Fixed width and always UTC,
// so lexical order is chronological order.
const DatetimeLayout = "2006-01-02T15:04:05.000000Z"

// Value is a typed attribute value.
// This is a sealed interface - only types in this package implement it.
type Value interface {
	// Dtype is the dtype this value belongs to.
	Dtype() Dtype

	// Native returns the plain JSON-ready form used in search documents.
	Native() any

	attrValue()
}

// Bool is a bool attribute value.
type Bool bool

func (Bool) attrValue()    {}
func (Bool) Dtype() Dtype  { return DtypeBool }
func (v Bool) Native() any { return bool(v) }

// Int is an int attribute value.
type Int int64

func (Int) attrValue()    {}
func (Int) Dtype() Dtype  { return DtypeInt }
func (v Int) Native() any { return int64(v) }

// Float is a float attribute value.
type Float float64

func (Float) attrValue()    {}
func (Float) Dtype() Dtype  { return DtypeFloat }
func (v Float) Native() any { return float64(v) }

// Enum is an enum attribute value; it is one of its definition's choices.
type Enum string

func (Enum) attrValue()    {}
func (Enum) Dtype() Dtype  { return DtypeEnum }
func (v Enum) Native() any { return string(v) }

// String is a string attribute value.
type String string

func (String) attrValue()    {}
func (String) Dtype() Dtype  { return DtypeString }
func (v String) Native() any { return string(v) }

// Datetime is a datetime attribute value, UTC, microsecond precision.
type Datetime struct {
	Time time.Time
}

// NewDatetime normalises t to UTC microseconds.
func NewDatetime(t time.Time) Datetime {
	return Datetime{Time: t.UTC().Truncate(time.Microsecond)}
}

func (Datetime) attrValue()   {}
func (Datetime) Dtype() Dtype { return DtypeDatetime }

// Native returns the fixed-width string form.
func (v Datetime) Native() any { return v.String() }

func (v Datetime) String() string { return v.Time.UTC().Format(DatetimeLayout) }

// Geopos is a [longitude, latitude] pair.
type Geopos struct {
	Lon float64
	Lat float64
}

func (Geopos) attrValue()    {}
func (Geopos) Dtype() Dtype  { return DtypeGeopos }
func (v Geopos) Native() any { return []float64{v.Lon, v.Lat} }

// InRange reports whether both coordinates are legal.
func (v Geopos) InRange() bool {
	return v.Lon >= -180 && v.Lon <= 180 && v.Lat >= -90 && v.Lat <= 90
}

// Equal compares two values by dtype and content.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Dtype() != b.Dtype() {
		return false
	}
	switch av := a.(type) {
	case Datetime:
		return av.Time.Equal(b.(Datetime).Time)
	case Geopos:
		bv := b.(Geopos)
		return av.Lon == bv.Lon && av.Lat == bv.Lat
	default:
		return a == b
	}
}

// FromNative rebuilds a Value of dtype d from its stored Native form. No
// definition constraints are checked; it is for decoding values that were
// validated when written.
func FromNative(d Dtype, native any) (Value, error) {
	switch d {
	case DtypeBool:
		b, ok := native.(bool)
		if !ok {
			return nil, fmt.Errorf("bool: unexpected %T", native)
		}
		return Bool(b), nil
	case DtypeInt:
		f, err := nativeNumber(native)
		if err != nil {
			return nil, fmt.Errorf("int: %w", err)
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("int: non-integral %v", f)
		}
		if n, ok := native.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("int: %w", err)
			}
			return Int(i), nil
		}
		return Int(int64(f)), nil
	case DtypeFloat:
		f, err := nativeNumber(native)
		if err != nil {
			return nil, fmt.Errorf("float: %w", err)
		}
		return Float(f), nil
	case DtypeEnum:
		s, ok := native.(string)
		if !ok {
			return nil, fmt.Errorf("enum: unexpected %T", native)
		}
		return Enum(s), nil
	case DtypeString:
		s, ok := native.(string)
		if !ok {
			return nil, fmt.Errorf("string: unexpected %T", native)
		}
		return String(s), nil
	case DtypeDatetime:
		s, ok := native.(string)
		if !ok {
			return nil, fmt.Errorf("datetime: unexpected %T", native)
		}
		t, err := time.Parse(DatetimeLayout, s)
		if err != nil {
			return nil, fmt.Errorf("datetime: %w", err)
		}
		return NewDatetime(t), nil
	case DtypeGeopos:
		pair, ok := native.([]any)
		if !ok || len(pair) != 2 {
			if fs, ok := native.([]float64); ok && len(fs) == 2 {
				return Geopos{Lon: fs[0], Lat: fs[1]}, nil
			}
			return nil, fmt.Errorf("geopos: expected [lon, lat], got %v", native)
		}
		lon, err := nativeNumber(pair[0])
		if err != nil {
			return nil, fmt.Errorf("geopos lon: %w", err)
		}
		lat, err := nativeNumber(pair[1])
		if err != nil {
			return nil, fmt.Errorf("geopos lat: %w", err)
		}
		return Geopos{Lon: lon, Lat: lat}, nil
	}
	return nil, fmt.Errorf("unknown dtype %q", d)
}

func nativeNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

// Map is an entity's attribute bag.
// Relational storage uses a tagged encoding so rows decode without the
// entity type at hand: {"name": {"dtype": "int", "value": 42}}.
type Map map[string]Value

type taggedValue struct {
	Dtype Dtype           `json:"dtype"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the tagged form.
func (m Map) MarshalJSON() ([]byte, error) {
	out := make(map[string]taggedValue, len(m))
	for k, v := range m {
		raw, err := json.Marshal(v.Native())
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = taggedValue{Dtype: v.Dtype(), Value: raw}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form.
func (m *Map) UnmarshalJSON(data []byte) error {
	var in map[string]taggedValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Map, len(in))
	for k, tv := range in {
		dec := json.NewDecoder(bytes.NewReader(tv.Value))
		dec.UseNumber()
		var native any
		if err := dec.Decode(&native); err != nil {
			return fmt.Errorf("attribute %q: %w", k, err)
		}
		v, err := FromNative(tv.Dtype, native)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	*m = out
	return nil
}

// Clone returns a shallow copy; values are immutable.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Natives returns the plain form of every value, keyed by attribute name.
func (m Map) Natives() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}
