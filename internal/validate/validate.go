// Package validate is the single choke point between raw attribute input and
// a typed attr.Map. Every create and patch path runs through a Validator
// before a relational write.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
)

// Validator checks and normalises attribute values. It holds no state beyond
// its clock.
type Validator struct {
	now func() time.Time
}

// New returns a Validator. now supplies the timestamp for use_current fills;
// nil means time.Now.
func New(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate checks raw against def and returns its normalised value.
// Validate(def, Validate(def, x)) returns the same value.
func (v *Validator) Validate(def attr.Definition, raw any) (attr.Value, error) {
	if typed, ok := raw.(attr.Value); ok {
		raw = typed.Native()
	}
	if raw == nil {
		return nil, fault.Invalid(def.Name, nil, "null is not a %s", def.Dtype)
	}

	var (
		val attr.Value
		err error
	)
	switch def.Dtype {
	case attr.DtypeBool:
		val, err = parseBool(raw)
	case attr.DtypeInt:
		val, err = parseInt(raw)
	case attr.DtypeFloat:
		val, err = parseFloat(raw)
	case attr.DtypeEnum:
		val, err = parseEnum(def, raw)
	case attr.DtypeString:
		val, err = coerceString(raw)
	case attr.DtypeDatetime:
		val, err = ParseDatetime(raw)
	case attr.DtypeGeopos:
		val, err = parseGeopos(raw)
	default:
		return nil, fault.Invalid(def.Name, raw, "unknown dtype %q", def.Dtype)
	}
	if err != nil {
		return nil, fault.Invalid(def.Name, raw, "%v", err)
	}
	if err := def.Admits(val); err != nil {
		return nil, fault.Invalid(def.Name, raw, "%v", err)
	}
	return val, nil
}

// FillDefaults validates every supplied value and fills absent required
// attributes from their default, or with "now" for a use_current datetime.
// Absent optional attributes are omitted. Keys that name no definition are
// rejected.
func (v *Validator) FillDefaults(defs []attr.Definition, supplied map[string]any) (attr.Map, error) {
	if err := rejectUnknown(defs, supplied); err != nil {
		return nil, err
	}
	out := make(attr.Map, len(defs))
	for _, def := range defs {
		raw, present := supplied[def.Name]
		if present && raw != nil {
			val, err := v.Validate(def, raw)
			if err != nil {
				return nil, err
			}
			out[def.Name] = val
			continue
		}
		if !def.Required {
			continue
		}
		switch {
		case def.Default != nil:
			out[def.Name] = def.Default
		case def.Dtype == attr.DtypeDatetime && def.UseCurrent:
			out[def.Name] = attr.NewDatetime(v.now())
		default:
			return nil, fault.Missing(def.Name)
		}
	}
	return out, nil
}

// Patch validates only the supplied keys. The result is merged over the
// entity's existing attributes by the caller.
func (v *Validator) Patch(defs []attr.Definition, patch map[string]any) (attr.Map, error) {
	if err := rejectUnknown(defs, patch); err != nil {
		return nil, err
	}
	out := make(attr.Map, len(patch))
	for _, def := range defs {
		raw, ok := patch[def.Name]
		if !ok {
			continue
		}
		val, err := v.Validate(def, raw)
		if err != nil {
			return nil, err
		}
		out[def.Name] = val
	}
	return out, nil
}

func rejectUnknown(defs []attr.Definition, supplied map[string]any) error {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}
	for _, k := range attr.SortedKeys(supplied) {
		if !known[k] {
			return fault.Invalid(k, nil, "not defined on this entity type")
		}
	}
	return nil
}

func parseBool(raw any) (attr.Value, error) {
	switch x := raw.(type) {
	case bool:
		return attr.Bool(x), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return attr.Bool(true), nil
		case "false":
			return attr.Bool(false), nil
		}
		return nil, fmt.Errorf("%q is not true or false", x)
	}
	return nil, fmt.Errorf("expected bool, got %T", raw)
}

func parseInt(raw any) (attr.Value, error) {
	switch x := raw.(type) {
	case int:
		return attr.Int(x), nil
	case int64:
		return attr.Int(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return attr.Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x.String())
		}
		return integral(f)
	case float64:
		return integral(x)
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return attr.Int(i), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", x)
		}
		return integral(f)
	}
	return nil, fmt.Errorf("expected int, got %T", raw)
}

func integral(f float64) (attr.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("%v overflows int64", f)
	}
	return attr.Int(int64(f)), nil
}

func parseFloat(raw any) (attr.Value, error) {
	var f float64
	switch x := raw.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("expected float, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not finite", f)
	}
	return attr.Float(f), nil
}

func parseEnum(def attr.Definition, raw any) (attr.Value, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected one of %v, got %T", def.Choices, raw)
	}
	return attr.Enum(s), nil
}

func coerceString(raw any) (attr.Value, error) {
	switch x := raw.(type) {
	case string:
		return attr.String(x), nil
	case bool:
		return attr.String(strconv.FormatBool(x)), nil
	case int:
		return attr.String(strconv.Itoa(x)), nil
	case int64:
		return attr.String(strconv.FormatInt(x, 10)), nil
	case float64:
		return attr.String(strconv.FormatFloat(x, 'f', -1, 64)), nil
	case json.Number:
		return attr.String(x.String()), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot coerce %T to text", raw)
	}
	return attr.String(string(data)), nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseDatetime accepts ISO-8601 timestamps with or without an offset or
// fraction, or a bare date. Timestamps without an offset are UTC.
func ParseDatetime(raw any) (attr.Value, error) {
	switch x := raw.(type) {
	case time.Time:
		return attr.NewDatetime(x), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return attr.NewDatetime(t), nil
			}
		}
		return nil, fmt.Errorf("%q is not an ISO-8601 timestamp", x)
	}
	return nil, fmt.Errorf("expected ISO-8601 string, got %T", raw)
}

func parseGeopos(raw any) (attr.Value, error) {
	var pair []float64
	switch x := raw.(type) {
	case []float64:
		pair = x
	case []any:
		pair = make([]float64, 0, len(x))
		for i, e := range x {
			f, err := parseFloat(e)
			if err != nil {
				return nil, fmt.Errorf("coordinate %d: %v", i, err)
			}
			pair = append(pair, float64(f.(attr.Float)))
		}
	default:
		return nil, fmt.Errorf("expected [longitude, latitude], got %T", raw)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("expected [longitude, latitude], got %d values", len(pair))
	}
	return attr.Geopos{Lon: pair[0], Lat: pair[1]}, nil
}
