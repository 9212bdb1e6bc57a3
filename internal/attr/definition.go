package attr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Definition describes one attribute of an entity type.
type Definition struct {
	Name       string   `json:"name"`
	Dtype      Dtype    `json:"dtype"`
	Required   bool     `json:"required,omitempty"`
	Default    Value    `json:"default,omitempty"`
	Minimum    *float64 `json:"minimum,omitempty"`
	Maximum    *float64 `json:"maximum,omitempty"`
	Choices    []string `json:"choices,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	UseCurrent bool     `json:"use_current,omitempty"`
	Style      string   `json:"style,omitempty"`
	Order      int      `json:"order,omitempty"`
}

// Field is the search-document field holding this attribute.
func (d Definition) Field() string {
	return FieldName(d.Name, d.Dtype)
}

// HasChoice reports whether s is one of the enum choices.
func (d Definition) HasChoice(s string) bool {
	for _, c := range d.Choices {
		if c == s {
			return true
		}
	}
	return false
}

// Check verifies the definition is internally consistent: known dtype,
// minimum <= maximum, non-empty enum choices, and a default that satisfies
// the definition's own constraints.
func (d Definition) Check() error {
	if d.Name == "" {
		return fmt.Errorf("attribute name is empty")
	}
	if !d.Dtype.Valid() {
		return fmt.Errorf("attribute %q: unknown dtype %q", d.Name, d.Dtype)
	}
	if (d.Minimum != nil || d.Maximum != nil) && !d.Dtype.Numeric() {
		return fmt.Errorf("attribute %q: minimum/maximum only apply to int and float", d.Name)
	}
	if d.Minimum != nil && d.Maximum != nil && *d.Minimum > *d.Maximum {
		return fmt.Errorf("attribute %q: minimum %v exceeds maximum %v", d.Name, *d.Minimum, *d.Maximum)
	}
	if d.Dtype == DtypeEnum {
		if len(d.Choices) == 0 {
			return fmt.Errorf("attribute %q: enum requires choices", d.Name)
		}
		seen := make(map[string]bool, len(d.Choices))
		for _, c := range d.Choices {
			if seen[c] {
				return fmt.Errorf("attribute %q: duplicate choice %q", d.Name, c)
			}
			seen[c] = true
		}
		if len(d.Labels) > 0 && len(d.Labels) != len(d.Choices) {
			return fmt.Errorf("attribute %q: %d labels for %d choices", d.Name, len(d.Labels), len(d.Choices))
		}
	} else if len(d.Choices) > 0 {
		return fmt.Errorf("attribute %q: choices only apply to enum", d.Name)
	}
	if d.UseCurrent && d.Dtype != DtypeDatetime {
		return fmt.Errorf("attribute %q: use_current only applies to datetime", d.Name)
	}
	if d.Default != nil {
		if err := d.Admits(d.Default); err != nil {
			return fmt.Errorf("attribute %q: default: %w", d.Name, err)
		}
	}
	return nil
}

// Admits checks an already-typed value against the definition's constraints.
func (d Definition) Admits(v Value) error {
	if v.Dtype() != d.Dtype {
		return fmt.Errorf("expected %s, got %s", d.Dtype, v.Dtype())
	}
	switch x := v.(type) {
	case Int:
		return d.checkRange(float64(x))
	case Float:
		return d.checkRange(float64(x))
	case Enum:
		if !d.HasChoice(string(x)) {
			return fmt.Errorf("%q is not one of %v", string(x), d.Choices)
		}
	case Geopos:
		if !x.InRange() {
			return fmt.Errorf("[%v, %v] is not a valid [longitude, latitude]", x.Lon, x.Lat)
		}
	}
	return nil
}

func (d Definition) checkRange(f float64) error {
	if d.Minimum != nil && f < *d.Minimum {
		return fmt.Errorf("%v is below minimum %v", f, *d.Minimum)
	}
	if d.Maximum != nil && f > *d.Maximum {
		return fmt.Errorf("%v is above maximum %v", f, *d.Maximum)
	}
	return nil
}

// EntityType is a versioned, project-scoped attribute schema.
type EntityType struct {
	ID          int64        `json:"id"`
	Project     int64        `json:"project"`
	Kind        Kind         `json:"kind"`
	SubKind     SubKind      `json:"sub_kind"`
	Name        string       `json:"name"`
	Version     int64        `json:"version"`
	Attributes  []Definition `json:"attributes"`
	ContentHash string       `json:"content_hash"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Lookup returns the definition named name.
func (t EntityType) Lookup(name string) (Definition, bool) {
	for _, d := range t.Attributes {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Check verifies every definition and that names are unique.
func (t EntityType) Check() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("entity type %q: unknown kind %q", t.Name, t.Kind)
	}
	if k, ok := t.SubKind.Kind(); !ok || k != t.Kind {
		return fmt.Errorf("entity type %q: sub-kind %q does not belong to %s", t.Name, t.SubKind, t.Kind)
	}
	seen := make(map[string]bool, len(t.Attributes))
	for _, d := range t.Attributes {
		if err := d.Check(); err != nil {
			return fmt.Errorf("entity type %q: %w", t.Name, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("entity type %q: duplicate attribute %q", t.Name, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// WithAttribute returns a copy of t whose definition named old is replaced by
// def, keeping its position.
func (t EntityType) WithAttribute(old string, def Definition) (EntityType, error) {
	out := t
	out.Attributes = make([]Definition, len(t.Attributes))
	copy(out.Attributes, t.Attributes)
	found := false
	for i, d := range out.Attributes {
		if d.Name == old {
			out.Attributes[i] = def
			found = true
			continue
		}
		if d.Name == def.Name {
			return EntityType{}, fmt.Errorf("attribute %q already exists", def.Name)
		}
	}
	if !found {
		return EntityType{}, fmt.Errorf("attribute %q not found", old)
	}
	return out, nil
}

// Float64 is a helper for optional numeric bounds.
func Float64(f float64) *float64 { return &f }

type definitionJSON struct {
	Name       string   `json:"name"`
	Dtype      Dtype    `json:"dtype"`
	Required   bool     `json:"required,omitempty"`
	Default    any      `json:"default,omitempty"`
	Minimum    *float64 `json:"minimum,omitempty"`
	Maximum    *float64 `json:"maximum,omitempty"`
	Choices    []string `json:"choices,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	UseCurrent bool     `json:"use_current,omitempty"`
	Style      string   `json:"style,omitempty"`
	Order      int      `json:"order,omitempty"`
}

// MarshalJSON writes the default in its native form.
func (d Definition) MarshalJSON() ([]byte, error) {
	out := definitionJSON{
		Name: d.Name, Dtype: d.Dtype, Required: d.Required,
		Minimum: d.Minimum, Maximum: d.Maximum,
		Choices: d.Choices, Labels: d.Labels,
		UseCurrent: d.UseCurrent, Style: d.Style, Order: d.Order,
	}
	if d.Default != nil {
		out.Default = d.Default.Native()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the default through its dtype.
func (d *Definition) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var in definitionJSON
	if err := dec.Decode(&in); err != nil {
		return err
	}
	*d = Definition{
		Name: in.Name, Dtype: in.Dtype, Required: in.Required,
		Minimum: in.Minimum, Maximum: in.Maximum,
		Choices: in.Choices, Labels: in.Labels,
		UseCurrent: in.UseCurrent, Style: in.Style, Order: in.Order,
	}
	if in.Default != nil {
		v, err := FromNative(in.Dtype, in.Default)
		if err != nil {
			return fmt.Errorf("attribute %q default: %w", in.Name, err)
		}
		d.Default = v
	}
	return nil
}
