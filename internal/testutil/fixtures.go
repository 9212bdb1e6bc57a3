package testutil

import "github.com/roach88/annometa/internal/attr"

// TestAttributes returns one attribute of every dtype, with the defaults and
// bounds the integration tests rely on.
func TestAttributes() []attr.Definition {
	return []attr.Definition{
		{Name: "Bool Test", Dtype: attr.DtypeBool, Default: attr.Bool(false)},
		{
			Name: "Int Test", Dtype: attr.DtypeInt, Default: attr.Int(42),
			Minimum: attr.Float64(-10000), Maximum: attr.Float64(10000),
		},
		{
			Name: "Float Test", Dtype: attr.DtypeFloat, Default: attr.Float(42.0),
			Minimum: attr.Float64(-10000.0), Maximum: attr.Float64(10000.0),
		},
		{
			Name: "Enum Test", Dtype: attr.DtypeEnum, Default: attr.Enum("enum_val1"),
			Choices: []string{"enum_val1", "enum_val2", "enum_val3"},
		},
		{Name: "String Test", Dtype: attr.DtypeString, Default: attr.String("asdf_default"), Style: "long_string"},
		{Name: "Datetime Test", Dtype: attr.DtypeDatetime, UseCurrent: true},
		{Name: "Geoposition Test", Dtype: attr.DtypeGeopos, Default: attr.Geopos{Lon: -179.0, Lat: -89.0}},
	}
}

// RequiredTestAttributes is TestAttributes with every definition required.
func RequiredTestAttributes() []attr.Definition {
	defs := TestAttributes()
	for i := range defs {
		defs[i].Required = true
	}
	return defs
}

// EntityType builds an unsaved entity type over the test attributes.
func EntityType(project int64, sub attr.SubKind, name string) attr.EntityType {
	kind, _ := sub.Kind()
	return attr.EntityType{
		Project:    project,
		Kind:       kind,
		SubKind:    sub,
		Name:       name,
		Attributes: TestAttributes(),
	}
}
