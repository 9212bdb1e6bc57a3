package validate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/testutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func defsByName() map[string]attr.Definition {
	out := map[string]attr.Definition{}
	for _, d := range testutil.TestAttributes() {
		out[d.Name] = d
	}
	return out
}

func TestValidate_AcceptsAndRejects(t *testing.T) {
	defs := defsByName()
	v := New(nil)

	testCases := []struct {
		name  string
		attr  string
		raw   any
		want  attr.Value
		valid bool
	}{
		{"bool true", "Bool Test", true, attr.Bool(true), true},
		{"bool string upper", "Bool Test", "TRUE", attr.Bool(true), true},
		{"bool string mixed", "Bool Test", "False", attr.Bool(false), true},
		{"bool garbage", "Bool Test", "asdf", nil, false},
		{"bool number", "Bool Test", 1, nil, false},

		{"int in range", "Int Test", 500, attr.Int(500), true},
		{"int at minimum", "Int Test", -10000, attr.Int(-10000), true},
		{"int at maximum", "Int Test", json.Number("10000"), attr.Int(10000), true},
		{"int above maximum", "Int Test", 100000, nil, false},
		{"int below minimum", "Int Test", -10001, nil, false},
		{"int numeric string", "Int Test", "12", attr.Int(12), true},
		{"int integral float", "Int Test", 7.0, attr.Int(7), true},
		{"int fractional", "Int Test", 7.5, nil, false},
		{"int word", "Int Test", "seven", nil, false},

		{"float in range", "Float Test", 1.25, attr.Float(1.25), true},
		{"float from int", "Float Test", 3, attr.Float(3), true},
		{"float above maximum", "Float Test", 10000.5, nil, false},
		{"float word", "Float Test", "x", nil, false},

		{"enum choice", "Enum Test", "enum_val2", attr.Enum("enum_val2"), true},
		{"enum wrong case", "Enum Test", "ENUM_VAL2", nil, false},
		{"enum not a choice", "Enum Test", "enum_val4", nil, false},
		{"enum number", "Enum Test", 1, nil, false},

		{"string text", "String Test", "hello", attr.String("hello"), true},
		{"string from number", "String Test", 12.5, attr.String("12.5"), true},
		{"string from bool", "String Test", true, attr.String("true"), true},

		{"datetime rfc3339", "Datetime Test", "2020-01-02T03:04:05Z",
			attr.NewDatetime(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)), true},
		{"datetime offset", "Datetime Test", "2020-01-02T05:04:05+02:00",
			attr.NewDatetime(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)), true},
		{"datetime naive", "Datetime Test", "2020-01-02T03:04:05.5",
			attr.NewDatetime(time.Date(2020, 1, 2, 3, 4, 5, 500000000, time.UTC)), true},
		{"datetime date", "Datetime Test", "2020-01-02",
			attr.NewDatetime(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)), true},
		{"datetime garbage", "Datetime Test", "yesterday", nil, false},

		{"geopos valid", "Geoposition Test", []any{-179.5, 89.0}, attr.Geopos{Lon: -179.5, Lat: 89}, true},
		{"geopos lat too small", "Geoposition Test", []any{0.0, -91.0}, nil, false},
		{"geopos lon too small", "Geoposition Test", []any{-181.0, 0.0}, nil, false},
		{"geopos wrong arity", "Geoposition Test", []any{1.0}, nil, false},
		{"geopos not a list", "Geoposition Test", "1,2", nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(defs[tc.attr], tc.raw)
			if !tc.valid {
				require.Error(t, err)
				assert.True(t, fault.Validation.Has(err), "want validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, attr.Equal(tc.want, got), "want %#v got %#v", tc.want, got)
		})
	}
}

func TestValidate_Idempotent(t *testing.T) {
	defs := defsByName()
	v := New(nil)
	inputs := map[string]any{
		"Bool Test":        "true",
		"Int Test":         "-3",
		"Float Test":       json.Number("2.75"),
		"Enum Test":        "enum_val3",
		"String Test":      123,
		"Datetime Test":    "2021-06-07T08:09:10.123456789+01:00",
		"Geoposition Test": []any{json.Number("12.5"), json.Number("-45")},
	}
	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			once, err := v.Validate(defs[name], raw)
			require.NoError(t, err)
			twice, err := v.Validate(defs[name], once)
			require.NoError(t, err)
			assert.True(t, attr.Equal(once, twice))

			thrice, err := v.Validate(defs[name], once.Native())
			require.NoError(t, err)
			assert.True(t, attr.Equal(once, thrice))
		})
	}
}

func TestFillDefaults_Required(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	v := New(clock.Now)

	got, err := v.FillDefaults(testutil.RequiredTestAttributes(), map[string]any{
		"Int Test": 7,
	})
	require.NoError(t, err)

	assert.Equal(t, attr.Int(7), got["Int Test"])
	assert.Equal(t, attr.Bool(false), got["Bool Test"])
	assert.Equal(t, attr.Float(42), got["Float Test"])
	assert.Equal(t, attr.Enum("enum_val1"), got["Enum Test"])
	assert.Equal(t, attr.String("asdf_default"), got["String Test"])
	assert.Equal(t, attr.Geopos{Lon: -179, Lat: -89}, got["Geoposition Test"])
	assert.Equal(t, attr.NewDatetime(epoch), got["Datetime Test"])
}

func TestFillDefaults_OptionalOmitted(t *testing.T) {
	v := New(nil)
	got, err := v.FillDefaults(testutil.TestAttributes(), map[string]any{"Enum Test": "enum_val2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, attr.Enum("enum_val2"), got["Enum Test"])
	assert.NotContains(t, got, "Datetime Test", "optional use_current datetimes are not filled")
}

func TestFillDefaults_MissingRequired(t *testing.T) {
	v := New(nil)
	defs := []attr.Definition{{Name: "Needed", Dtype: attr.DtypeString, Required: true}}

	_, err := v.FillDefaults(defs, map[string]any{})
	require.Error(t, err)
	assert.True(t, fault.MissingField.Has(err))
}

func TestFillDefaults_UnknownKey(t *testing.T) {
	v := New(nil)
	_, err := v.FillDefaults(testutil.TestAttributes(), map[string]any{"Nope": 1})
	require.Error(t, err)
	assert.True(t, fault.Validation.Has(err))
}

func TestFillDefaults_UseCurrentIsFreshPerCall(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	clock.SetStep(time.Second)
	v := New(clock.Now)
	defs := []attr.Definition{{Name: "When", Dtype: attr.DtypeDatetime, Required: true, UseCurrent: true}}

	first, err := v.FillDefaults(defs, nil)
	require.NoError(t, err)
	second, err := v.FillDefaults(defs, nil)
	require.NoError(t, err)

	assert.False(t, attr.Equal(first["When"], second["When"]))
}

func TestPatch_OnlySuppliedKeys(t *testing.T) {
	v := New(nil)
	got, err := v.Patch(testutil.RequiredTestAttributes(), map[string]any{"Int Test": 500})
	require.NoError(t, err)
	assert.Equal(t, attr.Map{"Int Test": attr.Int(500)}, got)

	_, err = v.Patch(testutil.TestAttributes(), map[string]any{"Int Test": 100000})
	require.Error(t, err)
	assert.True(t, fault.Validation.Has(err))

	_, err = v.Patch(testutil.TestAttributes(), map[string]any{"Int Test": nil})
	require.Error(t, err)
}
