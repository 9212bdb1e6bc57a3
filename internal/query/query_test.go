package query

import (
	"net/url"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/registry"
	"github.com/roach88/annometa/internal/testutil"
)

func mediaScope() *registry.Scope {
	video := testutil.EntityType(1, attr.SubKindVideo, "Video")
	video.ID = 10
	image := testutil.EntityType(1, attr.SubKindImage, "Image")
	image.ID = 11
	return registry.NewScope(video, image)
}

func boxScope() *registry.Scope {
	box := testutil.EntityType(1, attr.SubKindBox, "Box")
	box.ID = 20
	return registry.NewScope(box)
}

// sampleOperand is a syntactically valid operand for an attribute of d.
var sampleOperand = map[attr.Dtype]string{
	attr.DtypeBool:     "true",
	attr.DtypeInt:      "5",
	attr.DtypeFloat:    "5.5",
	attr.DtypeEnum:     "enum_val1",
	attr.DtypeString:   "asdf",
	attr.DtypeDatetime: "2024-01-02T03:04:05Z",
	attr.DtypeGeopos:   "[0, 0]",
}

func attributeFor(d attr.Dtype) string {
	for _, def := range testutil.TestAttributes() {
		if def.Dtype == d {
			return def.Name
		}
	}
	panic("no test attribute of dtype " + string(d))
}

func filterFor(op Operator, d attr.Dtype) url.Values {
	name := attributeFor(d)
	var raw string
	switch op {
	case OpDistance:
		raw = name + "::10::0::0"
	case OpNull:
		raw = name + "::true"
	default:
		raw = name + "::" + sampleOperand[d]
	}
	return url.Values{op.Param(): {raw}}
}

func TestLegalMatrix(t *testing.T) {
	legal := map[attr.Dtype][]Operator{
		attr.DtypeBool:     {OpEq, OpNull},
		attr.DtypeInt:      {OpEq, OpGT, OpGTE, OpLT, OpLTE, OpNull},
		attr.DtypeFloat:    {OpEq, OpGT, OpGTE, OpLT, OpLTE, OpNull},
		attr.DtypeEnum:     {OpEq, OpContains, OpNull},
		attr.DtypeString:   {OpEq, OpContains, OpNull},
		attr.DtypeDatetime: {OpEq, OpGT, OpGTE, OpLT, OpLTE, OpNull},
		attr.DtypeGeopos:   {OpNull, OpDistance},
	}
	for _, d := range attr.Dtypes {
		want := map[Operator]bool{}
		for _, op := range legal[d] {
			want[op] = true
		}
		for _, op := range Operators {
			assert.Equal(t, want[op], Legal(op, d), "%s on %s", op, d)
		}
	}
}

// Every pairing outside the matrix must fail compilation with BadQuery, and
// every pairing inside it must compile.
func TestCompile_OperatorDtypePairs(t *testing.T) {
	scope := mediaScope()
	for _, d := range attr.Dtypes {
		for _, op := range Operators {
			t.Run(string(op)+"/"+string(d), func(t *testing.T) {
				_, err := CompileScoped(scope, 1, attr.KindMedia, filterFor(op, d))
				if Legal(op, d) {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.True(t, fault.BadQuery.Has(err), "got %v", err)
			})
		}
	}
}

func TestCompile_Leaves(t *testing.T) {
	scope := mediaScope()
	testCases := []struct {
		name   string
		params url.Values
		want   queryir.Predicate
	}{
		{
			name:   "int equality",
			params: url.Values{"attribute": {"Int Test::5"}},
			want:   queryir.Equals{Field: "attr.Int%20Test.int", Value: attr.Int(5)},
		},
		{
			name:   "int range with fractional bound",
			params: url.Values{"attribute_gt": {"Int Test::400.5"}},
			want:   queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpGT, Value: attr.Float(400.5)},
		},
		{
			name:   "out of bounds operand is legal",
			params: url.Values{"attribute_lte": {"Int Test::100000"}},
			want:   queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpLTE, Value: attr.Int(100000)},
		},
		{
			name:   "enum not in choices",
			params: url.Values{"attribute": {"Enum Test::nope"}},
			want:   queryir.Equals{Field: "attr.Enum%20Test.enum", Value: attr.Enum("nope")},
		},
		{
			name:   "bool case insensitive",
			params: url.Values{"attribute": {"Bool Test::TRUE"}},
			want:   queryir.Equals{Field: "attr.Bool%20Test.bool", Value: attr.Bool(true)},
		},
		{
			name:   "value keeps later separators",
			params: url.Values{"attribute": {"String Test::a::b"}},
			want:   queryir.Equals{Field: "attr.String%20Test.string", Value: attr.String("a::b")},
		},
		{
			name:   "null true",
			params: url.Values{"attribute_null": {"Float Test::true"}},
			want:   queryir.Not{Predicate: queryir.Exists{Field: "attr.Float%20Test.float"}},
		},
		{
			name:   "null false",
			params: url.Values{"attribute_null": {"Float Test::false"}},
			want:   queryir.Exists{Field: "attr.Float%20Test.float"},
		},
		{
			name:   "distance",
			params: url.Values{"attribute_distance": {"Geoposition Test::100::-89::-179"}},
			want:   queryir.Within{Field: "attr.Geoposition%20Test.geopos", RadiusKM: 100, Lat: -89, Lon: -179},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := CompileScoped(scope, 1, attr.KindMedia, tc.params)
			require.NoError(t, err)
			and, ok := plan.Filter.(queryir.And)
			require.True(t, ok, "filter %#v", plan.Filter)
			assert.Contains(t, and.Predicates, tc.want)
		})
	}
}

func TestCompile_UnknownAttribute(t *testing.T) {
	scope := mediaScope()

	plan, err := CompileScoped(scope, 1, attr.KindMedia, url.Values{"attribute_null": {"asdf::true"}})
	require.NoError(t, err)
	assert.Equal(t, kindPredicate(attr.KindMedia), plan.Filter)

	plan, err = CompileScoped(scope, 1, attr.KindMedia, url.Values{"attribute_null": {"asdf::false"}})
	require.NoError(t, err)
	assert.Equal(t, queryir.MatchNone{}, plan.Filter)

	_, err = CompileScoped(scope, 1, attr.KindMedia, url.Values{"attribute": {"asdf::1"}})
	assert.True(t, fault.BadQuery.Has(err))
}

func TestCompile_Malformed(t *testing.T) {
	scope := mediaScope()
	testCases := []struct {
		name   string
		params url.Values
	}{
		{"no separator", url.Values{"attribute": {"Int Test"}}},
		{"empty name", url.Values{"attribute": {"::5"}}},
		{"bad int", url.Values{"attribute": {"Int Test::five"}}},
		{"bad datetime", url.Values{"attribute_gt": {"Datetime Test::yesterday"}}},
		{"null operand", url.Values{"attribute_null": {"Int Test::maybe"}}},
		{"distance arity", url.Values{"attribute_distance": {"Geoposition Test::10::0"}}},
		{"distance radius", url.Values{"attribute_distance": {"Geoposition Test::-1::0::0"}}},
		{"distance latitude", url.Values{"attribute_distance": {"Geoposition Test::1::91::0"}}},
		{"distance longitude", url.Values{"attribute_distance": {"Geoposition Test::1::0::181"}}},
		{"unknown operator", url.Values{"attribute_regex": {"String Test::a.*"}}},
		{"bad media id", url.Values{"media_id": {"1,x"}}},
		{"bad section", url.Values{"section": {"abc"}}},
		{"negative start", url.Values{"start": {"-1"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompileScoped(scope, 1, attr.KindMedia, tc.params)
			require.Error(t, err)
			assert.True(t, fault.BadQuery.Has(err), "got %v", err)
		})
	}
}

func TestCompile_IgnoresUnrelatedParams(t *testing.T) {
	_, err := CompileScoped(mediaScope(), 1, attr.KindMedia, url.Values{"format": {"json"}, "presigned": {"3600"}})
	assert.NoError(t, err)
}

func TestCompile_Window(t *testing.T) {
	testCases := []struct {
		name    string
		params  url.Values
		want    queryir.Window
		wantErr string
	}{
		{name: "default", params: url.Values{}, want: queryir.Window{Start: 0, Limit: -1}},
		{name: "start only", params: url.Values{"start": {"5"}}, want: queryir.Window{Start: 5, Limit: -1}},
		{name: "start stop", params: url.Values{"start": {"1"}, "stop": {"4"}}, want: queryir.Window{Start: 1, Limit: 3}},
		{name: "at cap", params: url.Values{"stop": {"10000"}}, want: queryir.Window{Start: 0, Limit: 10000}},
		{name: "sum at cap", params: url.Values{"start": {"4000"}, "stop": {"6000"}}, want: queryir.Window{Start: 4000, Limit: 2000}},
		{name: "start over cap", params: url.Values{"start": {"10001"}}, wantErr: "after"},
		{name: "stop over cap", params: url.Values{"stop": {"10001"}}, wantErr: "after"},
		{name: "sum over cap", params: url.Values{"start": {"5000"}, "stop": {"5001"}}, wantErr: "after"},
		{name: "stop before start", params: url.Values{"start": {"4"}, "stop": {"2"}}, wantErr: "before start"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := CompileScoped(mediaScope(), 1, attr.KindMedia, tc.params)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, fault.BadQuery.Has(err))
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, plan.Window)
		})
	}
}

func TestCompile_After(t *testing.T) {
	plan, err := CompileScoped(mediaScope(), 1, attr.KindMedia, url.Values{"after": {"frame_0003.png"}})
	require.NoError(t, err)
	require.NotNil(t, plan.After)
	assert.Equal(t, "frame_0003.png", *plan.After)
}

func TestCompile_MediaIDs(t *testing.T) {
	plan, err := CompileScoped(mediaScope(), 1, attr.KindMedia, url.Values{"media_id": {"3,1", "3"}})
	require.NoError(t, err)
	and := plan.Filter.(queryir.And)
	assert.Contains(t, and.Predicates, queryir.InIDs{IDs: []string{"image_1", "image_3", "video_1", "video_3"}})

	plan, err = CompileScoped(boxScope(), 1, attr.KindLocalization, url.Values{"media_id": {"3,1"}})
	require.NoError(t, err)
	and = plan.Filter.(queryir.And)
	assert.Contains(t, and.Predicates, queryir.Member{Field: queryir.FieldMedia, Values: []attr.Value{attr.Int(1), attr.Int(3)}})
}

func TestCompile_Deterministic(t *testing.T) {
	a := url.Values{
		"attribute":    {"Int Test::5", "Bool Test::true"},
		"attribute_lt": {"Float Test::3"},
		"name":         {"x.png"},
		"section":      {"4"},
	}
	b := url.Values{
		"section":      {"4"},
		"name":         {"x.png"},
		"attribute_lt": {"Float Test::3"},
		"attribute":    {"Bool Test::true", "Int Test::5"},
	}
	pa, err := CompileScoped(mediaScope(), 1, attr.KindMedia, a)
	require.NoError(t, err)
	pb, err := CompileScoped(mediaScope(), 1, attr.KindMedia, b)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	ja, err := queryir.MarshalPlan(pa)
	require.NoError(t, err)
	jb, err := queryir.MarshalPlan(pb)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestCompiler_Compile(t *testing.T) {
	video := testutil.EntityType(1, attr.SubKindVideo, "Video")
	video.ID = 10
	image := attr.EntityType{ID: 11, Project: 1, Kind: attr.KindMedia, SubKind: attr.SubKindImage, Name: "Image",
		Attributes: []attr.Definition{{Name: "Int Test", Dtype: attr.DtypeString}}}
	c := NewCompiler(registry.New(video, image))

	// Ambiguous across the project's media types.
	_, err := c.Compile(1, attr.KindMedia, url.Values{"attribute": {"Int Test::5"}})
	assert.True(t, fault.BadQuery.Has(err))

	// Narrowed by type.
	plan, err := c.Compile(1, attr.KindMedia, url.Values{"type": {"10"}, "attribute_gt": {"Int Test::5"}})
	require.NoError(t, err)
	and := plan.Filter.(queryir.And)
	assert.Contains(t, and.Predicates, queryir.Equals{Field: queryir.FieldType, Value: attr.Int(10)})
	assert.Contains(t, and.Predicates, queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpGT, Value: attr.Int(5)})

	_, err = c.Compile(1, attr.KindLocalization, url.Values{"type": {"10"}})
	assert.True(t, fault.BadQuery.Has(err))
}

func TestCompile_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	testCases := []struct {
		name   string
		scope  *registry.Scope
		kind   attr.Kind
		params url.Values
	}{
		{
			name:  "media_range",
			scope: mediaScope(),
			kind:  attr.KindMedia,
			params: url.Values{
				"attribute_gt": {"Int Test::400"},
				"stop":         {"2"},
			},
		},
		{
			name:  "localization_media_after",
			scope: boxScope(),
			kind:  attr.KindLocalization,
			params: url.Values{
				"media_id":           {"3,1"},
				"attribute_null":     {"Nope::true"},
				"attribute_contains": {"String Test::asd"},
				"after":              {"Box A"},
			},
		},
		{
			name:  "media_geo_window",
			scope: mediaScope(),
			kind:  attr.KindMedia,
			params: url.Values{
				"type":               {"10"},
				"media_id":           {"2"},
				"attribute_distance": {"Geoposition Test::100::-89::-179"},
				"attribute_null":     {"Float Test::false"},
				"start":              {"5"},
				"stop":               {"15"},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := CompileScoped(tc.scope, 1, tc.kind, tc.params)
			require.NoError(t, err)
			data, err := queryir.MarshalPlan(plan)
			require.NoError(t, err)
			g.Assert(t, tc.name, append(data, '\n'))
		})
	}
}
