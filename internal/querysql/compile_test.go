package querysql

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/queryir"
)

var mediaKinds = queryir.Or{Predicates: []queryir.Predicate{
	queryir.Equals{Field: queryir.FieldSubKind, Value: attr.String("image")},
	queryir.Equals{Field: queryir.FieldSubKind, Value: attr.String("video")},
}}

func TestCompile_GoldenSQL(t *testing.T) {
	compiler := NewSQLCompiler()

	plan := queryir.Plan{
		Project: 1,
		Filter: queryir.And{Predicates: []queryir.Predicate{
			mediaKinds,
			queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpGT, Value: attr.Int(400)},
		}},
		Sort:   queryir.DefaultSort,
		Window: queryir.Window{Start: 0, Limit: 2},
	}

	q, err := compiler.Select(plan)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM documents WHERE project = ? AND ((json_extract(body, ?) = ? OR json_extract(body, ?) = ?) AND json_extract(body, ?) > ?) ORDER BY name COLLATE BINARY ASC, entity_id ASC LIMIT ? OFFSET ?",
		q.SQL)
	assert.Equal(t, []any{
		int64(1), `$."_dtype"`, "image", `$."_dtype"`, "video", `$."attr.Int%20Test.int"`, int64(400), 2, 0,
	}, q.Args)

	agg, err := compiler.Aggregate(queryir.Plan{Project: 1, Filter: mediaKinds}, Aggregation{
		GroupBy: []string{queryir.FieldSection, queryir.FieldSubKind},
		Sum:     []string{queryir.FieldDownloadSize, queryir.FieldTotalSize},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT json_extract(body, ?) AS g0, json_extract(body, ?) AS g1, COUNT(*), COALESCE(SUM(json_extract(body, ?)), 0), COALESCE(SUM(json_extract(body, ?)), 0) FROM documents WHERE project = ? AND (json_extract(body, ?) = ? OR json_extract(body, ?) = ?) GROUP BY g0, g1 ORDER BY g0 ASC, g1 ASC",
		agg.SQL)
	assert.Equal(t, []any{
		`$."_section"`, `$."_dtype"`, `$."_download_size"`, `$."_total_size"`,
		int64(1), `$."_dtype"`, "image", `$."_dtype"`, "video",
	}, agg.Args)
}

func TestCompile_NoStringInterpolation(t *testing.T) {
	dangerous := "'; DROP TABLE documents; --"
	after := dangerous
	q, err := NewSQLCompiler().Select(queryir.Plan{
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Equals{Field: "attr.s.string", Value: attr.String(dangerous)},
			queryir.Contains{Field: "attr.s.string", Substring: dangerous},
			queryir.InIDs{IDs: []string{dangerous}},
		}},
		After:  &after,
		Window: queryir.Unbounded,
	})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, dangerous)
	assert.Contains(t, q.Args, dangerous)
}

func TestCompile_Predicates(t *testing.T) {
	testCases := []struct {
		name     string
		pred     queryir.Predicate
		wantSQL  string
		wantArgs []any
	}{
		{"match all", queryir.MatchAll{}, "1 = 1", nil},
		{"match none", queryir.MatchNone{}, "1 = 0", nil},
		{"empty and", queryir.And{}, "1 = 1", nil},
		{"empty or", queryir.Or{}, "1 = 0", nil},
		{
			"bool equality",
			queryir.Equals{Field: "attr.b.bool", Value: attr.Bool(true)},
			"json_extract(body, ?) = ?", []any{`$."attr.b.bool"`, int64(1)},
		},
		{
			"datetime range",
			queryir.Range{Field: "attr.d.datetime", Op: queryir.OpLTE, Value: attr.NewDatetime(mustTime(t, "2024-01-02T03:04:05Z"))},
			"json_extract(body, ?) <= ?", []any{`$."attr.d.datetime"`, "2024-01-02T03:04:05.000000Z"},
		},
		{
			"not exists",
			queryir.Not{Predicate: queryir.Exists{Field: "attr.f.float"}},
			"NOT (json_type(body, ?) IS NOT NULL)", []any{`$."attr.f.float"`},
		},
		{
			"within",
			queryir.Within{Field: "attr.g.geopos", RadiusKM: 5, Lat: 1, Lon: 2},
			"geo_distance_km(json_extract(body, ?), ?, ?) <= ?", []any{`$."attr.g.geopos"`, 1.0, 2.0, 5.0},
		},
		{
			"ids",
			queryir.InIDs{IDs: []string{"image_1", "video_1"}},
			"id IN (?, ?)", []any{"image_1", "video_1"},
		},
		{
			"member",
			queryir.Member{Field: queryir.FieldMedia, Values: []attr.Value{attr.Int(4)}},
			"EXISTS (SELECT 1 FROM json_each(body, ?) WHERE value IN (?))", []any{`$."_media"`, int64(4)},
		},
	}
	c := NewSQLCompiler()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, args, err := c.compilePredicate(tc.pred)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSQL, got)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	c := NewSQLCompiler()
	testCases := []struct {
		name string
		pred queryir.Predicate
	}{
		{"quote in field", queryir.Equals{Field: `attr."x`, Value: attr.Int(1)}},
		{"geopos equality", queryir.Equals{Field: "attr.g.geopos", Value: attr.Geopos{}}},
		{"unknown range op", queryir.Range{Field: "attr.i.int", Op: "between", Value: attr.Int(1)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.compilePredicate(tc.pred)
			assert.Error(t, err)
		})
	}

	_, err := c.Select(queryir.Plan{Filter: queryir.MatchAll{}, Sort: []queryir.SortKey{{Field: "attr.x.int"}}})
	assert.Error(t, err)
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(10, 20, 10, 20), 1e-9)
	// One degree of latitude.
	assert.InDelta(t, 111.2, Haversine(0, 0, 1, 0), 0.1)
}

func TestContainsFold(t *testing.T) {
	assert.True(t, ContainsFold("Hello World", "WORLD"))
	assert.True(t, ContainsFold("L'ÉCOLE", "école"))
	assert.False(t, ContainsFold("Hello", "help"))
	assert.True(t, ContainsFold("anything", ""))
}

var registerOnce sync.Once

const testDriver = "sqlite3_querysql_test"

func openDocuments(t *testing.T) *sql.DB {
	t.Helper()
	registerOnce.Do(func() {
		sql.Register(testDriver, &sqlite3.SQLiteDriver{ConnectHook: RegisterFunctions})
	})
	db, err := sql.Open(testDriver, filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE documents (
		id TEXT PRIMARY KEY,
		project INTEGER NOT NULL,
		entity_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		body TEXT NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func insertDoc(t *testing.T, db *sql.DB, sub string, id int64, name, body string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO documents (id, project, entity_id, name, body) VALUES (?, 1, ?, ?, ?)`,
		fmt.Sprintf("%s_%d", sub, id), id, name, body)
	require.NoError(t, err)
}

func selectIDs(t *testing.T, db *sql.DB, plan queryir.Plan) []string {
	t.Helper()
	if plan.Sort == nil {
		plan.Sort = queryir.DefaultSort
	}
	q, err := NewSQLCompiler().Select(plan)
	require.NoError(t, err)
	rows, err := db.Query(q.SQL, q.Args...)
	require.NoError(t, err)
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

func seedMedia(t *testing.T, db *sql.DB) {
	insertDoc(t, db, "image", 1, "a.png",
		`{"_dtype":"image","_section":7,"_download_size":10,"_total_size":15,"attr.Int%20Test.int":500,"attr.String%20Test.string":"Hello World","attr.Geoposition%20Test.geopos":[-179,-89]}`)
	insertDoc(t, db, "video", 2, "b.mp4",
		`{"_dtype":"video","_section":7,"_download_size":100,"_total_size":150,"attr.Int%20Test.int":300,"attr.Bool%20Test.bool":true,"attr.Geoposition%20Test.geopos":[0,0]}`)
	insertDoc(t, db, "image", 3, "c.png",
		`{"_dtype":"image","_section":8,"_download_size":1,"_total_size":2,"attr.Int%20Test.int":401}`)
	insertDoc(t, db, "box", 4, "box",
		`{"_dtype":"box","_media":[1,3]}`)
	insertDoc(t, db, "video", 5, "b.mp4", `{"_dtype":"video"}`)
}

func TestExecute_Filters(t *testing.T) {
	db := openDocuments(t)
	seedMedia(t, db)

	testCases := []struct {
		name   string
		filter queryir.Predicate
		want   []string
	}{
		{
			name:   "range",
			filter: queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpGT, Value: attr.Int(400)},
			want:   []string{"image_1", "image_3"},
		},
		{
			name:   "range excludes",
			filter: queryir.Range{Field: "attr.Int%20Test.int", Op: queryir.OpLT, Value: attr.Int(400)},
			want:   []string{"video_2"},
		},
		{
			name:   "contains case insensitive",
			filter: queryir.Contains{Field: "attr.String%20Test.string", Substring: "WORLD"},
			want:   []string{"image_1"},
		},
		{
			name:   "bool",
			filter: queryir.Equals{Field: "attr.Bool%20Test.bool", Value: attr.Bool(true)},
			want:   []string{"video_2"},
		},
		{
			name:   "missing",
			filter: queryir.And{Predicates: []queryir.Predicate{mediaKinds, queryir.Not{Predicate: queryir.Exists{Field: "attr.Int%20Test.int"}}}},
			want:   []string{"video_5"},
		},
		{
			name:   "within",
			filter: queryir.Within{Field: "attr.Geoposition%20Test.geopos", RadiusKM: 1, Lat: -89, Lon: -179},
			want:   []string{"image_1"},
		},
		{
			name:   "member",
			filter: queryir.Member{Field: queryir.FieldMedia, Values: []attr.Value{attr.Int(3)}},
			want:   []string{"box_4"},
		},
		{
			name:   "ids",
			filter: queryir.InIDs{IDs: []string{"video_5", "image_3"}},
			want:   []string{"image_3", "video_5"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := selectIDs(t, db, queryir.Plan{Project: 1, Filter: tc.filter, Window: queryir.Unbounded})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExecute_OrderAndWindows(t *testing.T) {
	db := openDocuments(t)
	seedMedia(t, db)
	base := queryir.Plan{Project: 1, Filter: mediaKinds}

	// Name ascending, ties by entity id.
	all := selectIDs(t, db, base.WithWindow(queryir.Unbounded))
	assert.Equal(t, []string{"image_1", "video_2", "video_5", "image_3"}, all)

	a := selectIDs(t, db, base.WithWindow(queryir.Window{Start: 0, Limit: 2}))
	b := selectIDs(t, db, base.WithWindow(queryir.Window{Start: 1, Limit: 3}))
	require.Len(t, a, 2)
	require.Len(t, b, 3)
	assert.Equal(t, a[1], b[0])

	after := "a.png"
	cursor := base.WithWindow(queryir.Window{Start: 0, Limit: 2})
	cursor.After = &after
	assert.Equal(t, []string{"video_2", "video_5"}, selectIDs(t, db, cursor))
}

func TestExecute_CountDeleteAggregate(t *testing.T) {
	db := openDocuments(t)
	seedMedia(t, db)
	c := NewSQLCompiler()
	plan := queryir.Plan{Project: 1, Filter: mediaKinds, Window: queryir.Window{Start: 0, Limit: 1}}

	q, err := c.Count(plan)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(q.SQL, q.Args...).Scan(&n))
	assert.Equal(t, 4, n)

	q, err = c.Aggregate(plan, Aggregation{
		GroupBy: []string{queryir.FieldSection, queryir.FieldSubKind},
		Sum:     []string{queryir.FieldDownloadSize},
	})
	require.NoError(t, err)
	rows, err := db.Query(q.SQL, q.Args...)
	require.NoError(t, err)
	type bucket struct {
		section sql.NullInt64
		sub     string
		count   int64
		size    int64
	}
	var got []bucket
	for rows.Next() {
		var b bucket
		require.NoError(t, rows.Scan(&b.section, &b.sub, &b.count, &b.size))
		got = append(got, b)
	}
	require.NoError(t, rows.Close())
	require.Len(t, got, 4)
	// NULL section sorts first.
	assert.False(t, got[0].section.Valid)
	assert.Equal(t, bucket{sql.NullInt64{Int64: 7, Valid: true}, "image", 1, 10}, got[1])
	assert.Equal(t, bucket{sql.NullInt64{Int64: 7, Valid: true}, "video", 1, 100}, got[2])
	assert.Equal(t, bucket{sql.NullInt64{Int64: 8, Valid: true}, "image", 1, 1}, got[3])

	q, err = c.Delete(1, queryir.Equals{Field: queryir.FieldSubKind, Value: attr.String("video")})
	require.NoError(t, err)
	res, err := db.Exec(q.SQL, q.Args...)
	require.NoError(t, err)
	deleted, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
