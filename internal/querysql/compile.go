// Package querysql compiles queryir plans to parameterized SQLite over the
// search document table.
//
// Documents live in a single table:
//
//	documents(id TEXT PRIMARY KEY, project INTEGER, entity_id INTEGER,
//	          name TEXT, body TEXT)
//
// body is a JSON object keyed by search field name. Field paths and values
// are always bound as parameters, never interpolated.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/queryir"
)

// Table is the document table name.
const Table = "documents"

// Query is a compiled statement with its arguments.
type Query struct {
	SQL  string
	Args []any
}

// SQLCompiler compiles plans to SQLite.
//
// Every SELECT includes ORDER BY name COLLATE BINARY then entity_id, so a
// window over the same filter is stable.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Select returns the ids of the plan's window.
func (c *SQLCompiler) Select(p queryir.Plan) (Query, error) {
	where, args, err := c.where(p.Project, p.Filter, p.After)
	if err != nil {
		return Query{}, err
	}
	order, err := c.orderBy(p.Sort)
	if err != nil {
		return Query{}, err
	}
	limit := p.Window.Limit
	if limit < 0 {
		limit = -1
	}
	args = append(args, limit, p.Window.Start)
	sql := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?", Table, where, order)
	return Query{SQL: sql, Args: args}, nil
}

// Count returns the number of documents the plan's filter matches, ignoring
// its window.
func (c *SQLCompiler) Count(p queryir.Plan) (Query, error) {
	where, args, err := c.where(p.Project, p.Filter, p.After)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", Table, where), Args: args}, nil
}

// Delete removes every document of project matching filter.
func (c *SQLCompiler) Delete(project int64, filter queryir.Predicate) (Query, error) {
	where, args, err := c.where(project, filter, nil)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: fmt.Sprintf("DELETE FROM %s WHERE %s", Table, where), Args: args}, nil
}

// Aggregation groups matching documents by GroupBy fields and reports a
// count plus the sum of each Sum field per bucket.
type Aggregation struct {
	GroupBy []string
	Sum     []string
}

// Aggregate compiles an aggregation over the plan's filter. Result columns
// are the group values in order, the count, then the sums in order. Buckets
// are ordered by their group values.
func (c *SQLCompiler) Aggregate(p queryir.Plan, agg Aggregation) (Query, error) {
	if len(agg.GroupBy) == 0 {
		return Query{}, fmt.Errorf("aggregation needs at least one group field")
	}
	var (
		cols   []string
		groups []string
		args   []any
	)
	for i, f := range agg.GroupBy {
		path, err := FieldPath(f)
		if err != nil {
			return Query{}, err
		}
		alias := fmt.Sprintf("g%d", i)
		cols = append(cols, "json_extract(body, ?) AS "+alias)
		groups = append(groups, alias)
		args = append(args, path)
	}
	cols = append(cols, "COUNT(*)")
	for _, f := range agg.Sum {
		path, err := FieldPath(f)
		if err != nil {
			return Query{}, err
		}
		cols = append(cols, "COALESCE(SUM(json_extract(body, ?)), 0)")
		args = append(args, path)
	}

	where, whereArgs, err := c.where(p.Project, p.Filter, p.After)
	if err != nil {
		return Query{}, err
	}
	args = append(args, whereArgs...)

	order := make([]string, len(groups))
	for i, g := range groups {
		order[i] = g + " ASC"
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s GROUP BY %s ORDER BY %s",
		strings.Join(cols, ", "), Table, where, strings.Join(groups, ", "), strings.Join(order, ", "))
	return Query{SQL: sql, Args: args}, nil
}

func (c *SQLCompiler) where(project int64, filter queryir.Predicate, after *string) (string, []any, error) {
	filterSQL, args, err := c.compilePredicate(filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	where := "project = ? AND " + filterSQL
	args = append([]any{project}, args...)
	if after != nil {
		where += " AND name > ?"
		args = append(args, *after)
	}
	return where, args, nil
}

// orderBy maps sort keys to columns. Text keys use COLLATE BINARY for
// byte-order comparison independent of locale.
func (c *SQLCompiler) orderBy(keys []queryir.SortKey) (string, error) {
	if len(keys) == 0 {
		keys = queryir.DefaultSort
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var col string
		switch k.Field {
		case queryir.FieldName:
			col = "name COLLATE BINARY"
		case "_id":
			col = "entity_id"
		default:
			return "", fmt.Errorf("unsupported sort field %q", k.Field)
		}
		if k.Descending {
			col += " DESC"
		} else {
			col += " ASC"
		}
		parts = append(parts, col)
	}
	return strings.Join(parts, ", "), nil
}

// compilePredicate compiles a predicate to a parenthesised WHERE fragment.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil, queryir.MatchAll:
		return "1 = 1", nil, nil
	case queryir.MatchNone:
		return "1 = 0", nil, nil
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case *queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case *queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case queryir.Not:
		inner, args, err := c.compilePredicate(pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	case *queryir.Not:
		return c.compilePredicate(*pred)
	case queryir.Equals:
		return c.compileComparison(pred.Field, "=", pred.Value)
	case queryir.Range:
		op, ok := rangeOps[pred.Op]
		if !ok {
			return "", nil, fmt.Errorf("unknown range operator %q", pred.Op)
		}
		return c.compileComparison(pred.Field, op, pred.Value)
	case queryir.Contains:
		path, err := FieldPath(pred.Field)
		if err != nil {
			return "", nil, err
		}
		return "icontains(json_extract(body, ?), ?)", []any{path, pred.Substring}, nil
	case queryir.Exists:
		path, err := FieldPath(pred.Field)
		if err != nil {
			return "", nil, err
		}
		return "json_type(body, ?) IS NOT NULL", []any{path}, nil
	case queryir.Within:
		path, err := FieldPath(pred.Field)
		if err != nil {
			return "", nil, err
		}
		return "geo_distance_km(json_extract(body, ?), ?, ?) <= ?",
			[]any{path, pred.Lat, pred.Lon, pred.RadiusKM}, nil
	case queryir.InIDs:
		return compileIn("id", stringsToArgs(pred.IDs))
	case *queryir.InIDs:
		return compileIn("id", stringsToArgs(pred.IDs))
	case queryir.Member:
		path, err := FieldPath(pred.Field)
		if err != nil {
			return "", nil, err
		}
		values := make([]any, len(pred.Values))
		for i, v := range pred.Values {
			param, err := valueToParam(v)
			if err != nil {
				return "", nil, err
			}
			values[i] = param
		}
		in, inArgs, err := compileIn("value", values)
		if err != nil {
			return "", nil, err
		}
		return "EXISTS (SELECT 1 FROM json_each(body, ?) WHERE " + in + ")",
			append([]any{path}, inArgs...), nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

var rangeOps = map[queryir.RangeOp]string{
	queryir.OpGT:  ">",
	queryir.OpGTE: ">=",
	queryir.OpLT:  "<",
	queryir.OpLTE: "<=",
}

func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		sql, params, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, params...)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func (c *SQLCompiler) compileComparison(field, op string, v attr.Value) (string, []any, error) {
	path, err := FieldPath(field)
	if err != nil {
		return "", nil, err
	}
	param, err := valueToParam(v)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", field, err)
	}
	return "json_extract(body, ?) " + op + " ?", []any{path, param}, nil
}

func compileIn(col string, values []any) (string, []any, error) {
	if len(values) == 0 {
		return "1 = 0", nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return col + " IN (" + marks + ")", values, nil
}

func stringsToArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// FieldPath is the JSON path of a document field. Escaped attribute fields
// and fixed fields never contain a quote or backslash.
func FieldPath(field string) (string, error) {
	if field == "" || strings.ContainsAny(field, "\"\\") {
		return "", fmt.Errorf("invalid document field %q", field)
	}
	return `$."` + field + `"`, nil
}

// valueToParam converts a scalar attribute value to a SQL parameter. Values
// compare against their stored JSON form: datetimes as fixed-width UTC text,
// bools as 0/1.
func valueToParam(v attr.Value) (any, error) {
	switch val := v.(type) {
	case attr.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case attr.Int:
		return int64(val), nil
	case attr.Float:
		return float64(val), nil
	case attr.Enum:
		return string(val), nil
	case attr.String:
		return string(val), nil
	case attr.Datetime:
		return val.String(), nil
	case nil:
		return nil, fmt.Errorf("missing value")
	default:
		return nil, fmt.Errorf("%s cannot be compared directly", v.Dtype())
	}
}
