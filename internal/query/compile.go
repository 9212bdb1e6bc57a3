// Package query compiles REST-style filter parameters into a queryir.Plan.
//
// Attribute names resolve against a registry.Scope, so the legal operators
// for a filter depend on the attribute's declared dtype. Illegal pairings are
// a fault.BadQuery, never silently dropped.
package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/registry"
)

// Separator splits an attribute filter into name and operand(s).
const Separator = "::"

// Fixed parameters.
const (
	ParamStart   = "start"
	ParamStop    = "stop"
	ParamAfter   = "after"
	ParamSection = "section"
	ParamType    = "type"
	ParamName    = "name"
	ParamMediaID = "media_id"
	ParamMD5     = "md5"
)

// Compiler turns filter parameters into plans.
type Compiler struct {
	reg *registry.Registry
}

// NewCompiler creates a compiler resolving attributes through reg.
func NewCompiler(reg *registry.Registry) *Compiler {
	return &Compiler{reg: reg}
}

// Compile builds the plan for listing entities of kind in project.
func (c *Compiler) Compile(project int64, kind attr.Kind, params url.Values) (queryir.Plan, error) {
	typeID, err := optionalInt(params, ParamType)
	if err != nil {
		return queryir.Plan{}, err
	}
	scope, err := c.reg.Scope(project, kind, typeID)
	if err != nil {
		return queryir.Plan{}, err
	}
	return CompileScoped(scope, project, kind, params)
}

// CompileScoped builds a plan against an explicit scope.
func CompileScoped(scope *registry.Scope, project int64, kind attr.Kind, params url.Values) (queryir.Plan, error) {
	if !kind.Valid() {
		return queryir.Plan{}, fault.BadQuery.New("unknown entity kind %q", kind)
	}
	if err := rejectUnknownParams(params); err != nil {
		return queryir.Plan{}, err
	}

	preds := []queryir.Predicate{kindPredicate(kind)}

	base, err := basePredicates(kind, params)
	if err != nil {
		return queryir.Plan{}, err
	}
	preds = append(preds, base...)

	for _, op := range Operators {
		key := op.Param()
		values := append([]string(nil), params[key]...)
		sort.Strings(values)
		for _, raw := range values {
			leaf, err := compileLeaf(scope, op, raw)
			if err != nil {
				return queryir.Plan{}, err
			}
			preds = append(preds, leaf)
		}
	}

	window, after, err := compileWindow(params)
	if err != nil {
		return queryir.Plan{}, err
	}

	plan := queryir.Plan{
		Project: project,
		Filter:  queryir.Normalize(queryir.And{Predicates: preds}),
		Sort:    queryir.DefaultSort,
		After:   after,
		Window:  window,
	}
	if err := queryir.Validate(plan); err != nil {
		return queryir.Plan{}, err
	}
	return plan, nil
}

func kindPredicate(kind attr.Kind) queryir.Predicate {
	subs := kind.SubKinds()
	preds := make([]queryir.Predicate, len(subs))
	for i, s := range subs {
		preds[i] = queryir.Equals{Field: queryir.FieldSubKind, Value: attr.String(s)}
	}
	return queryir.Or{Predicates: preds}
}

func basePredicates(kind attr.Kind, params url.Values) ([]queryir.Predicate, error) {
	var preds []queryir.Predicate

	typeID, err := optionalInt(params, ParamType)
	if err != nil {
		return nil, err
	}
	if typeID != 0 {
		preds = append(preds, queryir.Equals{Field: queryir.FieldType, Value: attr.Int(typeID)})
	}

	sectionID, err := optionalInt(params, ParamSection)
	if err != nil {
		return nil, err
	}
	if sectionID != 0 {
		preds = append(preds, queryir.Equals{Field: queryir.FieldSection, Value: attr.Int(sectionID)})
	}

	if name := params.Get(ParamName); name != "" {
		preds = append(preds, queryir.Equals{Field: queryir.FieldName, Value: attr.String(name)})
	}
	if md5 := params.Get(ParamMD5); md5 != "" {
		preds = append(preds, queryir.Equals{Field: queryir.FieldMD5, Value: attr.String(md5)})
	}

	mediaIDs, err := intList(params[ParamMediaID])
	if err != nil {
		return nil, err
	}
	if len(mediaIDs) > 0 {
		preds = append(preds, mediaPredicate(kind, mediaIDs))
	}
	return preds, nil
}

// mediaPredicate selects media by id, or annotations that reference them.
func mediaPredicate(kind attr.Kind, ids []int64) queryir.Predicate {
	if kind == attr.KindMedia {
		docIDs := make([]string, 0, 2*len(ids))
		for _, id := range ids {
			for _, sub := range attr.KindMedia.SubKinds() {
				docIDs = append(docIDs, attr.DocID(sub, id))
			}
		}
		return queryir.InIDs{IDs: docIDs}
	}
	values := make([]attr.Value, len(ids))
	for i, id := range ids {
		values[i] = attr.Int(id)
	}
	return queryir.Member{Field: queryir.FieldMedia, Values: values}
}

func compileWindow(params url.Values) (queryir.Window, *string, error) {
	start, hasStart, err := nonNegative(params, ParamStart)
	if err != nil {
		return queryir.Window{}, nil, err
	}
	stop, hasStop, err := nonNegative(params, ParamStop)
	if err != nil {
		return queryir.Window{}, nil, err
	}

	if hasStart && start > queryir.MaxWindow {
		return queryir.Window{}, nil, windowError("start", start)
	}
	if hasStop && stop > queryir.MaxWindow {
		return queryir.Window{}, nil, windowError("stop", stop)
	}
	if hasStart && hasStop && start+stop > queryir.MaxWindow {
		return queryir.Window{}, nil, windowError("start+stop", start+stop)
	}
	if hasStop && stop < start {
		return queryir.Window{}, nil, fault.BadQuery.New("stop %d is before start %d", stop, start)
	}

	window := queryir.Window{Start: start, Limit: -1}
	if hasStop {
		window.Limit = stop - start
	}

	var after *string
	if values, ok := params[ParamAfter]; ok && len(values) > 0 {
		a := values[0]
		after = &a
	}
	return window, after, nil
}

func windowError(which string, n int) error {
	return fault.BadQuery.New(
		"%s=%d exceeds the %d result window; use the %q parameter to page further",
		which, n, queryir.MaxWindow, ParamAfter)
}

func rejectUnknownParams(params url.Values) error {
	for key := range params {
		if !strings.HasPrefix(key, "attribute") {
			continue
		}
		if _, ok := OperatorForParam(key); !ok {
			return fault.BadQuery.New("unknown filter parameter %q", key)
		}
	}
	return nil
}

func optionalInt(params url.Values, key string) (int64, error) {
	raw := params.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fault.BadQuery.New("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func nonNegative(params url.Values, key string) (int, bool, error) {
	raw := params.Get(key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, false, fault.BadQuery.New("%s: %q is not a non-negative integer", key, raw)
	}
	return n, true, nil
}

// intList accepts repeated values and comma-separated lists.
func intList(values []string) ([]int64, error) {
	var out []int64
	seen := map[int64]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fault.BadQuery.New("%q is not an id", part)
			}
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
