package queryir

import (
	"fmt"
	"sort"

	"github.com/roach88/annometa/internal/attr"
)

// Normalize returns an equivalent predicate in canonical form: nested And/Or
// flattened, MatchAll/MatchNone folded, duplicates dropped, children ordered
// by canonical encoding, id sets sorted.
func Normalize(p Predicate) Predicate {
	switch n := p.(type) {
	case nil:
		return MatchAll{}
	case And:
		return normalizeAnd(n.Predicates)
	case *And:
		return normalizeAnd(n.Predicates)
	case Or:
		return normalizeOr(n.Predicates)
	case *Or:
		return normalizeOr(n.Predicates)
	case Not:
		return normalizeNot(n.Predicate)
	case *Not:
		return normalizeNot(n.Predicate)
	case InIDs:
		return normalizeIDs(n.IDs)
	case *InIDs:
		return normalizeIDs(n.IDs)
	}
	return p
}

func normalizeAnd(children []Predicate) Predicate {
	var flat []Predicate
	for _, c := range children {
		switch n := Normalize(c).(type) {
		case MatchAll:
			continue
		case MatchNone:
			return MatchNone{}
		case And:
			flat = append(flat, n.Predicates...)
		default:
			flat = append(flat, n)
		}
	}
	flat = sortUnique(flat)
	switch len(flat) {
	case 0:
		return MatchAll{}
	case 1:
		return flat[0]
	}
	return And{Predicates: flat}
}

func normalizeOr(children []Predicate) Predicate {
	var flat []Predicate
	for _, c := range children {
		switch n := Normalize(c).(type) {
		case MatchNone:
			continue
		case MatchAll:
			return MatchAll{}
		case Or:
			flat = append(flat, n.Predicates...)
		default:
			flat = append(flat, n)
		}
	}
	flat = sortUnique(flat)
	switch len(flat) {
	case 0:
		return MatchNone{}
	case 1:
		return flat[0]
	}
	return Or{Predicates: flat}
}

func normalizeNot(child Predicate) Predicate {
	switch n := Normalize(child).(type) {
	case Not:
		return n.Predicate
	case MatchAll:
		return MatchNone{}
	case MatchNone:
		return MatchAll{}
	default:
		return Not{Predicate: n}
	}
}

func normalizeIDs(ids []string) Predicate {
	if len(ids) == 0 {
		return MatchNone{}
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	uniq := out[:1]
	for _, id := range out[1:] {
		if id != uniq[len(uniq)-1] {
			uniq = append(uniq, id)
		}
	}
	return InIDs{IDs: uniq}
}

func sortUnique(preds []Predicate) []Predicate {
	type keyed struct {
		key  string
		pred Predicate
	}
	items := make([]keyed, 0, len(preds))
	seen := make(map[string]bool, len(preds))
	for _, p := range preds {
		data, err := attr.MarshalCanonical(EncodePredicate(p))
		key := string(data)
		if err != nil {
			key = fmt.Sprintf("%#v", p)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, keyed{key: key, pred: p})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })
	out := make([]Predicate, len(items))
	for i, it := range items {
		out[i] = it.pred
	}
	return out
}

// EncodePredicate converts a predicate to plain JSON-ready values.
func EncodePredicate(p Predicate) any {
	switch n := p.(type) {
	case And:
		return map[string]any{"and": encodeList(n.Predicates)}
	case *And:
		return EncodePredicate(*n)
	case Or:
		return map[string]any{"or": encodeList(n.Predicates)}
	case *Or:
		return EncodePredicate(*n)
	case Not:
		return map[string]any{"not": EncodePredicate(n.Predicate)}
	case *Not:
		return EncodePredicate(*n)
	case Equals:
		return map[string]any{"eq": encodeLeaf(n.Field, n.Value, nil)}
	case Range:
		return map[string]any{"range": encodeLeaf(n.Field, n.Value, map[string]any{"op": string(n.Op)})}
	case Contains:
		return map[string]any{"contains": map[string]any{"field": n.Field, "substring": n.Substring}}
	case Exists:
		return map[string]any{"exists": map[string]any{"field": n.Field}}
	case Within:
		return map[string]any{"within": map[string]any{
			"field": n.Field, "radius_km": n.RadiusKM, "lat": n.Lat, "lon": n.Lon,
		}}
	case InIDs:
		return map[string]any{"ids": n.IDs}
	case Member:
		values := make([]any, len(n.Values))
		for i, v := range n.Values {
			values[i] = v.Native()
		}
		return map[string]any{"member": map[string]any{"field": n.Field, "values": values}}
	case *InIDs:
		return EncodePredicate(*n)
	case MatchAll:
		return map[string]any{"match_all": map[string]any{}}
	case MatchNone:
		return map[string]any{"match_none": map[string]any{}}
	case nil:
		return nil
	}
	return map[string]any{"unknown": fmt.Sprintf("%T", p)}
}

func encodeList(preds []Predicate) []any {
	out := make([]any, len(preds))
	for i, c := range preds {
		out[i] = EncodePredicate(c)
	}
	return out
}

func encodeLeaf(field string, v attr.Value, extra map[string]any) map[string]any {
	m := map[string]any{"field": field}
	if v != nil {
		m["value"] = v.Native()
		m["dtype"] = string(v.Dtype())
	}
	for k, e := range extra {
		m[k] = e
	}
	return m
}

// EncodePlan converts a plan to plain JSON-ready values.
func EncodePlan(p Plan) map[string]any {
	sortKeys := make([]any, len(p.Sort))
	for i, k := range p.Sort {
		sortKeys[i] = map[string]any{"field": k.Field, "desc": k.Descending}
	}
	m := map[string]any{
		"project": p.Project,
		"filter":  EncodePredicate(p.Filter),
		"sort":    sortKeys,
		"window":  map[string]any{"start": p.Window.Start, "limit": p.Window.Limit},
	}
	if p.After != nil {
		m["after"] = *p.After
	}
	return m
}

// MarshalPlan returns the canonical JSON of a plan.
func MarshalPlan(p Plan) ([]byte, error) {
	return attr.MarshalCanonical(EncodePlan(p))
}
