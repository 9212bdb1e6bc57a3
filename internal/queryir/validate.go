package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/annometa/internal/fault"
)

// Validate checks a plan for structural problems a backend cannot execute:
// empty fields, unknown range operators, missing values, out-of-range
// geo arguments, and windows past MaxWindow. Every problem is reported.
//
// Validate is a pure function with no side effects.
func Validate(p Plan) error {
	v := &validator{}
	v.validatePredicate(p.Filter)
	if p.Window.Start < 0 {
		v.addProblem("window start %d is negative", p.Window.Start)
	}
	if p.Window.Limit < -1 {
		v.addProblem("window limit %d is invalid", p.Window.Limit)
	}
	if p.Window.Start > MaxWindow {
		v.addProblem("window start %d exceeds %d", p.Window.Start, MaxWindow)
	}
	if p.Window.Limit > MaxWindow {
		v.addProblem("window limit %d exceeds %d", p.Window.Limit, MaxWindow)
	}
	if len(p.Sort) == 0 {
		v.addProblem("plan has no sort")
	}
	if len(v.problems) == 0 {
		return nil
	}
	return fault.BadQuery.New("invalid plan: %s", strings.Join(v.problems, "; "))
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validatePredicate(p Predicate) {
	switch n := p.(type) {
	case nil:
		v.addProblem("nil predicate")
	case And:
		for _, c := range n.Predicates {
			v.validatePredicate(c)
		}
	case *And:
		v.validatePredicate(*n)
	case Or:
		for _, c := range n.Predicates {
			v.validatePredicate(c)
		}
	case *Or:
		v.validatePredicate(*n)
	case Not:
		v.validatePredicate(n.Predicate)
	case *Not:
		v.validatePredicate(*n)
	case Equals:
		v.checkField(n.Field)
		if n.Value == nil {
			v.addProblem("equals on %q has no value", n.Field)
		}
	case Range:
		v.checkField(n.Field)
		switch n.Op {
		case OpGT, OpGTE, OpLT, OpLTE:
		default:
			v.addProblem("range on %q: unknown operator %q", n.Field, n.Op)
		}
		if n.Value == nil {
			v.addProblem("range on %q has no value", n.Field)
		}
	case Contains:
		v.checkField(n.Field)
	case Exists:
		v.checkField(n.Field)
	case Within:
		v.checkField(n.Field)
		if n.RadiusKM < 0 {
			v.addProblem("distance on %q: negative radius", n.Field)
		}
		if n.Lat < -90 || n.Lat > 90 || n.Lon < -180 || n.Lon > 180 {
			v.addProblem("distance on %q: centre (%v, %v) out of range", n.Field, n.Lat, n.Lon)
		}
	case Member:
		v.checkField(n.Field)
		if len(n.Values) == 0 {
			v.addProblem("member on %q has no values", n.Field)
		}
	case InIDs, *InIDs, MatchAll, MatchNone:
	default:
		v.addProblem("unknown predicate %T", p)
	}
}

func (v *validator) checkField(field string) {
	if field == "" {
		v.addProblem("empty field name")
	}
}
