package query

import (
	"strconv"
	"strings"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/registry"
	"github.com/roach88/annometa/internal/validate"
)

// Operator is an attribute filter form.
type Operator string

const (
	OpEq       Operator = "eq"
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpContains Operator = "contains"
	OpNull     Operator = "null"
	OpDistance Operator = "distance"
)

// Operators lists every operator in compilation order.
var Operators = []Operator{OpEq, OpGT, OpGTE, OpLT, OpLTE, OpContains, OpNull, OpDistance}

// Param is the query parameter carrying op.
func (op Operator) Param() string {
	if op == OpEq {
		return "attribute"
	}
	return "attribute_" + string(op)
}

// OperatorForParam maps a query parameter back to its operator.
func OperatorForParam(param string) (Operator, bool) {
	for _, op := range Operators {
		if op.Param() == param {
			return op, true
		}
	}
	return "", false
}

func (op Operator) ordering() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	}
	return false
}

// Legal reports whether op may be applied to an attribute of dtype d.
func Legal(op Operator, d attr.Dtype) bool {
	switch op {
	case OpNull:
		return d.Valid()
	case OpEq:
		return d.Valid() && d != attr.DtypeGeopos
	case OpGT, OpGTE, OpLT, OpLTE:
		return d.Numeric() || d == attr.DtypeDatetime
	case OpContains:
		return d == attr.DtypeEnum || d == attr.DtypeString
	case OpDistance:
		return d == attr.DtypeGeopos
	}
	return false
}

func compileLeaf(scope *registry.Scope, op Operator, raw string) (queryir.Predicate, error) {
	name, operands, err := splitOperands(op, raw)
	if err != nil {
		return nil, err
	}

	def, found, err := scope.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !found {
		if op != OpNull {
			return nil, fault.BadQuery.New("%s: no entity type in scope %s defines attribute %q", op.Param(), scope, name)
		}
		isNull, err := parseNullOperand(operands[0])
		if err != nil {
			return nil, err
		}
		// Nothing carries an undefined attribute.
		if isNull {
			return queryir.MatchAll{}, nil
		}
		return queryir.MatchNone{}, nil
	}

	if !Legal(op, def.Dtype) {
		return nil, fault.BadQuery.New("%s is not valid for %s attribute %q", op.Param(), def.Dtype, name)
	}
	field := def.Field()

	switch {
	case op == OpEq:
		v, err := parseOperand(def, operands[0])
		if err != nil {
			return nil, err
		}
		return queryir.Equals{Field: field, Value: v}, nil

	case op.ordering():
		v, err := parseOperand(def, operands[0])
		if err != nil && def.Dtype == attr.DtypeInt {
			// An int attribute may be compared to a fractional bound.
			v, err = parseOperand(attr.Definition{Name: def.Name, Dtype: attr.DtypeFloat}, operands[0])
		}
		if err != nil {
			return nil, err
		}
		return queryir.Range{Field: field, Op: queryir.RangeOp(op), Value: v}, nil

	case op == OpContains:
		return queryir.Contains{Field: field, Substring: operands[0]}, nil

	case op == OpNull:
		isNull, err := parseNullOperand(operands[0])
		if err != nil {
			return nil, err
		}
		if isNull {
			return queryir.Not{Predicate: queryir.Exists{Field: field}}, nil
		}
		return queryir.Exists{Field: field}, nil

	case op == OpDistance:
		return parseDistance(field, name, operands)
	}
	return nil, fault.BadQuery.New("unsupported operator %q", op)
}

// splitOperands separates "name::value" (or "name::radius::lat::lon" for
// distance) into the attribute name and its operands.
func splitOperands(op Operator, raw string) (string, []string, error) {
	if op == OpDistance {
		parts := strings.Split(raw, Separator)
		if len(parts) != 4 {
			return "", nil, fault.BadQuery.New(
				"%s=%q: expected name::radius::lat::lon", op.Param(), raw)
		}
		return parts[0], parts[1:], nil
	}
	name, value, ok := strings.Cut(raw, Separator)
	if !ok || name == "" {
		return "", nil, fault.BadQuery.New("%s=%q: expected name%svalue", op.Param(), raw, Separator)
	}
	return name, []string{value}, nil
}

// parseOperand parses a filter operand by the attribute's dtype. Bounds and
// choices are not enforced: filtering on a value no entity may hold is legal
// and simply matches nothing.
func parseOperand(def attr.Definition, raw string) (attr.Value, error) {
	if def.Dtype == attr.DtypeEnum {
		return attr.Enum(raw), nil
	}
	loose := attr.Definition{Name: def.Name, Dtype: def.Dtype}
	v, err := validate.New(nil).Validate(loose, raw)
	if err != nil {
		return nil, fault.BadQuery.Wrap(err)
	}
	return v, nil
}

func parseNullOperand(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fault.BadQuery.New("%s: operand must be true or false, got %q", OpNull.Param(), raw)
}

func parseDistance(field, name string, operands []string) (queryir.Predicate, error) {
	var nums [3]float64
	labels := [3]string{"radius", "latitude", "longitude"}
	for i, s := range operands {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fault.BadQuery.New("distance on %q: %s %q is not a number", name, labels[i], s)
		}
		nums[i] = f
	}
	radius, lat, lon := nums[0], nums[1], nums[2]
	switch {
	case radius < 0:
		return nil, fault.BadQuery.New("distance on %q: radius %v is negative", name, radius)
	case lat < -90 || lat > 90:
		return nil, fault.BadQuery.New("distance on %q: latitude %v out of range", name, lat)
	case lon < -180 || lon > 180:
		return nil, fault.BadQuery.New("distance on %q: longitude %v out of range", name, lon)
	}
	return queryir.Within{Field: field, RadiusKM: radius, Lat: lat, Lon: lon}, nil
}
