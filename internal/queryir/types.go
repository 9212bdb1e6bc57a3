package queryir

import "github.com/roach88/annometa/internal/attr"

// Fixed search-document fields.
const (
	FieldSubKind      = "_dtype"
	FieldType         = "_meta"
	FieldName         = "_exact_name"
	FieldMD5          = "_md5"
	FieldSection      = "_section"
	FieldDownloadSize = "_download_size"
	FieldTotalSize    = "_total_size"
	FieldArchiveState = "_archive_state"
	FieldMedia        = "_media"
)

// MaxWindow caps start, stop and start+stop. Deeper pages use the after
// cursor.
const MaxWindow = 10000

// Predicate is a node of the filter tree.
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

// Not inverts its child.
type Not struct {
	Predicate Predicate
}

// Equals matches documents whose field equals Value.
type Equals struct {
	Field string
	Value attr.Value
}

// RangeOp is an ordering comparison.
type RangeOp string

const (
	OpGT  RangeOp = "gt"
	OpGTE RangeOp = "gte"
	OpLT  RangeOp = "lt"
	OpLTE RangeOp = "lte"
)

// Range matches documents whose field compares to Value under Op.
type Range struct {
	Field string
	Op    RangeOp
	Value attr.Value
}

// Contains is a case-insensitive substring match.
type Contains struct {
	Field     string
	Substring string
}

// Exists matches documents that carry the field.
type Exists struct {
	Field string
}

// Within matches geopos fields no further than RadiusKM from (Lat, Lon),
// measured by haversine distance.
type Within struct {
	Field    string
	RadiusKM float64
	Lat      float64
	Lon      float64
}

// InIDs matches documents by id.
type InIDs struct {
	IDs []string
}

// Member matches documents whose field, a scalar or an array, holds any of
// Values.
type Member struct {
	Field  string
	Values []attr.Value
}

// MatchAll matches every document.
type MatchAll struct{}

// MatchNone matches no document.
type MatchNone struct{}

func (And) predicateNode()       {}
func (Or) predicateNode()        {}
func (Not) predicateNode()       {}
func (Equals) predicateNode()    {}
func (Range) predicateNode()     {}
func (Contains) predicateNode()  {}
func (Exists) predicateNode()    {}
func (Within) predicateNode()    {}
func (InIDs) predicateNode()     {}
func (Member) predicateNode()    {}
func (MatchAll) predicateNode()  {}
func (MatchNone) predicateNode() {}

// SortKey orders results. The sort is fixed: name ascending, then entity id
// ascending, so that windows over the same filter are stable.
type SortKey struct {
	Field      string
	Descending bool
}

// DefaultSort is name ascending, ties broken by entity id.
var DefaultSort = []SortKey{{Field: FieldName}, {Field: "_id"}}

// Window is a half-open [Start, Start+Limit) slice of the sorted result.
// Limit < 0 means unbounded.
type Window struct {
	Start int
	Limit int
}

// Unbounded is the window of the whole result.
var Unbounded = Window{Start: 0, Limit: -1}

// Plan is a compiled query.
type Plan struct {
	Project int64
	Filter  Predicate
	Sort    []SortKey

	// After, when set, restricts results to names sorted strictly after it.
	// Window applies relative to the cursor.
	After  *string
	Window Window
}

// WithWindow returns a copy of p with a different window.
func (p Plan) WithWindow(w Window) Plan {
	p.Window = w
	return p
}
