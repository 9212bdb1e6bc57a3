// Package queryir provides the backend-neutral query plan produced by the
// query compiler and consumed by search backends.
//
// ARCHITECTURE:
//
//	[filter params] → query.Compiler → [Plan] → querysql (SQLite index)
//	                                          → other index backends
//
// A Plan is a predicate tree plus a fixed sort and a window. Predicates are
// a closed set: And, Or, Not over the leaves Equals, Range, Contains, Exists,
// Within, Member, InIDs, MatchAll and MatchNone.
//
// SEALED INTERFACES:
//
// Predicate is sealed with a marker method so backends can switch
// exhaustively over it:
//
//	switch p := pred.(type) {
//	case And:
//	    // AND every child
//	case Equals:
//	    // compare one field
//	}
//
// DETERMINISM:
//
// Normalize flattens nested And/Or nodes, drops duplicates and orders
// children by their canonical JSON. Two plans for the same filter are
// therefore equal by value and encode to the same bytes, which is what the
// golden tests compare.
//
// FIELDS:
//
// Leaf fields are search-document field names: fixed fields start with an
// underscore (FieldName, FieldType, ...), attribute fields come from
// attr.FieldName.
package queryir
