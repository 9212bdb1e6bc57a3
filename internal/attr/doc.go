// Package attr provides the typed attribute model for annometa.
//
// This package contains type definitions only. Every other internal package
// imports attr; attr imports nothing internal except fault.
//
// An attribute bag is a closed sum type over seven dtypes (bool, int, float,
// enum, string, datetime, geopos). Values are never stored untyped: raw input
// becomes a Value only through the validate package, and stored values decode
// through their dtype tag.
//
// Key design constraints:
//   - Entity references are a tagged union Ref{Kind, ID} over a closed Kind enum
//   - Search-document field names come from FieldName, the single escaping rule
//     used by the document writer, the query compiler and the mutation engine
//   - Datetimes are UTC with microsecond precision, formatted at fixed width so
//     that string order equals time order
package attr
