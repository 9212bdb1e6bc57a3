package attr

import (
	"fmt"
	"strconv"
	"strings"
)

// Dtype is the declared type of an attribute.
type Dtype string

const (
	DtypeBool     Dtype = "bool"
	DtypeInt      Dtype = "int"
	DtypeFloat    Dtype = "float"
	DtypeEnum     Dtype = "enum"
	DtypeString   Dtype = "string"
	DtypeDatetime Dtype = "datetime"
	DtypeGeopos   Dtype = "geopos"
)

// Dtypes lists every dtype in declaration order.
var Dtypes = []Dtype{
	DtypeBool, DtypeInt, DtypeFloat, DtypeEnum, DtypeString, DtypeDatetime, DtypeGeopos,
}

// Valid reports whether d is one of the seven dtypes.
func (d Dtype) Valid() bool {
	switch d {
	case DtypeBool, DtypeInt, DtypeFloat, DtypeEnum, DtypeString, DtypeDatetime, DtypeGeopos:
		return true
	}
	return false
}

// Numeric reports whether d is int or float.
func (d Dtype) Numeric() bool {
	return d == DtypeInt || d == DtypeFloat
}

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindMedia        Kind = "media"
	KindLocalization Kind = "localization"
	KindState        Kind = "state"
	KindLeaf         Kind = "leaf"
)

// Kinds lists every entity kind.
var Kinds = []Kind{KindMedia, KindLocalization, KindState, KindLeaf}

func (k Kind) Valid() bool {
	switch k {
	case KindMedia, KindLocalization, KindState, KindLeaf:
		return true
	}
	return false
}

// SubKind refines a Kind. It is the "_dtype" of a search document and the
// prefix of its id.
type SubKind string

const (
	SubKindImage SubKind = "image"
	SubKindVideo SubKind = "video"
	SubKindBox   SubKind = "box"
	SubKindLine  SubKind = "line"
	SubKindDot   SubKind = "dot"
	SubKindState SubKind = "state"
	SubKindLeaf  SubKind = "leaf"
)

// SubKinds returns the sub-kinds belonging to k.
func (k Kind) SubKinds() []SubKind {
	switch k {
	case KindMedia:
		return []SubKind{SubKindImage, SubKindVideo}
	case KindLocalization:
		return []SubKind{SubKindBox, SubKindLine, SubKindDot}
	case KindState:
		return []SubKind{SubKindState}
	case KindLeaf:
		return []SubKind{SubKindLeaf}
	}
	return nil
}

// Kind returns the kind s belongs to.
func (s SubKind) Kind() (Kind, bool) {
	for _, k := range Kinds {
		for _, sk := range k.SubKinds() {
			if sk == s {
				return k, true
			}
		}
	}
	return "", false
}

// Ref identifies an entity of any kind.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// DocID is the search document id for an entity: "<subkind>_<id>".
func DocID(sub SubKind, id int64) string {
	return string(sub) + "_" + strconv.FormatInt(id, 10)
}

// ParseDocID splits a document id back into sub-kind and entity id.
func ParseDocID(docID string) (SubKind, int64, error) {
	i := strings.LastIndexByte(docID, '_')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed document id %q", docID)
	}
	sub := SubKind(docID[:i])
	if _, ok := sub.Kind(); !ok {
		return "", 0, fmt.Errorf("malformed document id %q: unknown sub-kind", docID)
	}
	id, err := strconv.ParseInt(docID[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed document id %q: %w", docID, err)
	}
	return sub, id, nil
}
