package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/annometa/internal/attr"
)

// CompileError is a schema file problem with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadCUEFiles compiles every .cue file in paths (files or directories, not
// recursive) and returns their entity types ordered by name.
func LoadCUEFiles(paths ...string) ([]attr.EntityType, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("schema path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.cue"))
		if err != nil {
			return nil, fmt.Errorf("schema path %s: %w", p, err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue files in %v", paths)
	}
	sort.Strings(files)

	ctx := cuecontext.New()
	var out []attr.EntityType
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		v := ctx.CompileBytes(src, cue.Filename(f))
		types, err := CompileEntityTypes(v)
		if err != nil {
			return nil, err
		}
		out = append(out, types...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CompileEntityTypes reads the top-level entity_type struct of a CUE value:
//
//	entity_type: "Video": {
//		project:  1
//		kind:     "media"
//		sub_kind: "video"
//		attributes: [
//			{name: "Int Test", dtype: "int", default: 42, minimum: -10000, maximum: 10000},
//		]
//	}
func CompileEntityTypes(v cue.Value) ([]attr.EntityType, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	root := v.LookupPath(cue.ParsePath("entity_type"))
	if !root.Exists() {
		return nil, &CompileError{Field: "entity_type", Message: "no entity_type block", Pos: v.Pos()}
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []attr.EntityType
	for iter.Next() {
		t, err := compileEntityType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func compileEntityType(label string, v cue.Value) (attr.EntityType, error) {
	t := attr.EntityType{Name: label}

	project, err := v.LookupPath(cue.ParsePath("project")).Int64()
	if err != nil {
		return t, &CompileError{Field: label + ".project", Message: "project id is required", Pos: v.Pos()}
	}
	t.Project = project

	kind, err := requiredString(v, label, "kind")
	if err != nil {
		return t, err
	}
	t.Kind = attr.Kind(kind)

	sub, err := requiredString(v, label, "sub_kind")
	if err != nil {
		return t, err
	}
	t.SubKind = attr.SubKind(sub)

	if idVal := v.LookupPath(cue.ParsePath("id")); idVal.Exists() {
		id, err := idVal.Int64()
		if err != nil {
			return t, formatCUEError(err)
		}
		t.ID = id
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if attrsVal.Exists() {
		list, err := attrsVal.List()
		if err != nil {
			return t, formatCUEError(err)
		}
		for i := 0; list.Next(); i++ {
			def, err := compileDefinition(list.Value())
			if err != nil {
				return t, err
			}
			if def.Order == 0 {
				def.Order = i
			}
			t.Attributes = append(t.Attributes, def)
		}
	}

	if err := t.Check(); err != nil {
		return t, &CompileError{Field: label, Message: err.Error(), Pos: v.Pos()}
	}
	return t, nil
}

// compileDefinition goes through the definition's JSON form so the default
// is decoded by its dtype exactly as stored definitions are.
func compileDefinition(v cue.Value) (attr.Definition, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return attr.Definition{}, formatCUEError(err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return attr.Definition{}, formatCUEError(err)
	}
	var def attr.Definition
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&def); err != nil {
		return attr.Definition{}, &CompileError{Field: "attributes", Message: err.Error(), Pos: v.Pos()}
	}
	if err := def.Check(); err != nil {
		return attr.Definition{}, &CompileError{Field: "attributes", Message: err.Error(), Pos: v.Pos()}
	}
	return def, nil
}

func requiredString(v cue.Value, label, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: label + "." + field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
