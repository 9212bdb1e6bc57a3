package search

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/store"
)

// Document is the searchable projection of one live entity.
type Document struct {
	ID       string         `json:"id"`
	Project  int64          `json:"project"`
	EntityID int64          `json:"entity_id"`
	Name     string         `json:"name"`
	Fields   map[string]any `json:"fields"`
}

// DocumentFor derives e's document. Attribute fields are named by
// attr.FieldName so writer, compiler and mutation engine agree.
func DocumentFor(e store.Entity) Document {
	f := map[string]any{
		queryir.FieldSubKind: string(e.SubKind),
		queryir.FieldType:    e.TypeID,
		queryir.FieldName:    e.Name,
	}
	if e.SectionID != 0 {
		f[queryir.FieldSection] = e.SectionID
	}
	if e.MD5 != "" {
		f[queryir.FieldMD5] = e.MD5
	}

	switch e.Kind {
	case attr.KindMedia:
		f[queryir.FieldDownloadSize] = e.Files.DownloadSize()
		f[queryir.FieldTotalSize] = e.Files.TotalSize()
		state := e.ArchiveState
		if state == "" {
			state = media.StateLive
		}
		f[queryir.FieldArchiveState] = string(state)
	case attr.KindLocalization:
		if e.MediaID != 0 {
			f[queryir.FieldMedia] = e.MediaID
		}
	case attr.KindState:
		if len(e.StateMedia) > 0 {
			f[queryir.FieldMedia] = append([]int64(nil), e.StateMedia...)
		}
	}

	for name, v := range e.Attributes {
		f[attr.FieldName(name, v.Dtype())] = v.Native()
	}

	return Document{
		ID:       e.DocID(),
		Project:  e.Project,
		EntityID: e.ID,
		Name:     e.Name,
		Fields:   f,
	}
}

// Marshal encodes d for the outbox.
func (d Document) Marshal() ([]byte, error) {
	return encodeJSON(d)
}

// UnmarshalDocument decodes an outbox body. Numbers stay json.Number so
// 64-bit ids survive.
func UnmarshalDocument(data []byte) (Document, error) {
	var d Document
	if err := decodeJSON(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	if d.ID == "" {
		return Document{}, fmt.Errorf("decode document: missing id")
	}
	return d, nil
}

// Patch edits individual fields of a stored document.
type Patch struct {
	Set   map[string]any `json:"set,omitempty"`
	Unset []string       `json:"unset,omitempty"`
}

// Marshal encodes p for the outbox.
func (p Patch) Marshal() ([]byte, error) {
	return encodeJSON(p)
}

// UnmarshalPatch decodes an outbox body.
func UnmarshalPatch(data []byte) (Patch, error) {
	var p Patch
	if err := decodeJSON(data, &p); err != nil {
		return Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	return p, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
