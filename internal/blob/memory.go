package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It counts physical deletes and can be
// told to fail them, for exercising the resource lifecycle.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	uploads map[string]*memUpload
	deletes map[string]int
	failing map[string]error
	stalled map[string]bool
	nowFn   func() time.Time
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

type memUpload struct {
	path  string
	parts map[int][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: map[string]memObject{},
		uploads: map[string]*memUpload{},
		deletes: map[string]int{},
		failing: map[string]error{},
		stalled: map[string]bool{},
		nowFn:   time.Now,
	}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return Error.Wrap(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Error.New("put %s: read %d bytes, expected %d", path, len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memObject{data: data, contentType: contentType, modified: m.nowFn()}
	return nil
}

// Head implements Store.
func (m *Memory) Head(ctx context.Context, path string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok {
		return Info{}, ErrNotFound.New("%s", path)
	}
	sum := md5.Sum(obj.data)
	return Info{
		Path:         path,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound.New("%s", path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete implements Store. Every successful call on an existing object
// counts as a physical delete.
func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	if m.stalled[path] {
		m.mu.Unlock()
		<-ctx.Done()
		return Error.Wrap(ctx.Err())
	}
	defer m.mu.Unlock()
	if err := m.failing[path]; err != nil {
		return Error.Wrap(err)
	}
	if _, ok := m.objects[path]; ok {
		delete(m.objects, path)
		m.deletes[path]++
	}
	return nil
}

// PresignGet implements Store with a fake memory:// URL.
func (m *Memory) PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Path: "/" + path}
	u.RawQuery = url.Values{"expires": {m.nowFn().Add(ttl).UTC().Format(time.RFC3339)}}.Encode()
	return u.String(), nil
}

// InitiateMultipart implements Store.
func (m *Memory) InitiateMultipart(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.uploads[id] = &memUpload{path: path, parts: map[int][]byte{}}
	return id, nil
}

// PresignPart implements Store with a fake memory:// URL.
func (m *Memory) PresignPart(ctx context.Context, path, uploadID string, part int, ttl time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return "", Error.New("unknown upload %s", uploadID)
	}
	u := url.URL{Scheme: "memory", Path: "/" + path}
	u.RawQuery = url.Values{
		"partNumber": {fmt.Sprint(part)},
		"uploadId":   {uploadID},
	}.Encode()
	return u.String(), nil
}

// UploadPart stores a part directly, standing in for a client PUT to a
// presigned part URL. It returns the part's ETag.
func (m *Memory) UploadPart(uploadID string, part int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", Error.New("unknown upload %s", uploadID)
	}
	up.parts[part] = append([]byte(nil), data...)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// CompleteMultipart implements Store. Parts are joined in part-number
// order; every listed part must have been uploaded.
func (m *Memory) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.path != path {
		return Error.New("unknown upload %s for %s", uploadID, path)
	}
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := up.parts[p.Number]
		if !ok {
			return Error.New("upload %s: part %d missing", uploadID, p.Number)
		}
		buf.Write(data)
	}
	m.objects[path] = memObject{data: buf.Bytes(), modified: m.nowFn()}
	delete(m.uploads, uploadID)
	return nil
}

// FailDeletes makes Delete of path return err until cleared with nil.
func (m *Memory) FailDeletes(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, path)
		return
	}
	m.failing[path] = err
}

// StallDeletes makes Delete of path block until its context ends.
func (m *Memory) StallDeletes(path string, stall bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled[path] = stall
}

// Deletes reports how many times path was physically deleted.
func (m *Memory) Deletes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes[path]
}

// Exists reports whether path is stored.
func (m *Memory) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}
