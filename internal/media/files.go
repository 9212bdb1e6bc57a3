// Package media defines the file manifest carried by media entities and their
// archive state machine.
package media

import (
	"fmt"
	"sort"
)

// Role names a group of files in a manifest.
type Role string

const (
	RoleStreaming    Role = "streaming"
	RoleArchival     Role = "archival"
	RoleAudio        Role = "audio"
	RoleImage        Role = "image"
	RoleThumbnail    Role = "thumbnail"
	RoleThumbnailGIF Role = "thumbnail_gif"
	RoleAttachment   Role = "attachment"
)

// Roles lists every role in presign order.
var Roles = []Role{
	RoleArchival, RoleStreaming, RoleAudio, RoleImage, RoleThumbnail, RoleThumbnailGIF, RoleAttachment,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// File is one object in the blob store.
type File struct {
	Path        string `json:"path"`
	Size        int64  `json:"size,omitempty"`
	Resolution  []int  `json:"resolution,omitempty"`
	Codec       string `json:"codec,omitempty"`
	MimeType    string `json:"mime,omitempty"`
	SegmentInfo string `json:"segment_info,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Manifest maps roles to files.
type Manifest map[Role][]File

// Check rejects unknown roles and files without a path. Segment info is
// only meaningful for streaming files.
func (m Manifest) Check() error {
	for role, files := range m {
		if !role.Valid() {
			return fmt.Errorf("unknown media file role %q", role)
		}
		for i, f := range files {
			if f.Path == "" {
				return fmt.Errorf("%s[%d]: path is required", role, i)
			}
			if f.SegmentInfo != "" && role != RoleStreaming {
				return fmt.Errorf("%s[%d]: segment_info is only valid for streaming files", role, i)
			}
		}
	}
	return nil
}

// Paths returns every blob key the manifest references, segment info
// included, sorted and without duplicates.
func (m Manifest) Paths() []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, files := range m {
		for _, f := range files {
			add(f.Path)
			add(f.SegmentInfo)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (m Manifest) Clone() Manifest {
	if m == nil {
		return nil
	}
	out := make(Manifest, len(m))
	for role, files := range m {
		cp := make([]File, len(files))
		for i, f := range files {
			cp[i] = f
			cp[i].Resolution = append([]int(nil), f.Resolution...)
		}
		out[role] = cp
	}
	return out
}

// With returns a copy with role's files replaced. Empty files removes the
// role.
func (m Manifest) With(role Role, files []File) Manifest {
	out := m.Clone()
	if out == nil {
		out = Manifest{}
	}
	if len(files) == 0 {
		delete(out, role)
		return out
	}
	out[role] = append([]File(nil), files...)
	return out
}

// DownloadSize is the size of the files a user downloads: archival when
// present, otherwise the largest streaming file, otherwise the image.
func (m Manifest) DownloadSize() int64 {
	if files := m[RoleArchival]; len(files) > 0 {
		return sum(files)
	}
	if files := m[RoleStreaming]; len(files) > 0 {
		var max int64
		for _, f := range files {
			if f.Size > max {
				max = f.Size
			}
		}
		return max
	}
	return sum(m[RoleImage])
}

// TotalSize is the size of every file in the manifest.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, files := range m {
		total += sum(files)
	}
	return total
}

func sum(files []File) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// Diff returns the paths present in next but not in prev, and those present
// in prev but not in next.
func Diff(prev, next Manifest) (added, removed []string) {
	before := map[string]bool{}
	for _, p := range prev.Paths() {
		before[p] = true
	}
	after := map[string]bool{}
	for _, p := range next.Paths() {
		after[p] = true
		if !before[p] {
			added = append(added, p)
		}
	}
	for _, p := range prev.Paths() {
		if !after[p] {
			removed = append(removed, p)
		}
	}
	return added, removed
}
