package media

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Manifest {
	return Manifest{
		RoleStreaming: {
			{Path: "v/720.mp4", Size: 300, Resolution: []int{720, 1280}, SegmentInfo: "v/720.json"},
			{Path: "v/360.mp4", Size: 100, Resolution: []int{360, 640}, SegmentInfo: "v/360.json"},
		},
		RoleThumbnail: {{Path: "v/thumb.jpg", Size: 5}},
		RoleAudio:     {{Path: "v/audio.m4a", Size: 20}},
	}
}

func TestManifest_Check(t *testing.T) {
	require.NoError(t, sample().Check())

	tests := []struct {
		name string
		m    Manifest
	}{
		{"unknown role", Manifest{"poster": {{Path: "x"}}}},
		{"missing path", Manifest{RoleImage: {{Size: 1}}}},
		{"segment info off streaming", Manifest{RoleArchival: {{Path: "a", SegmentInfo: "s"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.m.Check())
		})
	}
}

func TestManifest_Paths(t *testing.T) {
	m := sample()
	m[RoleAttachment] = []File{{Path: "v/thumb.jpg", Name: "dup"}}
	assert.Equal(t, []string{
		"v/360.json", "v/360.mp4", "v/720.json", "v/720.mp4", "v/audio.m4a", "v/thumb.jpg",
	}, m.Paths())
	assert.Empty(t, Manifest(nil).Paths())
}

func TestManifest_Sizes(t *testing.T) {
	m := sample()
	assert.Equal(t, int64(300), m.DownloadSize(), "largest streaming file")
	assert.Equal(t, int64(425), m.TotalSize())

	m = m.With(RoleArchival, []File{{Path: "v/orig.mov", Size: 1000}, {Path: "v/orig2.mov", Size: 1}})
	assert.Equal(t, int64(1001), m.DownloadSize(), "archival wins")

	img := Manifest{RoleImage: {{Path: "i.png", Size: 7}, {Path: "i2.png", Size: 3}}}
	assert.Equal(t, int64(10), img.DownloadSize())
	assert.Zero(t, Manifest{}.DownloadSize())
}

func TestManifest_WithDoesNotAlias(t *testing.T) {
	m := sample()
	next := m.With(RoleThumbnail, []File{{Path: "v/thumb2.jpg"}})
	next[RoleStreaming][0].Resolution[0] = 1

	assert.Equal(t, "v/thumb.jpg", m[RoleThumbnail][0].Path)
	assert.Equal(t, 720, m[RoleStreaming][0].Resolution[0])

	cleared := m.With(RoleAudio, nil)
	_, ok := cleared[RoleAudio]
	assert.False(t, ok)
	assert.Contains(t, m, RoleAudio)
}

func TestDiff(t *testing.T) {
	prev := sample()
	next := prev.With(RoleThumbnail, []File{{Path: "v/thumb2.jpg"}})

	added, removed := Diff(prev, next)
	assert.Equal(t, []string{"v/thumb2.jpg"}, added)
	assert.Equal(t, []string{"v/thumb.jpg"}, removed)

	added, removed = Diff(prev, prev)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestManifest_JSON(t *testing.T) {
	data, err := json.Marshal(Manifest{RoleImage: {{Path: "i.png", Size: 3, MimeType: "image/png"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":[{"path":"i.png","size":3,"mime":"image/png"}]}`, string(data))
}

func TestNextArchiveState(t *testing.T) {
	tests := []struct {
		desired, current ArchiveState
		next             ArchiveState
		ok               bool
	}{
		{StateToLive, StateArchived, StateToLive, true},
		{StateToLive, StateToArchive, StateLive, true},
		{StateToLive, StateLive, "", false},
		{StateToLive, StateToLive, "", false},
		{StateToArchive, StateLive, StateToArchive, true},
		{StateToArchive, StateToLive, "", false},
		{StateToArchive, StateArchived, "", false},
		{StateToArchive, StateToArchive, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.desired)+"_from_"+string(tt.current), func(t *testing.T) {
			next, ok, err := NextArchiveState(tt.desired, tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.next, next)
		})
	}

	for _, bad := range []ArchiveState{StateLive, StateArchived, "frozen"} {
		_, _, err := NextArchiveState(bad, StateLive)
		assert.Error(t, err, "desired %q", bad)
	}
}
