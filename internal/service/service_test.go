package service

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/cascade"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/metrics"
	"github.com/roach88/annometa/internal/mutation"
	"github.com/roach88/annometa/internal/resource"
	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/store"
	testfix "github.com/roach88/annometa/internal/testutil"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	index  *search.SQLiteIndex
	sync   *search.Synchronizer
	blobs  *blob.Memory
	reaper *cascade.Reaper

	video, image, box, state attr.EntityType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	clock := testfix.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(filepath.Join(dir, "store.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	index, err := search.OpenSQLite(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	log := zaptest.NewLogger(t)
	m := metrics.NewNop()
	blobs := blob.NewMemory()
	counter := resource.NewCounter(log, s, blobs, m, time.Minute)
	sync := search.NewSynchronizer(log, search.SyncConfig{}, s, index, m)
	prop := cascade.NewPropagator(log, s, counter, index, m)
	svc, err := New(ctx, log, Config{}, Deps{
		Store:      s,
		Index:      index,
		Blobs:      blobs,
		Counter:    counter,
		Propagator: prop,
		Mutations:  mutation.NewEngine(log, s, index, m),
		Metrics:    m,
	})
	require.NoError(t, err)

	f := &fixture{
		svc:    svc,
		store:  s,
		index:  index,
		sync:   sync,
		blobs:  blobs,
		reaper: cascade.NewReaper(log, cascade.Config{}, s, prop, counter, sync),
	}
	video := testfix.EntityType(1, attr.SubKindVideo, "Video")
	video.Attributes = testfix.RequiredTestAttributes()
	f.video = f.putType(t, video)
	f.image = f.putType(t, testfix.EntityType(1, attr.SubKindImage, "Image"))
	f.box = f.putType(t, testfix.EntityType(1, attr.SubKindBox, "Box"))
	f.state = f.putType(t, testfix.EntityType(1, attr.SubKindState, "State"))
	return f
}

func (f *fixture) putType(t *testing.T, et attr.EntityType) attr.EntityType {
	t.Helper()
	stored, err := f.svc.PutEntityType(context.Background(), et, "admin")
	require.NoError(t, err)
	return stored
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.sync.Drain(context.Background())
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, req CreateRequest) store.Entity {
	t.Helper()
	ctx := context.Background()
	if req.Project == 0 {
		req.Project = 1
	}
	if req.Actor == "" {
		req.Actor = "alice"
	}
	for _, p := range req.Files.Paths() {
		if !f.blobs.Exists(p) {
			require.NoError(t, f.blobs.Put(ctx, p, strings.NewReader(p), int64(len(p)), ""))
		}
	}
	e, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	return e
}

func (f *fixture) videoNamed(t *testing.T, name string, paths ...string) store.Entity {
	files := make([]media.File, len(paths))
	for i, p := range paths {
		files[i] = media.File{Path: p, Size: 100}
	}
	var manifest media.Manifest
	if len(files) > 0 {
		manifest = media.Manifest{media.RoleStreaming: files}
	}
	return f.create(t, CreateRequest{TypeID: f.video.ID, Name: name, Files: manifest})
}

func (f *fixture) list(t *testing.T, kind attr.Kind, params string) []store.Entity {
	t.Helper()
	values, err := url.ParseQuery(params)
	require.NoError(t, err)
	res, err := f.svc.List(context.Background(), 1, kind, values)
	require.NoError(t, err)
	return res.Entities
}

func ids(es []store.Entity) []int64 {
	out := make([]int64, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestCreate_FillsDefaults(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateRequest{TypeID: f.video.ID, Name: "a.mp4"})

	assert.Equal(t, attr.KindMedia, e.Kind)
	assert.Equal(t, attr.SubKindVideo, e.SubKind)
	assert.Equal(t, f.video.Version, e.TypeVersion)
	assert.Equal(t, attr.Int(42), e.Attributes["Int Test"])
	assert.Equal(t, attr.String("asdf_default"), e.Attributes["String Test"])
	assert.Equal(t, attr.NewDatetime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), e.Attributes["Datetime Test"])
	assert.Equal(t, media.StateLive, e.ArchiveState)

	changes, err := f.store.Changes(context.Background(), e.Ref())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, fmt.Sprintf(`created media/%d "a.mp4"`, e.ID), changes[0].Description)
}

func TestCreate_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid := f.videoNamed(t, "a.mp4")
	loc := f.create(t, CreateRequest{TypeID: f.box.ID, Name: "box", MediaID: vid.ID})

	tests := []struct {
		name  string
		req   CreateRequest
		class *errs.Class
	}{
		{"unknown attribute", CreateRequest{Project: 1, TypeID: f.video.ID, Attributes: map[string]any{"Nope": 1}}, &fault.Validation},
		{"out of range", CreateRequest{Project: 1, TypeID: f.video.ID, Attributes: map[string]any{"Int Test": 100000}}, &fault.Validation},
		{"wrong project", CreateRequest{Project: 2, TypeID: f.video.ID}, &fault.Validation},
		{"unknown type", CreateRequest{Project: 1, TypeID: 999}, &fault.NotFound},
		{"localization without media", CreateRequest{Project: 1, TypeID: f.box.ID}, &fault.MissingField},
		{"localization of missing media", CreateRequest{Project: 1, TypeID: f.box.ID, MediaID: 999}, &fault.NotFound},
		{"localization of a localization", CreateRequest{Project: 1, TypeID: f.box.ID, MediaID: loc.ID}, &fault.Validation},
		{"files on a localization", CreateRequest{Project: 1, TypeID: f.box.ID, MediaID: vid.ID,
			Files: media.Manifest{media.RoleImage: {{Path: "x"}}}}, &fault.Validation},
		{"state of a localization", CreateRequest{Project: 1, TypeID: f.state.ID, StateMedia: []int64{loc.ID}}, &fault.Validation},
		{"unknown section", CreateRequest{Project: 1, TypeID: f.video.ID, SectionID: 77}, &fault.NotFound},
		{"unknown role", CreateRequest{Project: 1, TypeID: f.video.ID,
			Files: media.Manifest{"raw": {{Path: "x"}}}}, &fault.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.class.Has(err), "%v", err)
		})
	}
}

func TestPatch_IntRangeAndQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4")

	_, err := f.svc.Patch(ctx, e.ID, PatchRequest{Attributes: map[string]any{"Int Test": 100000}, Actor: "alice"})
	require.Error(t, err)
	assert.True(t, fault.Validation.Has(err))

	patched, err := f.svc.Patch(ctx, e.ID, PatchRequest{Attributes: map[string]any{"Int Test": 500}, Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, attr.Int(500), patched.Attributes["Int Test"])
	assert.Equal(t, int64(2), patched.Revision)
	assert.Equal(t, "bob", patched.ModifiedBy)
	f.drain(t)

	assert.Equal(t, []int64{e.ID}, ids(f.list(t, attr.KindMedia, "attribute_gt=Int Test::400")))
	assert.Empty(t, f.list(t, attr.KindMedia, "attribute_lt=Int Test::400"))

	changes, err := f.store.Changes(ctx, e.Ref())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Contains(t, changes[1].Description, `"Int Test": 42 -> 500`)
	assert.Equal(t, "bob", changes[1].Actor)
}

func TestPatch_RevisionAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4")
	name := "b.mp4"

	_, err := f.svc.Patch(ctx, e.ID, PatchRequest{Revision: 7, Name: &name})
	assert.True(t, fault.Conflict.Has(err))

	_, err = f.svc.Patch(ctx, e.ID, PatchRequest{})
	assert.True(t, fault.Validation.Has(err))

	got, err := f.svc.Patch(ctx, e.ID, PatchRequest{Revision: 1, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "b.mp4", got.Name)

	steps := []struct {
		desired media.ArchiveState
		want    media.ArchiveState
	}{
		{media.StateToLive, media.StateLive},
		{media.StateToArchive, media.StateToArchive},
		{media.StateToArchive, media.StateToArchive},
		{media.StateToLive, media.StateLive},
	}
	for _, step := range steps {
		got, err = f.svc.Patch(ctx, e.ID, PatchRequest{ArchiveState: step.desired})
		require.NoError(t, err)
		assert.Equal(t, step.want, got.ArchiveState, "request %s", step.desired)
	}
	assert.Equal(t, int64(4), got.Revision, "no-op requests do not bump the revision")

	_, err = f.svc.Patch(ctx, e.ID, PatchRequest{ArchiveState: media.StateArchived})
	assert.True(t, fault.Validation.Has(err))
}

func TestList_PaginationContinuity(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"e", "c", "a", "d", "b"} {
		f.videoNamed(t, name)
	}
	f.drain(t)

	a := f.list(t, attr.KindMedia, "start=0&stop=2")
	b := f.list(t, attr.KindMedia, "start=1&stop=4")
	require.Len(t, a, 2)
	require.Len(t, b, 3)
	assert.Equal(t, a[1].ID, b[0].ID)
	assert.Equal(t, "b", a[1].Name)

	values, err := url.ParseQuery("start=1&stop=4")
	require.NoError(t, err)
	res, err := f.svc.List(context.Background(), 1, attr.KindMedia, values)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Total)

	_, err = f.svc.List(context.Background(), 1, attr.KindMedia, url.Values{"stop": {"20000"}})
	assert.True(t, fault.BadQuery.Has(err))
}

func TestDelete_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid := f.videoNamed(t, "a.mp4")
	loc := f.create(t, CreateRequest{TypeID: f.box.ID, Name: "box", MediaID: vid.ID})
	st := f.create(t, CreateRequest{TypeID: f.state.ID, Name: "track", StateMedia: []int64{vid.ID}})
	f.drain(t)
	require.Len(t, f.list(t, attr.KindLocalization, ""), 1)

	marked, err := f.svc.Delete(ctx, vid.ID, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{vid.ID, loc.ID, st.ID}, ids(marked))
	f.drain(t)

	assert.Empty(t, f.list(t, attr.KindMedia, ""))
	assert.Empty(t, f.list(t, attr.KindLocalization, ""))
	assert.Empty(t, f.list(t, attr.KindState, ""))

	_, err = f.svc.Delete(ctx, vid.ID, "alice")
	assert.True(t, fault.NotFound.Has(err))
	_, err = f.svc.Get(ctx, loc.ID)
	assert.True(t, fault.NotFound.Has(err))
}

func TestBulkPatch_SkipsEntitiesGoneSinceResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.videoNamed(t, "a")
	b := f.videoNamed(t, "b")
	gone := f.videoNamed(t, "c")
	f.drain(t)

	// Tombstoned in the store, still in the index.
	require.NoError(t, f.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Tombstone(ctx, []int64{gone.ID}, "alice")
		return err
	}))
	count, err := f.svc.Count(ctx, 1, attr.KindMedia, url.Values{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(f.list(t, attr.KindMedia, "")))

	n, err := f.svc.BulkPatch(ctx, 1, attr.KindMedia, url.Values{}, BulkPatchRequest{
		Attributes: map[string]any{"String Test": "bulk"},
		Actor:      "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.drain(t)

	assert.Equal(t, []int64{a.ID, b.ID}, ids(f.list(t, attr.KindMedia, "attribute=String Test::bulk")))
	stored, err := f.store.Entity(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, attr.String("asdf_default"), stored.Attributes["String Test"])

	n, err = f.svc.BulkPatch(ctx, 1, attr.KindMedia, url.Values{"name": {"a"}}, BulkPatchRequest{ArchiveState: media.StateToArchive})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateToArchive, got.ArchiveState)

	_, err = f.svc.BulkPatch(ctx, 1, attr.KindMedia, url.Values{}, BulkPatchRequest{})
	assert.True(t, fault.Validation.Has(err))
	_, err = f.svc.BulkPatch(ctx, 1, attr.KindMedia, url.Values{}, BulkPatchRequest{
		Attributes: map[string]any{"Int Test": 100000},
	})
	assert.True(t, fault.Validation.Has(err))
}

func TestBulkDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.videoNamed(t, "keep")
	drop := f.videoNamed(t, "drop")
	f.create(t, CreateRequest{TypeID: f.box.ID, Name: "box", MediaID: drop.ID})
	f.drain(t)

	n, err := f.svc.BulkDelete(ctx, 1, attr.KindMedia, url.Values{"name": {"drop"}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.drain(t)

	assert.Equal(t, []int64{keep.ID}, ids(f.list(t, attr.KindMedia, "")))
	assert.Empty(t, f.list(t, attr.KindLocalization, ""))
}

func TestClone_SharesObjectsUntilLastPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dest := testfix.EntityType(2, attr.SubKindVideo, "Video")
	dest.Attributes = []attr.Definition{{Name: "Int Test", Dtype: attr.DtypeInt}}
	destType := f.putType(t, dest)

	src := f.videoNamed(t, "src.mp4", "shared.mp4")
	f.drain(t)

	cloned, err := f.svc.Clone(ctx, 1, url.Values{}, CloneRequest{
		DestProject: 2, DestType: destType.ID, DestSection: "Imported", Actor: "alice",
	})
	require.NoError(t, err)
	require.Len(t, cloned, 1)

	clone, err := f.svc.Get(ctx, cloned[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), clone.Project)
	assert.Equal(t, "src.mp4", clone.Name)
	assert.Equal(t, attr.Map{"Int Test": attr.Int(42)}, clone.Attributes)
	assert.Equal(t, src.Files, clone.Files)
	sections, err := f.store.Sections(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, sections[0].ID, clone.SectionID)

	res, err := f.store.Resource(ctx, "shared.mp4")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{src.ID, clone.ID}, res.Owners)

	_, err = f.svc.Delete(ctx, src.ID, "alice")
	require.NoError(t, err)
	_, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, f.blobs.Exists("shared.mp4"))

	_, err = f.svc.Delete(ctx, clone.ID, "alice")
	require.NoError(t, err)
	_, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, f.blobs.Exists("shared.mp4"))
	assert.Equal(t, 1, f.blobs.Deletes("shared.mp4"))
}

func TestClone_Refused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.videoNamed(t, "a.mp4")
	f.videoNamed(t, "b.mp4")
	f.drain(t)

	f.svc.config.MaxClone = 1
	_, err := f.svc.Clone(ctx, 1, url.Values{}, CloneRequest{DestProject: 1, DestType: f.video.ID})
	assert.True(t, fault.BadQuery.Has(err))

	cloned, err := f.svc.Clone(ctx, 1, url.Values{"start": {"0"}, "stop": {"1"}}, CloneRequest{DestProject: 1, DestType: f.video.ID})
	require.NoError(t, err)
	assert.Len(t, cloned, 1)

	_, err = f.svc.Clone(ctx, 1, url.Values{"start": {"0"}, "stop": {"1"}}, CloneRequest{DestProject: 1, DestType: f.image.ID})
	assert.True(t, fault.Validation.Has(err), "video into an image type")
	_, err = f.svc.Clone(ctx, 1, url.Values{"start": {"0"}, "stop": {"1"}}, CloneRequest{DestProject: 1, DestType: f.box.ID})
	assert.True(t, fault.Validation.Has(err), "media into a localization type")
}

func TestSetFiles_ReferencesBeforeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4", "old.mp4", "keep.mp4")
	other := f.videoNamed(t, "b.mp4", "keep.mp4")
	require.NoError(t, f.blobs.Put(ctx, "new.mp4", strings.NewReader("new"), 3, ""))

	updated, err := f.svc.SetFiles(ctx, e.ID, media.RoleStreaming, []media.File{
		{Path: "new.mp4", Size: 3},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.mp4"}, updated.Files.Paths())

	assert.False(t, f.blobs.Exists("old.mp4"))
	assert.True(t, f.blobs.Exists("keep.mp4"), "still owned by %d", other.ID)
	assert.True(t, f.blobs.Exists("new.mp4"))

	res, err := f.store.Resource(ctx, "keep.mp4")
	require.NoError(t, err)
	assert.Equal(t, []int64{other.ID}, res.Owners)
	res, err = f.store.Resource(ctx, "new.mp4")
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, res.Owners)

	_, err = f.svc.SetFiles(ctx, e.ID, "raw", nil, "alice")
	assert.True(t, fault.Validation.Has(err))
	loc := f.create(t, CreateRequest{TypeID: f.box.ID, Name: "box", MediaID: e.ID})
	_, err = f.svc.SetFiles(ctx, loc.ID, media.RoleImage, []media.File{{Path: "x"}}, "alice")
	assert.True(t, fault.Validation.Has(err))
}

func TestSetFiles_DeleteFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4", "old.mp4")
	f.blobs.FailDeletes("old.mp4", assert.AnError)

	_, err := f.svc.SetFiles(ctx, e.ID, media.RoleStreaming, nil, "alice")
	require.NoError(t, err)
	assert.True(t, f.blobs.Exists("old.mp4"))

	res, err := f.store.Resource(ctx, "old.mp4")
	require.NoError(t, err)
	assert.Empty(t, res.Owners)
}

func TestSectionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var sec store.Section
	require.NoError(t, f.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		sec, err = tx.CreateSection(ctx, 1, "Field trip")
		return err
	}))
	f.create(t, CreateRequest{TypeID: f.video.ID, Name: "v1", SectionID: sec.ID,
		Files: media.Manifest{media.RoleStreaming: {{Path: "v1.mp4", Size: 100}}}})
	f.create(t, CreateRequest{TypeID: f.video.ID, Name: "v2", SectionID: sec.ID,
		Files: media.Manifest{
			media.RoleStreaming: {{Path: "v2.mp4", Size: 50}},
			media.RoleArchival:  {{Path: "v2.mov", Size: 400}},
		}})
	f.create(t, CreateRequest{TypeID: f.image.ID, Name: "i1",
		Files: media.Manifest{media.RoleImage: {{Path: "i1.png", Size: 7}}}})
	f.drain(t)

	stats, err := f.svc.SectionStats(ctx, 1, url.Values{})
	require.NoError(t, err)
	assert.Equal(t, map[int64]SectionStats{
		sec.ID: {NumVideos: 2, DownloadSizeVideos: 500, TotalSizeVideos: 550},
		0:      {NumImages: 1, DownloadSizeImages: 7, TotalSizeImages: 7},
	}, stats)
}

func TestPresign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, CreateRequest{TypeID: f.video.ID, Name: "a.mp4", Files: media.Manifest{
		media.RoleStreaming: {{Path: "a/720.mp4", Size: 10, SegmentInfo: "a/720.json"}},
		media.RoleThumbnail: {{Path: "a/thumb.jpg", Size: 1}},
	}})

	signed, err := f.svc.Presign(ctx, e.ID)
	require.NoError(t, err)
	stream := signed[media.RoleStreaming][0]
	assert.True(t, strings.HasPrefix(stream.Path, "memory:///a/720.mp4?"), stream.Path)
	assert.True(t, strings.HasPrefix(stream.SegmentInfo, "memory:///a/720.json?"), stream.SegmentInfo)
	assert.True(t, strings.HasPrefix(signed[media.RoleThumbnail][0].Path, "memory:///a/thumb.jpg?"))

	stored, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "a/720.mp4", stored.Files[media.RoleStreaming][0].Path, "the stored manifest is untouched")
}

func TestMultipartUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up, err := f.svc.InitiateUpload(ctx, "up/big.mp4", 2)
	require.NoError(t, err)
	require.Len(t, up.URLs, 2)
	u, err := url.Parse(up.URLs[1])
	require.NoError(t, err)
	assert.Equal(t, "2", u.Query().Get("partNumber"))

	e1, err := f.blobs.UploadPart(up.UploadID, 1, []byte("hello "))
	require.NoError(t, err)
	e2, err := f.blobs.UploadPart(up.UploadID, 2, []byte("world"))
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteUpload(ctx, up.Path, up.UploadID, []blob.Part{{Number: 1, ETag: e1}, {Number: 2, ETag: e2}}))

	info, err := f.blobs.Head(ctx, "up/big.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)

	_, err = f.svc.InitiateUpload(ctx, "up/none.mp4", 0)
	assert.True(t, fault.Validation.Has(err))
	err = f.svc.CompleteUpload(ctx, up.Path, "nope", []blob.Part{{Number: 1}})
	assert.True(t, fault.Storage.Has(err))
}

func TestPutEntityType_Versions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	same, err := f.svc.PutEntityType(ctx, f.image, "admin")
	require.NoError(t, err)
	assert.Equal(t, f.image.Version, same.Version)

	grown := f.image
	grown.Attributes = append(append([]attr.Definition(nil), f.image.Attributes...),
		attr.Definition{Name: "Notes", Dtype: attr.DtypeString})
	next, err := f.svc.PutEntityType(ctx, grown, "admin")
	require.NoError(t, err)
	assert.Equal(t, f.image.Version+1, next.Version)

	dropped := f.image
	dropped.Attributes = f.image.Attributes[1:]
	_, err = f.svc.PutEntityType(ctx, dropped, "admin")
	assert.True(t, fault.Conflict.Has(err))

	retyped := next
	retyped.Attributes = append([]attr.Definition(nil), next.Attributes...)
	retyped.Attributes[1] = attr.Definition{Name: "Int Test", Dtype: attr.DtypeFloat}
	_, err = f.svc.PutEntityType(ctx, retyped, "admin")
	assert.True(t, fault.Conflict.Has(err))

	moved := next
	moved.Project = 9
	_, err = f.svc.PutEntityType(ctx, moved, "admin")
	assert.True(t, fault.Conflict.Has(err))

	mapping, err := f.index.Mapping(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, attr.DtypeString, mapping["attr.Notes.string"])
}

func withDefinition(et attr.EntityType, def attr.Definition) attr.EntityType {
	next := et
	next.Attributes = append([]attr.Definition(nil), et.Attributes...)
	for i := range next.Attributes {
		if next.Attributes[i].Name == def.Name {
			next.Attributes[i] = def
		}
	}
	return next
}

func TestPutEntityType_RevalidatesStoredValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4")
	_, err := f.svc.Patch(ctx, e.ID, PatchRequest{Attributes: map[string]any{"Int Test": 500}})
	require.NoError(t, err)
	f.videoNamed(t, "b.mp4")

	def, _ := f.video.Lookup("Int Test")
	def.Maximum = attr.Float64(100)
	_, err = f.svc.PutEntityType(ctx, withDefinition(f.video, def), "admin")
	require.Error(t, err)
	assert.True(t, fault.Conflict.Has(err), "got %v", err)
	failures, ok := fault.Failures(err)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, e.ID, failures[0].EntityID)

	current, err := f.svc.EntityType(ctx, f.video.ID)
	require.NoError(t, err)
	assert.Equal(t, f.video.Version, current.Version)

	def.Maximum = attr.Float64(1000)
	next, err := f.svc.PutEntityType(ctx, withDefinition(f.video, def), "admin")
	require.NoError(t, err)
	assert.Equal(t, f.video.Version+1, next.Version)
}

func TestPutEntityType_FillsNewlyRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.create(t, CreateRequest{TypeID: f.image.ID, Name: "i.png"})
	require.NotContains(t, img.Attributes, "String Test")

	noDefault, _ := f.image.Lookup("Bool Test")
	noDefault.Required = true
	noDefault.Default = nil
	_, err := f.svc.PutEntityType(ctx, withDefinition(f.image, noDefault), "admin")
	require.Error(t, err)
	failures, ok := fault.Failures(err)
	require.True(t, ok, "got %v", err)
	require.Len(t, failures, 1)
	assert.Equal(t, img.ID, failures[0].EntityID)

	def, _ := f.image.Lookup("String Test")
	def.Required = true
	_, err = f.svc.PutEntityType(ctx, withDefinition(f.image, def), "admin")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, attr.String("asdf_default"), got.Attributes["String Test"])

	f.drain(t)
	assert.Equal(t, []int64{img.ID}, ids(f.list(t, attr.KindMedia, "attribute=String Test::asdf_default")))
}

func TestMutateAttribute_RefreshesRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.videoNamed(t, "a.mp4")
	_, err := f.svc.Patch(ctx, e.ID, PatchRequest{Attributes: map[string]any{"Int Test": 500}})
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, []int64{e.ID}, ids(f.list(t, attr.KindMedia, "attribute_gt=Int Test::400.5")),
		"an int attribute compares against a fractional bound")

	def, _ := f.video.Lookup("Int Test")
	def.Dtype = attr.DtypeFloat
	def.Default = attr.Float(42)
	_, err = f.svc.MutateAttribute(ctx, mutation.Request{TypeID: f.video.ID, Attribute: "Int Test", Definition: def, Actor: "admin"})
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, []int64{e.ID}, ids(f.list(t, attr.KindMedia, "attribute_gt=Int Test::400.5")))

	created := f.create(t, CreateRequest{TypeID: f.video.ID, Name: "b.mp4", Attributes: map[string]any{"Int Test": 1.5}})
	assert.Equal(t, attr.Float(1.5), created.Attributes["Int Test"])
}
