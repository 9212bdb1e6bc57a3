package service

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/blob"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/store"
)

// SetFiles replaces the files of one role of a media. New paths are
// referenced in the same transaction as the manifest change; paths the
// media no longer uses are released after the commit, unless a later write
// has put them back in the manifest, so a shared object is never deleted
// while the media still points at it.
func (s *Service) SetFiles(ctx context.Context, id int64, role media.Role, files []media.File, actor string) (store.Entity, error) {
	if !role.Valid() {
		return store.Entity{}, fault.Validation.New("unknown media file role %q", role)
	}
	var (
		updated store.Entity
		removed []string
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		e, err := tx.LiveEntity(ctx, id)
		if err != nil {
			return err
		}
		if e.Kind != attr.KindMedia {
			return fault.Validation.New("entity %d is a %s, only media carry files", id, e.Kind)
		}
		next := e
		next.Files = e.Files.With(role, files)
		if err := next.Files.Check(); err != nil {
			return fault.Validation.Wrap(err)
		}
		var added []string
		added, removed = media.Diff(e.Files, next.Files)
		if err := s.counter.Register(ctx, tx, id, added); err != nil {
			return err
		}
		if err := s.write(ctx, tx, e, &next, actor); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return store.Entity{}, err
	}

	for _, p := range removed {
		if _, err := s.counter.Detach(ctx, p, id); err != nil {
			// The resource row outlives a failed delete; the orphan sweep retries it.
			s.log.Warn("releasing replaced file deferred",
				zap.Int64("entity", id), zap.String("path", p), zap.Error(err))
		}
	}
	return updated, nil
}

// CloneRequest copies media into a destination project, type and section.
type CloneRequest struct {
	DestProject int64
	DestType    int64
	// DestSection names the destination section; it is created when the
	// project has none by that name. Empty leaves clones unsectioned.
	DestSection string
	Actor       string
}

// Clone copies the media of project matching params without copying their
// objects: every clone takes a reference on the source's paths. A request
// matching more than the clone limit is refused; page with start, stop or
// after. It returns the new ids in source order.
func (s *Service) Clone(ctx context.Context, project int64, params url.Values, req CloneRequest) ([]int64, error) {
	plan, err := s.Plan(project, attr.KindMedia, params)
	if err != nil {
		return nil, err
	}
	srcIDs, _, err := s.resolve(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(srcIDs) > s.config.MaxClone {
		return nil, fault.BadQuery.New("clone matched %d media; at most %d may be cloned per request", len(srcIDs), s.config.MaxClone)
	}
	if len(srcIDs) == 0 {
		return []int64{}, nil
	}

	cloned := []int64{}
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		et, err := tx.EntityType(ctx, req.DestType)
		if err != nil {
			return err
		}
		if et.Project != req.DestProject || et.Kind != attr.KindMedia {
			return fault.Validation.New("entity type %d is not a media type of project %d", et.ID, req.DestProject)
		}
		var sectionID int64
		if req.DestSection != "" {
			sec, ok, err := tx.SectionNamed(ctx, req.DestProject, req.DestSection)
			if err != nil {
				return err
			}
			if !ok {
				if sec, err = tx.CreateSection(ctx, req.DestProject, req.DestSection); err != nil {
					return err
				}
			}
			sectionID = sec.ID
		}

		sources, err := tx.Entities(ctx, srcIDs)
		if err != nil {
			return err
		}
		order := make(map[int64]store.Entity, len(sources))
		for _, src := range sources {
			order[src.ID] = src
		}

		var refs []attr.Ref
		for _, id := range srcIDs {
			src, ok := order[id]
			if !ok || src.Deleted || src.Project != project {
				continue
			}
			if src.SubKind != et.SubKind {
				return fault.Validation.New("media %d is a %s; entity type %d holds %s", src.ID, src.SubKind, et.ID, et.SubKind)
			}
			attrs, err := s.carryAttributes(et, src.Attributes)
			if err != nil {
				return err
			}
			clone := store.Entity{
				Project:      req.DestProject,
				Kind:         attr.KindMedia,
				SubKind:      et.SubKind,
				TypeID:       et.ID,
				TypeVersion:  et.Version,
				Name:         src.Name,
				MD5:          src.MD5,
				SectionID:    sectionID,
				Attributes:   attrs,
				Files:        src.Files.Clone(),
				ArchiveState: src.ArchiveState,
				CreatedBy:    req.Actor,
			}
			if err := tx.InsertEntity(ctx, &clone); err != nil {
				return err
			}
			if err := s.counter.Register(ctx, tx, clone.ID, clone.Files.Paths()); err != nil {
				return err
			}
			if err := s.enqueueUpsert(ctx, tx, clone); err != nil {
				return err
			}
			cloned = append(cloned, clone.ID)
			refs = append(refs, clone.Ref())
		}
		if len(refs) == 0 {
			return nil
		}
		_, err = tx.AppendChange(ctx, store.Change{
			Project:     req.DestProject,
			Actor:       req.Actor,
			Description: "cloned from project media",
			Objects:     refs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return cloned, nil
}

// carryAttributes keeps the source values the destination type defines,
// revalidated, and fills the rest from its defaults.
func (s *Service) carryAttributes(et attr.EntityType, src attr.Map) (attr.Map, error) {
	supplied := map[string]any{}
	for _, def := range et.Attributes {
		if v, ok := src[def.Name]; ok && v.Dtype() == def.Dtype {
			supplied[def.Name] = v
		}
	}
	return s.validator.FillDefaults(et.Attributes, supplied)
}

// Presign returns the media's manifest with every path, and every streaming
// segment index, replaced by a presigned download url.
func (s *Service) Presign(ctx context.Context, id int64) (media.Manifest, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := e.Files.Clone()
	for _, role := range media.Roles {
		for i := range out[role] {
			f := &out[role][i]
			if f.Path, err = s.presign(ctx, f.Path); err != nil {
				return nil, err
			}
			if role != media.RoleStreaming {
				continue
			}
			if f.SegmentInfo == "" {
				s.log.Warn("streaming file has no segment index", zap.Int64("media", id))
				continue
			}
			if f.SegmentInfo, err = s.presign(ctx, f.SegmentInfo); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *Service) presign(ctx context.Context, path string) (string, error) {
	u, err := s.blobs.PresignGet(ctx, path, s.config.PresignTTL)
	if err != nil {
		return "", fault.Storage.Wrap(err)
	}
	return u, nil
}

// Upload is an initiated multipart upload and the urls its parts are put to.
type Upload struct {
	Path     string
	UploadID string
	URLs     []string
}

// InitiateUpload starts a multipart upload of parts parts to path.
func (s *Service) InitiateUpload(ctx context.Context, path string, parts int) (Upload, error) {
	if path == "" || parts < 1 || parts > 10000 {
		return Upload{}, fault.Validation.New("multipart upload needs a path and 1 to 10000 parts")
	}
	uploadID, err := s.blobs.InitiateMultipart(ctx, path)
	if err != nil {
		return Upload{}, fault.Storage.Wrap(err)
	}
	up := Upload{Path: path, UploadID: uploadID, URLs: make([]string, parts)}
	for i := range up.URLs {
		if up.URLs[i], err = s.blobs.PresignPart(ctx, path, uploadID, i+1, s.config.PresignTTL); err != nil {
			return Upload{}, fault.Storage.Wrap(err)
		}
	}
	return up, nil
}

// CompleteUpload assembles the uploaded parts into the object.
func (s *Service) CompleteUpload(ctx context.Context, path, uploadID string, parts []blob.Part) error {
	if len(parts) == 0 {
		return fault.Validation.New("multipart upload %s has no parts", uploadID)
	}
	if err := s.blobs.CompleteMultipart(ctx, path, uploadID, parts); err != nil {
		return fault.Storage.Wrap(err)
	}
	return nil
}
