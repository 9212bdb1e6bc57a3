package service

import (
	"context"
	"net/url"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/querysql"
)

// SectionStats counts and sizes the media of one section.
type SectionStats struct {
	NumVideos          int64 `json:"num_videos"`
	DownloadSizeVideos int64 `json:"download_size_videos"`
	TotalSizeVideos    int64 `json:"total_size_videos"`
	NumImages          int64 `json:"num_images"`
	DownloadSizeImages int64 `json:"download_size_images"`
	TotalSizeImages    int64 `json:"total_size_images"`
}

// SectionStats aggregates the media matching params by section. Sections
// with no matching media are absent; unsectioned media are keyed 0.
func (s *Service) SectionStats(ctx context.Context, project int64, params url.Values) (map[int64]SectionStats, error) {
	plan, err := s.Plan(project, attr.KindMedia, params)
	if err != nil {
		return nil, err
	}
	buckets, err := s.index.Aggregate(ctx, plan, querysql.Aggregation{
		GroupBy: []string{queryir.FieldSection, queryir.FieldSubKind},
		Sum:     []string{queryir.FieldDownloadSize, queryir.FieldTotalSize},
	})
	if err != nil {
		return nil, err
	}

	out := map[int64]SectionStats{}
	for _, b := range buckets {
		section, _ := b.Keys[0].(int64)
		sub, _ := b.Keys[1].(string)
		st := out[section]
		switch attr.SubKind(sub) {
		case attr.SubKindVideo:
			st.NumVideos += b.Count
			st.DownloadSizeVideos += int64(b.Sums[0])
			st.TotalSizeVideos += int64(b.Sums[1])
		case attr.SubKindImage:
			st.NumImages += b.Count
			st.DownloadSizeImages += int64(b.Sums[0])
			st.TotalSizeImages += int64(b.Sums[1])
		}
		out[section] = st
	}
	return out, nil
}
