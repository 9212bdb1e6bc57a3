package service

import (
	"fmt"
	"strings"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/media"
	"github.com/roach88/annometa/internal/store"
)

// describeChange renders the before/after difference of an entity for the
// change log. before is nil for creations, after is nil for deletions.
func describeChange(before, after *store.Entity) string {
	switch {
	case before == nil && after == nil:
		return ""
	case before == nil:
		return fmt.Sprintf("created %s %q", after.Ref(), after.Name)
	case after == nil:
		return fmt.Sprintf("deleted %s %q", before.Ref(), before.Name)
	}

	var diffs []string
	if before.Name != after.Name {
		diffs = append(diffs, fmt.Sprintf("name: %q -> %q", before.Name, after.Name))
	}
	if before.ArchiveState != after.ArchiveState {
		diffs = append(diffs, fmt.Sprintf("archive_state: %s -> %s", before.ArchiveState, after.ArchiveState))
	}
	if before.SectionID != after.SectionID {
		diffs = append(diffs, fmt.Sprintf("section: %d -> %d", before.SectionID, after.SectionID))
	}

	keys := map[string]bool{}
	for k := range before.Attributes {
		keys[k] = true
	}
	for k := range after.Attributes {
		keys[k] = true
	}
	for _, k := range attr.SortedKeys(keys) {
		old, hadOld := before.Attributes[k]
		cur, hasCur := after.Attributes[k]
		switch {
		case hadOld && hasCur && attr.Equal(old, cur):
		case !hadOld:
			diffs = append(diffs, fmt.Sprintf("%q: <unset> -> %v", k, cur.Native()))
		case !hasCur:
			diffs = append(diffs, fmt.Sprintf("%q: %v -> <unset>", k, old.Native()))
		default:
			diffs = append(diffs, fmt.Sprintf("%q: %v -> %v", k, old.Native(), cur.Native()))
		}
	}

	added, removed := media.Diff(before.Files, after.Files)
	for _, p := range added {
		diffs = append(diffs, "+file "+p)
	}
	for _, p := range removed {
		diffs = append(diffs, "-file "+p)
	}

	if len(diffs) == 0 {
		return fmt.Sprintf("updated %s (no changes)", after.Ref())
	}
	return fmt.Sprintf("updated %s: %s", after.Ref(), strings.Join(diffs, "; "))
}
