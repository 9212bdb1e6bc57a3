package media

import "fmt"

// ArchiveState tracks a media's position in the archive lifecycle.
type ArchiveState string

const (
	StateLive      ArchiveState = "live"
	StateToArchive ArchiveState = "to_archive"
	StateArchived  ArchiveState = "archived"
	StateToLive    ArchiveState = "to_live"
)

// ArchiveStates lists every state.
var ArchiveStates = []ArchiveState{StateLive, StateToArchive, StateArchived, StateToLive}

// NextArchiveState returns the state a media moves to when desired is
// requested from current. ok is false when the request causes no
// transition, including to_archive while a restore is in flight.
// desired must be to_live or to_archive.
func NextArchiveState(desired, current ArchiveState) (next ArchiveState, ok bool, err error) {
	switch desired {
	case StateToLive:
		switch current {
		case StateArchived:
			return StateToLive, true, nil
		case StateToArchive:
			return StateLive, true, nil
		}
		return "", false, nil
	case StateToArchive:
		if current == StateLive {
			return StateToArchive, true, nil
		}
		return "", false, nil
	}
	return "", false, fmt.Errorf("invalid archive state request %q", desired)
}
