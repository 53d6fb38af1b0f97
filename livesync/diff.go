package livesync

import (
	"time"
)

type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusLive      SessionStatus = "live"
	SessionStatusBreak     SessionStatus = "break"
	SessionStatusFinished  SessionStatus = "finished"
)

type SongEntry struct {
	SongId   Id     `json:"song_id"`
	Title    string `json:"title,omitempty"`
	OwnerId  Id     `json:"owner_id,omitempty"`
	Position int    `json:"position"`
}

// Snapshot is the full live state of one session.
// Both transports produce the same shape. A snapshot is never mutated
// after publish; every update is a new value.
type Snapshot struct {
	SessionId      Id            `json:"session_id"`
	Status         SessionStatus `json:"status"`
	CurrentSongId  *Id           `json:"current_song_id,omitempty"`
	NextSongId     *Id           `json:"next_song_id,omitempty"`
	ParticipantIds []Id          `json:"participant_ids"`
	Songs          []*SongEntry  `json:"songs,omitempty"`
	QueueVersion   uint64        `json:"queue_version"`
	UpdatedAt      time.Time     `json:"updated_at,omitempty"`
}

// ChangeSet describes which facets differ between two snapshots.
// An empty ChangeSet means do not re-render.
type ChangeSet struct {
	StatusChanged       bool
	CurrentChanged      bool
	NextChanged         bool
	QueueChanged        bool
	ParticipantsAdded   []Id
	ParticipantsRemoved []Id
}

func (self *ChangeSet) Empty() bool {
	return !self.StatusChanged &&
		!self.CurrentChanged &&
		!self.NextChanged &&
		!self.QueueChanged &&
		len(self.ParticipantsAdded) == 0 &&
		len(self.ParticipantsRemoved) == 0
}

// DiffSnapshots compares two snapshots by facet identity.
// Each facet is compared on its key identifier only, so benign field churn
// such as a re-serialized timestamp never yields a change signal.
// A nil previous means everything present in next counts as changed and
// every participant counts as added.
// Pure: no i/o, inputs are not mutated, identical inputs give identical
// change sets.
func DiffSnapshots(previous *Snapshot, next *Snapshot) *ChangeSet {
	changeSet := &ChangeSet{}
	if next == nil {
		return changeSet
	}

	if previous == nil {
		changeSet.StatusChanged = next.Status != ""
		changeSet.CurrentChanged = next.CurrentSongId != nil
		changeSet.NextChanged = next.NextSongId != nil
		changeSet.QueueChanged = 0 < len(next.Songs) || 0 < next.QueueVersion
		changeSet.ParticipantsAdded = append([]Id{}, next.ParticipantIds...)
		return changeSet
	}

	changeSet.StatusChanged = previous.Status != next.Status
	changeSet.CurrentChanged = !idPtrEqual(previous.CurrentSongId, next.CurrentSongId)
	changeSet.NextChanged = !idPtrEqual(previous.NextSongId, next.NextSongId)
	// the queue version is the identity of the song list.
	// comparing versions bounds the cost independent of the queue size.
	changeSet.QueueChanged = previous.QueueVersion != next.QueueVersion

	previousIds := map[Id]bool{}
	for _, participantId := range previous.ParticipantIds {
		previousIds[participantId] = true
	}
	nextIds := map[Id]bool{}
	for _, participantId := range next.ParticipantIds {
		nextIds[participantId] = true
	}
	for _, participantId := range next.ParticipantIds {
		if !previousIds[participantId] {
			changeSet.ParticipantsAdded = append(changeSet.ParticipantsAdded, participantId)
		}
	}
	for _, participantId := range previous.ParticipantIds {
		if !nextIds[participantId] {
			changeSet.ParticipantsRemoved = append(changeSet.ParticipantsRemoved, participantId)
		}
	}

	return changeSet
}

func idPtrEqual(a *Id, b *Id) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
