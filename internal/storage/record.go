package storage

import (
	"encoding/json"
	"time"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

// record is the gorm-mapped row backing the opaque info_hash -> Job map of
// spec.md §4.6. The Job itself is stored as an opaque JSON blob (State and
// Removed are also broken out into indexed columns; Iter filters on Removed
// and decodes every remaining row) -- the gorm.Model-per-field style
// of the teacher's models.Download is kept for the indexed columns, the
// "opaque" requirement is met by pushing everything else through JSON.
type record struct {
	InfoHash  string `gorm:"primaryKey"`
	State     string `gorm:"index"`
	Removed   bool   `gorm:"index"`
	Blob      []byte
	UpdatedAt time.Time
}

func recordFromSnapshot(s models.Snapshot, removed bool) (record, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return record{}, err
	}
	return record{
		InfoHash:  s.InfoHash,
		State:     string(s.State),
		Removed:   removed,
		Blob:      blob,
		UpdatedAt: time.Now(),
	}, nil
}

func (r record) toSnapshot() (models.Snapshot, error) {
	var s models.Snapshot
	if err := json.Unmarshal(r.Blob, &s); err != nil {
		return models.Snapshot{}, err
	}
	return s, nil
}
