// Package storage is the Persistence component of spec.md §4.6: an opaque
// durable map from info_hash to serialized Job, backed by gorm+sqlite the
// way the teacher's internal/storage package persists its Download rows.
package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

// ErrNotFound is returned by Get when no record matches the hash.
var ErrNotFound = errors.New("storage: record not found")

// Repository implements put/get/delete/iter over the Job table.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Put persists the full state of a job, synchronously. The Job Manager is
// responsible for throttling calls made while a job is downloading to at
// most once per second (spec.md §3 "Lifecycle", §4.6).
func (r *Repository) Put(s models.Snapshot) error {
	rec, err := recordFromSnapshot(s, false)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	return r.db.Save(&rec).Error
}

// Get loads a single job by info_hash.
func (r *Repository) Get(infoHash string) (models.Snapshot, error) {
	var rec record
	if err := r.db.First(&rec, "info_hash = ?", infoHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, err
	}
	return rec.toSnapshot()
}

// Delete marks a record removed; rows are tombstoned rather than dropped so
// a concurrent Iter in progress never observes a half-deleted row. Iter
// skips tombstones.
func (r *Repository) Delete(infoHash string) error {
	return r.db.Model(&record{}).Where("info_hash = ?", infoHash).Update("removed", true).Error
}

// Iter returns every non-deleted job, oldest additions first is not
// guaranteed here -- callers needing FIFO order use Job.AddedAt from the
// decoded Snapshot.
func (r *Repository) Iter() ([]models.Snapshot, error) {
	var recs []record
	if err := r.db.Where("removed = ?", false).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.Snapshot, 0, len(recs))
	for _, rec := range recs {
		s, err := rec.toSnapshot()
		if err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", rec.InfoHash, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// RewindForRestart applies spec.md §4.6's restart rewind rule: every job in
// debrid_pending or downloading is re-queued, with downloading jobs demoted
// one step back to debrid_ready (a re-unlock may be needed) rather than
// restarted from debrid_pending. Jobs in completed or error are untouched.
// It returns the rewound jobs ready to re-enter the Scheduler.
func RewindForRestart(snapshots []models.Snapshot, log *zap.Logger) []*models.Job {
	jobs := make([]*models.Job, 0, len(snapshots))
	for _, s := range snapshots {
		switch s.State {
		case models.StateDownloading:
			s.State = models.StateDebridReady
			log.Info("storage: rewound downloading job to debrid_ready on restart",
				zap.String("info_hash", s.InfoHash))
		case models.StateDebridPending:
			log.Info("storage: re-queued debrid_pending job on restart",
				zap.String("info_hash", s.InfoHash))
		}
		jobs = append(jobs, models.Restore(s))
	}
	return jobs
}
