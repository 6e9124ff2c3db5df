package models

import (
	"sync"
	"time"
)

// JobState is one node of the per-job finite state machine (spec §4.2).
type JobState string

const (
	StateQueued        JobState = "queued"
	StateDebridPending JobState = "debrid_pending"
	StateDebridReady   JobState = "debrid_ready"
	StateDownloading   JobState = "downloading"
	StatePaused        JobState = "paused"
	StateCompleted     JobState = "completed"
	StateError         JobState = "error"

	// stateRemoved names a tombstone state that no code path assigns:
	// deletion is tracked by the Job's removed flag and Persistence's
	// Removed column instead.
	stateRemoved JobState = "removed"
)

// File is one entry of a (possibly multi-file) torrent as reported by the
// Debrid Gateway.
type File struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	HostedURL  string `json:"hosted_url"`
	Downloaded int64  `json:"downloaded"`
}

// Job is the unit of work described in spec.md §3. The embedded mutex is the
// per-job lock named throughout §4.2 and §5: every field below is read or
// mutated only while holding it, except where a method documents otherwise.
type Job struct {
	mu sync.Mutex

	InfoHash    string
	Source      string
	DisplayName string
	Category    string
	SavePath    string

	State JobState

	Files     []File
	SizeTotal int64
	SizeDone  int64
	SpeedBps  float64

	DirectURL    string
	URLExpiresAt time.Time

	Attempt   int
	LastError string

	AddedAt     time.Time
	CompletedAt time.Time

	// removed is set by delete; Persistence treats this job as a tombstone
	// and the Job Manager stops scheduling it.
	removed bool

	cancel func()

	// priorState and lastPersistedAt are Job Manager bookkeeping, never
	// serialized: priorState backs pause/resume ("resume -> prior state"),
	// lastPersistedAt backs the at-most-once-per-second Persistence
	// throttle during downloading (spec.md §3, §4.6).
	priorState      JobState
	lastPersistedAt time.Time
}

// Lock and Unlock expose the per-job mutex directly so callers that need to
// hold it across several field reads (e.g. a view snapshot) can do so without
// a helper method per field, matching the "shared state is the Job record,
// guarded by a per-job mutex" model of spec.md §5.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// IsLarge reports whether the job belongs to the large size class given a
// threshold from the active TuningProfile.
func (j *Job) IsLarge(thresholdBytes int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.SizeTotal >= thresholdBytes
}

// SetCancel installs the cancellation function for the worker currently
// bound to this job (spec.md §5 "per-job cancellation token").
func (j *Job) SetCancel(cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}

// Cancel invokes and clears the job's cancellation function, if any.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Removed reports whether delete has been applied to this job.
func (j *Job) Removed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removed
}

// MarkRemoved flags the job as deleted; Persistence.Iter skips it thereafter.
func (j *Job) MarkRemoved() {
	j.mu.Lock()
	j.removed = true
	j.mu.Unlock()
}

// Snapshot is an immutable copy of a Job's fields taken under its lock, safe
// to read without further locking. The API Adapter and properties/files
// handlers build their responses from Snapshot, never from a live *Job.
type Snapshot struct {
	InfoHash     string
	Source       string
	DisplayName  string
	Category     string
	SavePath     string
	State        JobState
	Files        []File
	SizeTotal    int64
	SizeDone     int64
	SpeedBps     float64
	DirectURL    string
	URLExpiresAt time.Time
	Attempt      int
	LastError    string
	AddedAt      time.Time
	CompletedAt  time.Time
}

// Snapshot takes the per-job lock and copies out every externally visible
// field, per the "list takes a snapshot under a shared read lock" rule of
// spec.md §4.2 (here realized per-job rather than with one global rwmutex,
// since list() iterates jobs each holding its own lock in turn).
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	files := make([]File, len(j.Files))
	copy(files, j.Files)
	return Snapshot{
		InfoHash:     j.InfoHash,
		Source:       j.Source,
		DisplayName:  j.DisplayName,
		Category:     j.Category,
		SavePath:     j.SavePath,
		State:        j.State,
		Files:        files,
		SizeTotal:    j.SizeTotal,
		SizeDone:     j.SizeDone,
		SpeedBps:     j.SpeedBps,
		DirectURL:    j.DirectURL,
		URLExpiresAt: j.URLExpiresAt,
		Attempt:      j.Attempt,
		LastError:    j.LastError,
		AddedAt:      j.AddedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// NewJob constructs a Job in the queued state, as created by the Adapter on
// add (spec.md §3 "Lifecycle").
func NewJob(infoHash, source, displayName, category, savePath string, addedAt time.Time) *Job {
	return &Job{
		InfoHash:    infoHash,
		Source:      source,
		DisplayName: displayName,
		Category:    category,
		SavePath:    savePath,
		State:       StateQueued,
		AddedAt:     addedAt,
	}
}

// Restore rebuilds a Job from a persisted Snapshot, used by Persistence on
// process start. The restart rewind rule (spec.md §4.6) is applied by the
// caller after Restore, not here.
func Restore(s Snapshot) *Job {
	return &Job{
		InfoHash:     s.InfoHash,
		Source:       s.Source,
		DisplayName:  s.DisplayName,
		Category:     s.Category,
		SavePath:     s.SavePath,
		State:        s.State,
		Files:        s.Files,
		SizeTotal:    s.SizeTotal,
		SizeDone:     s.SizeDone,
		SpeedBps:     s.SpeedBps,
		DirectURL:    s.DirectURL,
		URLExpiresAt: s.URLExpiresAt,
		Attempt:      s.Attempt,
		LastError:    s.LastError,
		AddedAt:      s.AddedAt,
		CompletedAt:  s.CompletedAt,
	}
}

// SetState overwrites the job's state under lock; used by Persistence's
// restart rewind and by the Job Manager's transition table.
func (j *Job) SetState(s JobState) {
	j.mu.Lock()
	j.State = s
	j.mu.Unlock()
}

// ETASeconds derives the estimated time remaining per spec.md §3: infinite
// (represented as 8640000, the qBittorrent sentinel) when speed is zero or
// unknown.
func (s Snapshot) ETASeconds() int64 {
	if s.SpeedBps <= 0 || s.SizeTotal <= 0 {
		return 8640000
	}
	remaining := s.SizeTotal - s.SizeDone
	if remaining <= 0 {
		return 0
	}
	return int64(float64(remaining) / s.SpeedBps)
}

// Progress is size_done/size_total in [0,1], 0 when size_total is unknown.
func (s Snapshot) Progress() float64 {
	if s.SizeTotal <= 0 {
		return 0
	}
	return float64(s.SizeDone) / float64(s.SizeTotal)
}

// SavePriorState records the current state as the one to return to on
// resume, then overwrites State with the given one (normally StatePaused).
func (j *Job) SavePriorState(next JobState) {
	j.mu.Lock()
	j.priorState = j.State
	j.State = next
	j.mu.Unlock()
}

// PriorState returns the state recorded by the most recent SavePriorState.
func (j *Job) PriorState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priorState
}

// IncrementAttempt bumps the retry counter on a transient failure.
func (j *Job) IncrementAttempt() {
	j.mu.Lock()
	j.Attempt++
	j.mu.Unlock()
}

// ResetAttempt clears the retry counter; called whenever size_done advances,
// per spec.md §4.2's "attempt counter resets to 0 on byte progress".
func (j *Job) ResetAttempt() {
	j.mu.Lock()
	j.Attempt = 0
	j.mu.Unlock()
}

// ShouldPersistNow reports whether at least minInterval has elapsed since the
// last persisted write, and if so records now as the new watermark. Backs the
// at-most-once-per-second Persistence throttle during downloading.
func (j *Job) ShouldPersistNow(minInterval time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	if now.Sub(j.lastPersistedAt) < minInterval {
		return false
	}
	j.lastPersistedAt = now
	return true
}
