// Package scheduler is the admission and concurrency policy of spec.md
// §4.4: an ordered ready set partitioned by size class, enforcing the
// active TuningProfile's concurrent-job limits. The size-class split and
// the hdd/ssd admission rule are ported from
// original_source/src/downloader/queue.py's _can_start_download; the
// event-driven admission model (triggered by add/complete/pause/resume/
// delete/error, never polling) replaces that file's 5-second poll loop per
// spec.md §4.4 bullet 4 and the "Cooperative async -> explicit workers"
// redesign note in spec.md §9.
package scheduler

import (
	"sync"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

// maxOutstandingSubmissions is spec.md §4.4's "cap of 16 outstanding
// submissions to avoid flooding the Gateway" for jobs in debrid_pending.
const maxOutstandingSubmissions = 16

// Scheduler owns the ready/running sets under one mutex, taken only for
// admission decisions and never held during blocking I/O (spec.md §5).
type Scheduler struct {
	mu sync.Mutex

	profile models.TuningProfile

	largeQueue []*models.Job
	smallQueue []*models.Job

	runningLarge int
	runningSmall int
	pendingCount int // jobs currently in debrid_pending (submitted, awaiting Gateway)

	// borrowed tracks small jobs currently running on a slot granted via
	// the large-queue tie-break (spec.md §4.4 bullet 3), so Release can
	// tell which pool to credit back without guessing from job size alone.
	borrowed map[*models.Job]bool
}

func New(profile models.TuningProfile) *Scheduler {
	return &Scheduler{profile: profile, borrowed: make(map[*models.Job]bool)}
}

// SetProfile swaps the active tuning profile (e.g. after a config reload or
// storage re-probe). Existing queue contents are unaffected.
func (s *Scheduler) SetProfile(profile models.TuningProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = profile
}

func (s *Scheduler) isLarge(job *models.Job) bool {
	return job.IsLarge(s.profile.LargeThresholdBytes)
}

// AdmitSubmission reports whether a newly queued job may be submitted to
// the Debrid Gateway now (spec.md §4.4 bullet 2: jobs in debrid_pending
// "count against a cap of 16 outstanding submissions"). The Job Manager
// calls SubmissionStarted when it launches the submission and
// SubmissionFinished when the job leaves debrid_pending.
func (s *Scheduler) AdmitSubmission() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCount < maxOutstandingSubmissions
}

func (s *Scheduler) SubmissionStarted() {
	s.mu.Lock()
	s.pendingCount++
	s.mu.Unlock()
}

func (s *Scheduler) SubmissionFinished() {
	s.mu.Lock()
	if s.pendingCount > 0 {
		s.pendingCount--
	}
	s.mu.Unlock()
}

// Enqueue places a job in debrid_ready into the ready set for its size
// class. Admission is re-evaluated by the caller (the Job Manager) invoking
// TryAdmit afterward.
func (s *Scheduler) Enqueue(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLarge(job) {
		s.largeQueue = append(s.largeQueue, job)
	} else {
		s.smallQueue = append(s.smallQueue, job)
	}
}

// Remove drops a job from whichever ready queue holds it (pause or delete
// before it was admitted to run).
func (s *Scheduler) Remove(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.largeQueue = removeJob(s.largeQueue, job)
	s.smallQueue = removeJob(s.smallQueue, job)
}

func removeJob(queue []*models.Job, job *models.Job) []*models.Job {
	for i, j := range queue {
		if j == job {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// TryAdmit grants run slots to as many FIFO-ordered ready jobs as the
// profile's concurrency limits allow right now, applying the large/small
// tie-break of spec.md §4.4 bullet 3: when a large slot is free and the
// large queue is empty, it may run up to two additional small jobs beyond
// the ordinary small limit. It returns the jobs admitted this call, in the
// order they should enter `downloading`.
func (s *Scheduler) TryAdmit() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var admitted []*models.Job

	for s.runningLarge < s.profile.ConcurrentLargeJobs && len(s.largeQueue) > 0 {
		job := s.largeQueue[0]
		s.largeQueue = s.largeQueue[1:]
		s.runningLarge++
		admitted = append(admitted, job)
	}

	for s.runningSmall < s.profile.ConcurrentSmallJobs && len(s.smallQueue) > 0 {
		job := s.smallQueue[0]
		s.smallQueue = s.smallQueue[1:]
		s.runningSmall++
		admitted = append(admitted, job)
	}

	// Tie-break: free large capacity with an empty large queue may run
	// extra small jobs, up to two beyond the normal small limit. Small
	// slots never upgrade to large (spec.md §4.4 bullet 3).
	freeLargeSlots := s.profile.ConcurrentLargeJobs - s.runningLarge
	if freeLargeSlots > 0 && len(s.largeQueue) == 0 {
		const maxBorrow = 2
		for len(s.borrowed) < maxBorrow && len(s.smallQueue) > 0 {
			job := s.smallQueue[0]
			s.smallQueue = s.smallQueue[1:]
			s.runningLarge++ // holds large capacity on behalf of a small job
			s.borrowed[job] = true
			admitted = append(admitted, job)
		}
	}

	return admitted
}

// Release frees the run slot held by job (completion, pause, transient
// error returning to debrid_ready, or delete). The caller must invoke
// TryAdmit afterward to re-evaluate admission -- Release itself never
// blocks and never admits.
func (s *Scheduler) Release(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.borrowed[job] {
		delete(s.borrowed, job)
		if s.runningLarge > 0 {
			s.runningLarge--
		}
		return
	}

	if s.isLarge(job) {
		if s.runningLarge > 0 {
			s.runningLarge--
		}
		return
	}

	if s.runningSmall > 0 {
		s.runningSmall--
	}
}

// Counts returns a snapshot of current queue depths and running counts, for
// diagnostics.
type Counts struct {
	LargeQueued, SmallQueued   int
	RunningLarge, RunningSmall int
	PendingSubmissions         int
}

func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		LargeQueued:        len(s.largeQueue),
		SmallQueued:        len(s.smallQueue),
		RunningLarge:       s.runningLarge,
		RunningSmall:       s.runningSmall,
		PendingSubmissions: s.pendingCount,
	}
}
