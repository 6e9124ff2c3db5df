// Package jobmanager owns the per-job finite state machine of spec.md §4.2,
// mediating Persistence, the Debrid Gateway, the Scheduler and the
// Downloader. It generalizes the teacher's internal/worker.Manager: that
// type ran a fixed pool of worker goroutines pulling off one buffered
// channel and fanned out progress over a subscriber broadcast; here there is
// no fixed pool (every job owns its own goroutine while active, admitted by
// the Scheduler) but the broadcast-to-subscribers shape for progress/state
// events is kept the same way.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/alldebrid"
	"github.com/ygncode/alldebrid-broker/internal/broker"
	"github.com/ygncode/alldebrid-broker/internal/downloader"
	"github.com/ygncode/alldebrid-broker/internal/models"
	"github.com/ygncode/alldebrid-broker/internal/scheduler"
	"github.com/ygncode/alldebrid-broker/internal/storage"
)

// pollInterval1 and pollInterval2 are the debrid_pending poll cadence of
// spec.md §4.3: 2s for the first 30s, 5s thereafter.
const (
	pollInterval1   = 2 * time.Second
	pollInterval2   = 5 * time.Second
	pollFastWindow  = 30 * time.Second
	pollHardTimeout = 5 * time.Minute

	persistThrottle = 1 * time.Second
)

// Manager is the Job Manager of spec.md §4.2.
type Manager struct {
	repo    *storage.Repository
	gateway *alldebrid.Client
	sched   *scheduler.Scheduler
	dl      *downloader.Downloader
	profile models.TuningProfile
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*models.Job
	queued []*models.Job // jobs in state=queued, awaiting submission admission

	admitTrigger chan struct{}

	subMu       sync.RWMutex
	subscribers map[chan *models.Job]bool
}

// New constructs a Manager. Call Start to load persisted jobs and begin the
// admission loop.
func New(repo *storage.Repository, gateway *alldebrid.Client, sched *scheduler.Scheduler, dl *downloader.Downloader, profile models.TuningProfile, log *zap.Logger) *Manager {
	return &Manager{
		repo:         repo,
		gateway:      gateway,
		sched:        sched,
		dl:           dl,
		profile:      profile,
		log:          log,
		jobs:         make(map[string]*models.Job),
		admitTrigger: make(chan struct{}, 1),
		subscribers:  make(map[chan *models.Job]bool),
	}
}

// Start loads every non-removed job from Persistence, applies the restart
// rewind rule, re-registers each with the Scheduler at its rewound state,
// and begins the admission loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	snapshots, err := m.repo.Iter()
	if err != nil {
		return fmt.Errorf("jobmanager: load persisted jobs: %w", err)
	}
	jobs := storage.RewindForRestart(snapshots, m.log)

	m.mu.Lock()
	for _, job := range jobs {
		m.jobs[job.InfoHash] = job
		switch job.Snapshot().State {
		case models.StateQueued, models.StateDebridPending:
			// debrid_pending has no surviving debrid id (never persisted,
			// spec.md §3's data model omits it), so it re-enters exactly
			// like a fresh queued job and gets resubmitted.
			job.SetState(models.StateQueued)
			m.queued = append(m.queued, job)
		case models.StateDebridReady:
			m.sched.Enqueue(job)
		}
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.admissionLoop()
	m.triggerAdmission()
	return nil
}

// Stop cancels every in-flight worker and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) triggerAdmission() {
	select {
	case m.admitTrigger <- struct{}{}:
	default:
	}
}

// admissionLoop is the single event-driven admission point named in
// spec.md §4.4 bullet 4: it never polls, only reacting to triggerAdmission
// calls made on add/complete/pause/resume/delete/error.
func (m *Manager) admissionLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.admitTrigger:
			m.admitSubmissions()
			m.admitRuns()
		}
	}
}

func (m *Manager) admitSubmissions() {
	for {
		m.mu.Lock()
		if len(m.queued) == 0 || !m.sched.AdmitSubmission() {
			m.mu.Unlock()
			return
		}
		job := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()

		m.sched.SubmissionStarted()
		m.wg.Add(1)
		go m.runSubmitAndPoll(job)
	}
}

func (m *Manager) admitRuns() {
	for _, job := range m.sched.TryAdmit() {
		m.wg.Add(1)
		go m.runDownload(job)
	}
}

// Add registers a new job in state=queued, or returns the existing job if
// info_hash already has one (add is idempotent, spec.md §4.2's "re-add
// safety"). The API Adapter is responsible for extracting info_hash and
// display_name from the magnet URI before calling Add.
func (m *Manager) Add(infoHash, source, displayName, category, savePath string) (*models.Job, error) {
	m.mu.Lock()
	if existing, ok := m.jobs[infoHash]; ok && !existing.Removed() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	job := models.NewJob(infoHash, source, displayName, category, savePath, time.Now())
	if err := m.repo.Put(job.Snapshot()); err != nil {
		return nil, fmt.Errorf("jobmanager: persist new job: %w", err)
	}

	m.mu.Lock()
	m.jobs[infoHash] = job
	m.queued = append(m.queued, job)
	m.mu.Unlock()

	m.triggerAdmission()
	m.broadcast(job)
	return job, nil
}

// Get returns the job for info_hash, or false if unknown or removed.
func (m *Manager) Get(infoHash string) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[infoHash]
	if !ok || job.Removed() {
		return nil, false
	}
	return job, true
}

// List returns every non-removed job, the "list takes a snapshot" view of
// spec.md §4.2.
func (m *Manager) List() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if !job.Removed() {
			out = append(out, job)
		}
	}
	return out
}

// Pause moves a job out of whichever active state it is in into paused,
// stopping its worker without altering where it should resume to. Pausing
// an already-paused, completed or errored job is a no-op; an unknown or
// removed info_hash returns an InputInvalid error.
func (m *Manager) Pause(infoHash string) error {
	job, ok := m.Get(infoHash)
	if !ok {
		return broker.Newf(broker.KindInputInvalid, "jobmanager: unknown job %s", infoHash)
	}

	state := job.Snapshot().State
	switch state {
	case models.StateQueued:
		m.mu.Lock()
		m.queued = removeFromQueue(m.queued, job)
		m.mu.Unlock()
		job.SavePriorState(models.StatePaused)
	case models.StateDebridReady:
		m.sched.Remove(job)
		job.SavePriorState(models.StatePaused)
	case models.StateDebridPending, models.StateDownloading:
		job.SavePriorState(models.StatePaused)
		job.Cancel() // the owning goroutine's deferred cleanup releases Scheduler bookkeeping
	default:
		return nil
	}

	m.persistSync(job)
	m.broadcast(job)
	return nil
}

// Resume re-enters a paused job via the Scheduler at the state it was
// paused from. A debrid_pending job resumes as queued, since its debrid id
// lived only in the cancelled worker's goroutine; a downloading job resumes
// as debrid_ready, since no run slot survives a pause.
func (m *Manager) Resume(infoHash string) error {
	job, ok := m.Get(infoHash)
	if !ok {
		return broker.Newf(broker.KindInputInvalid, "jobmanager: unknown job %s", infoHash)
	}
	if job.Snapshot().State != models.StatePaused {
		return nil
	}

	switch job.PriorState() {
	case models.StateDebridPending:
		job.SetState(models.StateQueued)
		m.mu.Lock()
		m.queued = append(m.queued, job)
		m.mu.Unlock()
	case models.StateDebridReady, models.StateDownloading:
		job.SetState(models.StateDebridReady)
		m.sched.Enqueue(job)
	default:
		job.SetState(models.StateQueued)
		m.mu.Lock()
		m.queued = append(m.queued, job)
		m.mu.Unlock()
	}

	m.persistSync(job)
	m.broadcast(job)
	m.triggerAdmission()
	return nil
}

// Delete removes a job, stopping any active worker. Partial files are left
// in place unless deleteFiles is set, matching qBittorrent's
// torrents/delete deleteFiles parameter.
func (m *Manager) Delete(infoHash string, deleteFiles bool) error {
	job, ok := m.Get(infoHash)
	if !ok {
		return nil
	}

	state := job.Snapshot().State
	switch state {
	case models.StateQueued:
		m.mu.Lock()
		m.queued = removeFromQueue(m.queued, job)
		m.mu.Unlock()
	case models.StateDebridReady:
		m.sched.Remove(job)
	case models.StateDebridPending, models.StateDownloading:
		job.Cancel()
	}

	job.MarkRemoved()
	if err := m.repo.Delete(infoHash); err != nil {
		return fmt.Errorf("jobmanager: delete %s: %w", infoHash, err)
	}

	if deleteFiles {
		m.removeJobFiles(job)
	}

	m.broadcast(job)
	return nil
}

func removeFromQueue(queue []*models.Job, job *models.Job) []*models.Job {
	for i, j := range queue {
		if j == job {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// persistSync writes the job's current snapshot to Persistence immediately,
// bypassing the downloading-state throttle (used for every state
// transition, per spec.md §3's "every state transition is persisted
// synchronously before being acted on further").
func (m *Manager) persistSync(job *models.Job) {
	if err := m.repo.Put(job.Snapshot()); err != nil {
		m.log.Error("jobmanager: persist failed", zap.String("info_hash", job.InfoHash), zap.Error(err))
	}
}

// Subscribe returns a channel that receives every job whose state or
// progress changes, the way the teacher's Manager.Subscribe backs its SSE
// handler. The caller must call Unsubscribe when done.
func (m *Manager) Subscribe() chan *models.Job {
	ch := make(chan *models.Job, 32)
	m.subMu.Lock()
	m.subscribers[ch] = true
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *models.Job) {
	m.subMu.Lock()
	delete(m.subscribers, ch)
	m.subMu.Unlock()
	close(ch)
}

func (m *Manager) broadcast(job *models.Job) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}
