package jobmanager

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/alldebrid"
	"github.com/ygncode/alldebrid-broker/internal/broker"
	"github.com/ygncode/alldebrid-broker/internal/downloader"
	"github.com/ygncode/alldebrid-broker/internal/models"
)

// runSubmitAndPoll drives a job from queued to debrid_ready (or error):
// submit the magnet to the Gateway, then poll status at the cadence of
// spec.md §4.3 until Ready, Error, or the 5-minute hard timeout. Ported from
// the teacher's internal/worker/download_worker.go's pollUntilFilesReady,
// generalized from a fixed poll count to the two-speed cadence named in
// spec.md §4.3.
func (m *Manager) runSubmitAndPoll(job *models.Job) {
	defer m.wg.Done()
	defer m.sched.SubmissionFinished()
	defer m.triggerAdmission()

	ctx, cancel := context.WithCancel(m.ctx)
	job.SetCancel(cancel)
	defer job.SetCancel(nil)

	job.SetState(models.StateDebridPending)
	m.persistSync(job)
	m.broadcast(job)

	debridID, err := m.gateway.Submit(ctx, job.Source)
	if err != nil {
		if ctx.Err() != nil {
			return // paused or deleted mid-submit; leave target state alone
		}
		m.failJob(job, err)
		return
	}

	deadline := time.Now().Add(pollHardTimeout)
	interval := pollInterval1
	elapsed := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		elapsed += interval
		if elapsed >= pollFastWindow {
			interval = pollInterval2
		}
		if time.Now().After(deadline) {
			m.transitionToError(job, "debrid processing timed out")
			return
		}

		status, err := m.gateway.Status(ctx, debridID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if broker.IsTransient(err) {
				m.log.Warn("jobmanager: transient status poll failure, retrying",
					zap.String("info_hash", job.InfoHash), zap.Error(err))
				continue
			}
			m.failJob(job, err)
			return
		}

		if status.Failed {
			m.transitionToError(job, status.Reason)
			return
		}

		if status.Ready {
			job.Lock()
			job.Files = toModelFiles(status.Files)
			job.SizeTotal = status.SizeTotal
			job.State = models.StateDebridReady
			job.Unlock()
			m.persistSync(job)
			m.broadcast(job)
			m.sched.Enqueue(job)
			return
		}
	}
}

func toModelFiles(files []alldebrid.File) []models.File {
	out := make([]models.File, 0, len(files))
	for i, f := range files {
		out = append(out, models.File{Index: i, Name: f.Name, Size: f.Size, HostedURL: f.HostedURL})
	}
	return out
}

// runDownload drives a job admitted to a run slot from debrid_ready through
// downloading to completed (or back to debrid_ready on a transient error, or
// to error on a fatal one). Files are fetched sequentially, aggregating
// size_total/size_done the way spec.md §4.2's "multi-file jobs" note
// describes, generalizing the teacher's downloadFiles loop.
func (m *Manager) runDownload(job *models.Job) {
	defer m.wg.Done()
	defer m.sched.Release(job)
	defer m.triggerAdmission()

	ctx, cancel := context.WithCancel(m.ctx)
	job.SetCancel(cancel)
	defer job.SetCancel(nil)

	job.SetState(models.StateDownloading)
	m.persistSync(job)
	m.broadcast(job)

	snap := job.Snapshot()
	var aggregateDone int64
	for _, f := range snap.Files {
		aggregateDone += f.Downloaded
	}

	for i, f := range snap.Files {
		if f.Downloaded >= f.Size {
			continue
		}
		if err := m.downloadOneFile(ctx, job, i, f, &aggregateDone); err != nil {
			if ctx.Err() != nil {
				return // paused or deleted; target state already set by caller
			}
			m.handleDownloadError(job, err)
			return
		}
	}

	job.Lock()
	job.State = models.StateCompleted
	job.CompletedAt = time.Now()
	job.Unlock()
	m.persistSync(job)
	m.broadcast(job)
}

func (m *Manager) downloadOneFile(ctx context.Context, job *models.Job, index int, f models.File, aggregateDone *int64) error {
	destPath := filepath.Join(job.Snapshot().SavePath, sanitizeFilename(f.Name))

	directURL, err := m.ensureDirectURL(ctx, job, index, f)
	if err != nil {
		return err
	}

	profile := m.profile
	baseline := *aggregateDone

	err = m.dl.Run(ctx, downloader.Request{
		DirectURL: directURL,
		DestPath:  destPath,
		SizeTotal: f.Size,
		Offset:    f.Downloaded,
		Profile:   profile,
	}, func(p downloader.Progress) {
		job.Lock()
		if index < len(job.Files) {
			job.Files[index].Downloaded = p.SizeDone
		}
		job.SizeDone = baseline + (p.SizeDone - f.Downloaded)
		job.SpeedBps = p.SpeedBps
		job.Unlock()
		if p.SizeDone > f.Downloaded {
			job.ResetAttempt()
		}
		if job.ShouldPersistNow(persistThrottle) {
			m.persistSync(job)
			m.broadcast(job)
		}
	})
	if err != nil {
		return err
	}

	*aggregateDone = baseline + (f.Size - f.Downloaded)
	job.Lock()
	if index < len(job.Files) {
		job.Files[index].Downloaded = f.Size
	}
	job.SizeDone = *aggregateDone
	// The cached direct URL belongs to this file; the next file unlocks its own.
	job.DirectURL = ""
	job.Unlock()
	return nil
}

// ensureDirectURL unlocks f's hosted URL if the job has none cached or it
// has expired, per spec.md §4.3's unlock operation and §4.2's "URL expired"
// transition (downloading -> debrid_ready -> re-unlock).
func (m *Manager) ensureDirectURL(ctx context.Context, job *models.Job, index int, f models.File) (string, error) {
	snap := job.Snapshot()
	if snap.DirectURL != "" && time.Now().Before(snap.URLExpiresAt) {
		return snap.DirectURL, nil
	}

	direct, ttl, err := m.gateway.Unlock(ctx, f.HostedURL)
	if err != nil {
		return "", err
	}
	job.Lock()
	job.DirectURL = direct
	job.URLExpiresAt = time.Now().Add(ttl)
	job.Unlock()
	return direct, nil
}

// handleDownloadError applies the transient/fatal split of spec.md §4.2:
// transient errors (network, url expired, disk full) return the job to
// debrid_ready to retry after a backoff; everything else is terminal.
func (m *Manager) handleDownloadError(job *models.Job, err error) {
	if broker.IsTransient(err) {
		job.IncrementAttempt()
		if job.Snapshot().Attempt > broker.MaxConsecutiveTransientFailures {
			m.transitionToError(job, err.Error())
			return
		}

		job.Lock()
		job.State = models.StateDebridReady
		job.LastError = err.Error()
		attempt := job.Attempt
		job.Unlock()
		m.persistSync(job)
		m.broadcast(job)

		delay := broker.Backoff(attempt - 1)
		time.AfterFunc(delay, func() {
			m.sched.Enqueue(job)
			m.triggerAdmission()
		})
		return
	}

	m.transitionToError(job, err.Error())
}

func (m *Manager) failJob(job *models.Job, err error) {
	m.transitionToError(job, err.Error())
}

func (m *Manager) transitionToError(job *models.Job, reason string) {
	job.Lock()
	job.State = models.StateError
	job.LastError = reason
	job.Unlock()
	m.persistSync(job)
	m.broadcast(job)
}
