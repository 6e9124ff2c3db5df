package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

func newLargeJob(t *testing.T, size int64) *models.Job {
	t.Helper()
	job := models.NewJob("hash", "magnet:?xt=urn:btih:hash", "name", "", "/downloads", time.Now())
	job.Lock()
	job.SizeTotal = size
	job.Unlock()
	return job
}

func TestTryAdmit_RespectsHDDConcurrencyLimits(t *testing.T) {
	profile := models.HDDProfile(20 << 30)
	s := New(profile)

	large1 := newLargeJob(t, 40<<30)
	large2 := newLargeJob(t, 40<<30)
	s.Enqueue(large1)
	s.Enqueue(large2)

	admitted := s.TryAdmit()
	require.Len(t, admitted, 1, "hdd allows only 1 concurrent large job")
	require.Same(t, large1, admitted[0])

	require.Empty(t, s.TryAdmit(), "second large job must wait until the first releases")

	s.Release(large1)
	admitted = s.TryAdmit()
	require.Len(t, admitted, 1)
	require.Same(t, large2, admitted[0])
}

func TestTryAdmit_FIFOWithinSizeClass(t *testing.T) {
	profile := models.HDDProfile(20 << 30)
	s := New(profile)

	a := newLargeJob(t, 1<<20)
	b := newLargeJob(t, 1<<20)
	c := newLargeJob(t, 1<<20)
	s.Enqueue(a)
	s.Enqueue(b)
	s.Enqueue(c)

	admitted := s.TryAdmit()
	require.Len(t, admitted, 3, "hdd allows up to 3 concurrent small jobs")
	require.Equal(t, []*models.Job{a, b, c}, admitted)
}

func TestTryAdmit_TieBreakBorrowsLargeSlotForSmallJobs(t *testing.T) {
	profile := models.HDDProfile(20 << 30)
	s := New(profile)

	small1 := newLargeJob(t, 1<<20)
	small2 := newLargeJob(t, 1<<20)
	small3 := newLargeJob(t, 1<<20)
	small4 := newLargeJob(t, 1<<20)
	small5 := newLargeJob(t, 1<<20)
	for _, j := range []*models.Job{small1, small2, small3, small4, small5} {
		s.Enqueue(j)
	}

	admitted := s.TryAdmit()
	// 3 ordinary small slots + up to 2 borrowed from the empty large queue.
	require.Len(t, admitted, 5)

	counts := s.Counts()
	require.Equal(t, 2, counts.RunningLarge, "2 small jobs borrowed the idle large capacity")
	require.Equal(t, 3, counts.RunningSmall)

	s.Release(small4)
	counts = s.Counts()
	require.Equal(t, 1, counts.RunningLarge)
}

func TestTryAdmit_SmallNeverUpgradesWhenLargeQueueNonEmpty(t *testing.T) {
	profile := models.HDDProfile(20 << 30)
	s := New(profile)

	large := newLargeJob(t, 40<<30)
	small := newLargeJob(t, 1<<20)
	s.Enqueue(large)
	s.Enqueue(small)

	admitted := s.TryAdmit()
	require.Len(t, admitted, 2)

	counts := s.Counts()
	require.Equal(t, 1, counts.RunningLarge)
	require.Equal(t, 1, counts.RunningSmall)
}

func TestAdmitSubmission_CapsAt16(t *testing.T) {
	s := New(models.HDDProfile(20 << 30))
	for i := 0; i < 16; i++ {
		require.True(t, s.AdmitSubmission())
		s.SubmissionStarted()
	}
	require.False(t, s.AdmitSubmission())

	s.SubmissionFinished()
	require.True(t, s.AdmitSubmission())
}

func TestRemove_DropsQueuedJobBeforeAdmission(t *testing.T) {
	s := New(models.HDDProfile(20 << 30))
	job := newLargeJob(t, 1<<20)
	s.Enqueue(job)
	s.Remove(job)
	require.Empty(t, s.TryAdmit())
}
