package jobmanager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/alldebrid"
	"github.com/ygncode/alldebrid-broker/internal/downloader"
	"github.com/ygncode/alldebrid-broker/internal/models"
	"github.com/ygncode/alldebrid-broker/internal/scheduler"
	"github.com/ygncode/alldebrid-broker/internal/storage"
)

// newTestManager wires real Persistence, Scheduler and Downloader instances
// (in-memory sqlite, no network) against a fake AllDebrid server, the way a
// reader can trust the whole state machine rather than a single mocked
// dependency.
func newTestManager(t *testing.T, debridHandler http.HandlerFunc) (*Manager, func()) {
	t.Helper()

	db, err := storage.NewDatabase(":memory:")
	require.NoError(t, err)
	repo := storage.NewRepository(db)

	srv := httptest.NewServer(debridHandler)

	log := zap.NewNop()
	gateway := alldebrid.NewClient("test-key", srv.URL, log)
	profile := models.HDDProfile(20 << 30)
	profile.FlushInterval = 50 * time.Millisecond
	sched := scheduler.New(profile)
	dl := downloader.New(log)

	m := New(repo, gateway, sched, dl, profile, log)
	require.NoError(t, m.Start(t.Context()))

	return m, func() { m.Stop(); srv.Close() }
}

// readyDebridHandler serves an AllDebrid double whose magnet is ready on the
// first status poll, with one file hosted at the given origin.
func readyDebridHandler(t *testing.T, fileSize int64, hostedURL string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/magnet/upload":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data": map[string]interface{}{
					"magnets": []map[string]interface{}{{"id": 1, "filename": "f", "size": fileSize, "hash": "h"}},
				},
			})
		case "/magnet/status":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data": map[string]interface{}{
					"magnets": map[string]interface{}{
						"id": 1, "filename": "f", "size": fileSize, "statusCode": 4, "status": "Ready",
						"files": []map[string]interface{}{
							{"n": "f.bin", "s": fileSize, "e": []string{hostedURL}},
						},
					},
				},
			})
		case "/link/unlock":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data":   map[string]interface{}{"link": hostedURL, "filename": "f.bin", "filesize": fileSize},
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func fileOriginServer(content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
}

func TestAdd_IsIdempotentAndPersists(t *testing.T) {
	m, closeFn := newTestManager(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	defer closeFn()

	job1, err := m.Add("hash1", "magnet:?xt=urn:btih:hash1", "Movie.One", "radarr", "/downloads")
	require.NoError(t, err)

	job2, err := m.Add("hash1", "magnet:?xt=urn:btih:hash1", "Movie.One", "radarr", "/downloads")
	require.NoError(t, err)
	require.Same(t, job1, job2)

	got, err := m.repo.Get("hash1")
	require.NoError(t, err)
	require.Equal(t, models.StateQueued, got.State)
}

func TestFullLifecycle_QueuedToCompleted(t *testing.T) {
	content := make([]byte, 64<<10)
	for i := range content {
		content[i] = byte(i)
	}
	origin := fileOriginServer(content)
	defer origin.Close()

	m, closeFn := newTestManager(t, readyDebridHandler(t, int64(len(content)), origin.URL))
	defer closeFn()

	dir := t.TempDir()
	job, err := m.Add("hash2", "magnet:?xt=urn:btih:hash2&dn=Movie.Two", "Movie.Two", "radarr", dir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return job.Snapshot().State == models.StateCompleted
	}, 5*time.Second, 10*time.Millisecond, "job never reached completed: last state %s", job.Snapshot().State)

	snap := job.Snapshot()
	require.Equal(t, int64(len(content)), snap.SizeDone)
	require.False(t, snap.CompletedAt.IsZero())

	got, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPause_StopsQueuedJobBeforeSubmission(t *testing.T) {
	// Every submission hangs until the test returns, so once the
	// outstanding-submission cap is saturated the next job added is
	// guaranteed to sit in queued rather than race admission into
	// debrid_pending. close(block) is deferred last so it runs before
	// closeFn, whose server Close waits for the blocked handlers.
	block := make(chan struct{})
	m, closeFn := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer closeFn()
	defer close(block)

	for i := 0; i < 16; i++ {
		_, err := m.Add(strconv.Itoa(i), "magnet:?xt=urn:btih:filler"+strconv.Itoa(i), "filler", "", "/downloads")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return m.sched.Counts().PendingSubmissions == 16
	}, time.Second, time.Millisecond, "expected all 16 filler jobs to saturate the submission cap")

	job, err := m.Add("hash3", "magnet:?xt=urn:btih:hash3", "X", "", "/downloads")
	require.NoError(t, err)
	require.Equal(t, models.StateQueued, job.Snapshot().State)

	require.NoError(t, m.Pause("hash3"))
	require.Equal(t, models.StatePaused, job.Snapshot().State)
	require.Equal(t, models.StateQueued, job.PriorState())

	require.NoError(t, m.Resume("hash3"))
	require.Equal(t, models.StateQueued, job.Snapshot().State)
}

func TestDelete_IsIdempotentAndTombstones(t *testing.T) {
	m, closeFn := newTestManager(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	defer closeFn()

	_, err := m.Add("hash4", "magnet:?xt=urn:btih:hash4", "X", "", "/downloads")
	require.NoError(t, err)

	require.NoError(t, m.Delete("hash4", false))
	require.NoError(t, m.Delete("hash4", false)) // second delete is a no-op, not an error

	_, ok := m.Get("hash4")
	require.False(t, ok)

	_, err = m.repo.Get("hash4")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExtractHashFromMagnet(t *testing.T) {
	hexHash := "0123456789abcdef0123456789abcdef01234567"
	require.Equal(t, hexHash, ExtractHashFromMagnet("magnet:?xt=urn:btih:"+hexHash+"&dn=x"))
}

func TestExtractNameFromMagnet(t *testing.T) {
	require.Equal(t, "My Movie 2024", ExtractNameFromMagnet("magnet:?xt=urn:btih:abc&dn=My+Movie+2024"))
	require.Equal(t, "Unknown", ExtractNameFromMagnet("magnet:?xt=urn:btih:abc"))
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "ab", sanitizeFilename("a/b"))
	require.Equal(t, "unnamed", sanitizeFilename(""))
}
