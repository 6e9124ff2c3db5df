package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/alldebrid"
	"github.com/ygncode/alldebrid-broker/internal/downloader"
	"github.com/ygncode/alldebrid-broker/internal/jobmanager"
	"github.com/ygncode/alldebrid-broker/internal/models"
	"github.com/ygncode/alldebrid-broker/internal/scheduler"
	"github.com/ygncode/alldebrid-broker/internal/storage"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	db, err := storage.NewDatabase(":memory:")
	require.NoError(t, err)
	repo := storage.NewRepository(db)

	// The Debrid Gateway stub never answers: it holds each request open
	// until the client gives up, so added jobs stay in queued or
	// debrid_pending and these tests only exercise the HTTP surface's
	// routing, parsing and view mapping. The body is drained first so the
	// server notices the client hanging up and cancels r.Context().
	debridSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	log := zap.NewNop()
	gateway := alldebrid.NewClient("test-key", debridSrv.URL, log)
	profile := models.HDDProfile(20 << 30)
	sched := scheduler.New(profile)
	dl := downloader.New(log)

	mgr := jobmanager.New(repo, gateway, sched, dl, profile, log)
	require.NoError(t, mgr.Start(t.Context()))

	s := NewServer(mgr, "/downloads", 2, log)
	return s, func() { mgr.Stop(); debridSrv.Close() }
}

func (s *Server) testGet(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *Server) testPostForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testGet("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRequestLogger_SetsRequestIDHeader(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testGet("/health")
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	other := s.testGet("/health")
	require.NotEqual(t, rec.Header().Get(requestIDHeader), other.Header().Get(requestIDHeader))
}

func TestAppVersionAndWebAPIVersion(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testGet("/api/v2/app/version")
	require.Equal(t, "v4.5.0", rec.Body.String())

	rec = s.testGet("/api/v2/app/webapiVersion")
	require.Equal(t, "2.8.0", rec.Body.String())
}

func TestAuthLoginAcceptsAnyCredentials(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testPostForm("/api/v2/auth/login", url.Values{"username": {"x"}, "password": {"anything"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ok.", rec.Body.String())
}

func TestTorrentsAdd_ExtractsHashAndCreatesJob(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	hash := "0123456789abcdef0123456789abcdef01234567"
	magnet := "magnet:?xt=urn:btih:" + hash + "&dn=My.Movie"
	rec := s.testPostForm("/api/v2/torrents/add", url.Values{"urls": {magnet}, "category": {"radarr"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ok.", rec.Body.String())

	rec = s.testGet("/api/v2/torrents/info")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []torrentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	require.Equal(t, hash, infos[0].Hash)
	require.Equal(t, "My.Movie", infos[0].Name)
	require.Equal(t, "queuedDL", infos[0].State)
}

func TestTorrentsAdd_RejectsEmptyURLs(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testPostForm("/api/v2/torrents/add", url.Values{"urls": {"   \n  "}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTorrentProperties_UnknownHashReturns404(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testGet("/api/v2/torrents/properties?hash=doesnotexist")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTorrentsPauseThenResume(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	magnet := "magnet:?xt=urn:btih:" + hash
	rec := s.testPostForm("/api/v2/torrents/add", url.Values{"urls": {magnet}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.testPostForm("/api/v2/torrents/pause", url.Values{"hashes": {hash}})
	require.Equal(t, http.StatusOK, rec.Code)

	job, ok := s.mgr.Get(hash)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return job.Snapshot().State == models.StatePaused
	}, time.Second, time.Millisecond)

	rec = s.testPostForm("/api/v2/torrents/resume", url.Values{"hashes": {hash}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTorrentsDelete_IdempotentTwice(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	hash := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	magnet := "magnet:?xt=urn:btih:" + hash
	s.testPostForm("/api/v2/torrents/add", url.Values{"urls": {magnet}})

	rec := s.testPostForm("/api/v2/torrents/delete", url.Values{"hashes": {hash}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.testPostForm("/api/v2/torrents/delete", url.Values{"hashes": {hash}})
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.mgr.Get(hash)
	require.False(t, ok)
}

func TestTorrentsCategoriesAndTrackers(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	rec := s.testGet("/api/v2/torrents/categories")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "radarr")

	rec = s.testGet("/api/v2/torrents/trackers?hash=x")
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestMetricsProm_ExposesJobGauge(t *testing.T) {
	s, closeFn := newTestServer(t)
	defer closeFn()

	hash := "cccccccccccccccccccccccccccccccccccccccc"
	s.testPostForm("/api/v2/torrents/add", url.Values{"urls": {"magnet:?xt=urn:btih:" + hash}})

	rec := s.testGet("/metrics/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alldebrid_broker_jobs")
}
