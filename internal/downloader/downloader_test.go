package downloader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

func rangeServingHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		var start, end int64
		fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end)
		if end >= int64(len(content)) {
			end = int64(len(content)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}
}

func TestRun_SingleConnectionFullDownload(t *testing.T) {
	content := make([]byte, 1<<20)
	for i := range content {
		content[i] = byte(i % 256)
	}
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	d := New(zap.NewNop())
	profile := models.HDDProfile(21474836480)
	profile.DiskBufferBytes = 64 << 10
	profile.FlushInterval = 50 * time.Millisecond

	var lastProgress Progress
	err := d.Run(t.Context(), Request{
		DirectURL: srv.URL,
		DestPath:  dest,
		SizeTotal: int64(len(content)),
		Profile:   profile,
	}, func(p Progress) { lastProgress = p })
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
	_ = lastProgress
}

func TestRun_MultiSegmentSSD(t *testing.T) {
	content := make([]byte, 2<<20)
	for i := range content {
		content[i] = byte((i * 7) % 256)
	}
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	d := New(zap.NewNop())
	profile := models.SSDProfile(21474836480)
	profile.MaxConnectionsPerJob = 4
	profile.DiskBufferBytes = 256 << 10
	profile.FlushInterval = 50 * time.Millisecond

	err := d.Run(t.Context(), Request{
		DirectURL: srv.URL,
		DestPath:  dest,
		SizeTotal: int64(len(content)),
		Profile:   profile,
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRun_ResumeFromOffset(t *testing.T) {
	content := make([]byte, 1<<16)
	for i := range content {
		content[i] = byte(i % 256)
	}
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	half := int64(len(content) / 2)
	require.NoError(t, os.WriteFile(dest, content[:half], 0o644))

	d := New(zap.NewNop())
	profile := models.HDDProfile(21474836480)
	profile.DiskBufferBytes = 32 << 10

	err := d.Run(t.Context(), Request{
		DirectURL: srv.URL,
		DestPath:  dest,
		SizeTotal: int64(len(content)),
		Offset:    half,
		Profile:   profile,
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPlanSegments_DisjointAndCovering(t *testing.T) {
	segs := planSegments("http://x", 0, 1000, 4)
	require.Len(t, segs, 4)
	require.Equal(t, int64(0), segs[0].start)
	require.Equal(t, int64(1000), segs[len(segs)-1].end)
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].end, segs[i].start)
	}
}
