package storageprobe

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

func TestProbe_OverrideBypassesDetection(t *testing.T) {
	log := zap.NewNop()

	profile := Probe("/nonexistent/path/for/test", OverrideHDD, 21474836480, log)
	require.Equal(t, models.StorageHDD, profile.Kind)
	require.Equal(t, 1, profile.MaxConnectionsPerJob)
	require.True(t, profile.PreAllocate)

	profile = Probe("/nonexistent/path/for/test", OverrideSSD, 21474836480, log)
	require.Equal(t, models.StorageSSD, profile.Kind)
	require.Equal(t, 4, profile.MaxConnectionsPerJob)
	require.False(t, profile.PreAllocate)
}

func TestBareDeviceName(t *testing.T) {
	cases := map[string]string{
		"/dev/sda1":     "sda",
		"/dev/sda":      "sda",
		"/dev/nvme0n1p1": "nvme0n1",
		"/dev/nvme0n1":   "nvme0n1",
	}
	for in, want := range cases {
		require.Equal(t, want, bareDeviceName(in), "input %s", in)
	}
}

func TestBenchmarkIOPS_ClassifiesTmpDir(t *testing.T) {
	// /tmp on CI is typically tmpfs/ssd-backed; the benchmark should at
	// least run to completion without panicking and return one of the two
	// valid kinds.
	kind := benchmarkIOPS(t.TempDir())
	require.Contains(t, []models.StorageKind{models.StorageHDD, models.StorageSSD}, kind)
}
