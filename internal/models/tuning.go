package models

import "time"

// StorageKind is the outcome of the Storage Probe (spec.md §4.1).
type StorageKind string

const (
	StorageHDD StorageKind = "hdd"
	StorageSSD StorageKind = "ssd"
)

// TuningProfile is the per-medium tuning table of spec.md §4.1.
type TuningProfile struct {
	Kind StorageKind

	MaxConnectionsPerJob int
	ConcurrentLargeJobs  int
	ConcurrentSmallJobs  int
	LargeThresholdBytes  int64
	DiskBufferBytes      int64
	FlushInterval        time.Duration
	PreAllocate          bool
}

// HDDProfile is the tuning table's hdd column.
func HDDProfile(thresholdBytes int64) TuningProfile {
	return TuningProfile{
		Kind:                 StorageHDD,
		MaxConnectionsPerJob: 1,
		ConcurrentLargeJobs:  1,
		ConcurrentSmallJobs:  3,
		LargeThresholdBytes:  thresholdBytes,
		DiskBufferBytes:      64 << 20,
		FlushInterval:        5 * time.Second,
		PreAllocate:          true,
	}
}

// SSDProfile is the tuning table's ssd column.
func SSDProfile(thresholdBytes int64) TuningProfile {
	return TuningProfile{
		Kind:                 StorageSSD,
		MaxConnectionsPerJob: 4,
		ConcurrentLargeJobs:  3,
		ConcurrentSmallJobs:  5,
		LargeThresholdBytes:  thresholdBytes,
		DiskBufferBytes:      8 << 20,
		FlushInterval:        1 * time.Second,
		PreAllocate:          false,
	}
}
