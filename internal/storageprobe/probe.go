// Package storageprobe classifies a download directory as rotational (hdd)
// or solid-state (ssd) storage and returns the matching tuning profile
// (spec.md §4.1).
package storageprobe

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/models"
)

// iopsThreshold is the achieved-IOPS cutoff below which the micro-benchmark
// fallback classifies a device as hdd (spec.md §4.1).
const iopsThreshold = 400

// Override forces the probe result instead of inspecting the device, set
// from config's STORAGE_TYPE when it is "hdd" or "ssd" rather than "auto".
type Override string

const (
	OverrideAuto Override = "auto"
	OverrideHDD  Override = "hdd"
	OverrideSSD  Override = "ssd"
)

// Probe classifies path and returns its tuning profile, with thresholdBytes
// substituted for the large-job threshold field.
func Probe(path string, override Override, thresholdBytes int64, log *zap.Logger) models.TuningProfile {
	switch override {
	case OverrideHDD:
		return models.HDDProfile(thresholdBytes)
	case OverrideSSD:
		return models.SSDProfile(thresholdBytes)
	}

	kind := detectStorageType(path, log)
	if kind == models.StorageSSD {
		return models.SSDProfile(thresholdBytes)
	}
	return models.HDDProfile(thresholdBytes)
}

func detectStorageType(path string, log *zap.Logger) models.StorageKind {
	abs, err := filepath.Abs(path)
	if err != nil {
		log.Warn("storageprobe: could not resolve path, assuming hdd", zap.String("path", path), zap.Error(err))
		return models.StorageHDD
	}

	device, err := deviceForPath(abs)
	if err != nil {
		log.Warn("storageprobe: could not resolve device, assuming hdd", zap.String("path", abs), zap.Error(err))
		return models.StorageHDD
	}

	rotational, ok := rotationalFromSysfs(device)
	if ok {
		log.Info("storageprobe: classified via sysfs", zap.String("device", device), zap.Bool("rotational", rotational))
		return kindFromRotational(rotational)
	}

	rotational, ok = rotationalFromLsblk(device)
	if ok {
		log.Info("storageprobe: classified via lsblk", zap.String("device", device), zap.Bool("rotational", rotational))
		return kindFromRotational(rotational)
	}

	kind := benchmarkIOPS(abs)
	log.Warn("storageprobe: falling back to IOPS micro-benchmark",
		zap.String("device", device), zap.String("result", string(kind)))
	return kind
}

func kindFromRotational(rotational bool) models.StorageKind {
	if rotational {
		return models.StorageHDD
	}
	return models.StorageSSD
}

// deviceForPath finds the mount point covering path by reading
// /proc/self/mountinfo (the Go equivalent of psutil.disk_partitions()), then
// maps the mount's source device to a bare block-device name the way
// original_source/src/utils/storage.py's _get_device_for_mount does
// (strip /dev/, strip trailing partition digits, strip nvme's pN suffix).
func deviceForPath(absPath string) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	type mount struct {
		point  string
		source string
	}
	var mounts []mount

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Format: ID PARENT MAJOR:MINOR ROOT MOUNTPOINT OPTS - FSTYPE SOURCE SUPEROPTS
		parts := strings.SplitN(line, " - ", 2)
		if len(parts) != 2 {
			continue
		}
		left := strings.Fields(parts[0])
		right := strings.Fields(parts[1])
		if len(left) < 5 || len(right) < 2 {
			continue
		}
		mounts = append(mounts, mount{point: left[4], source: right[1]})
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	sort.Slice(mounts, func(i, j int) bool { return len(mounts[i].point) > len(mounts[j].point) })

	for _, m := range mounts {
		if strings.HasPrefix(absPath, m.point) {
			return bareDeviceName(m.source), nil
		}
	}
	return "", fmt.Errorf("no mount found covering %s", absPath)
}

var trailingDigits = regexp.MustCompile(`\d+$`)
var nvmePartition = regexp.MustCompile(`p\d+$`)

func bareDeviceName(source string) string {
	device := strings.TrimPrefix(source, "/dev/")
	if strings.HasPrefix(device, "nvme") {
		return nvmePartition.ReplaceAllString(device, "")
	}
	return trailingDigits.ReplaceAllString(device, "")
}

func rotationalFromSysfs(device string) (rotational, ok bool) {
	if device == "" {
		return false, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/sys/block/%s/queue/rotational", device))
	if err != nil {
		return false, false
	}
	v := strings.TrimSpace(string(data))
	return v == "1", true
}

func rotationalFromLsblk(device string) (rotational, ok bool) {
	out, err := exec.Command("lsblk", "-d", "-o", "NAME,ROTA", "-n").Output()
	if err != nil {
		return false, false
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == device {
			return fields[1] == "1", true
		}
	}
	return false, false
}

// benchmarkIOPS performs a short random 4 KiB read benchmark over a scratch
// file in path and classifies by achieved IOPS against iopsThreshold, per
// spec.md §4.1's documented fallback.
func benchmarkIOPS(dirPath string) models.StorageKind {
	scratch := filepath.Join(dirPath, ".storageprobe-bench")
	const size = 16 << 20 // 16 MiB scratch file
	const blockSize = 4096
	const samples = 200

	f, err := os.OpenFile(scratch, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return models.StorageHDD
	}
	defer func() {
		f.Close()
		os.Remove(scratch)
	}()

	if err := f.Truncate(size); err != nil {
		return models.StorageHDD
	}

	buf := make([]byte, blockSize)
	start := time.Now()
	completed := 0
	for i := 0; i < samples; i++ {
		offset := int64((i * 2654435761) % (size - blockSize))
		offset -= offset % blockSize
		if _, err := f.ReadAt(buf, offset); err != nil {
			continue
		}
		completed++
	}
	elapsed := time.Since(start)
	if elapsed <= 0 || completed == 0 {
		return models.StorageHDD
	}

	iops := float64(completed) / elapsed.Seconds()
	if iops >= iopsThreshold {
		return models.StorageSSD
	}
	return models.StorageHDD
}
