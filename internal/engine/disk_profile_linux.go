//go:build linux

package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DiskProfile describes the physical characteristics relevant to
// coalescing decisions.
type DiskProfile struct {
	Rotational bool
	MaxIoBytes uint64
	MergeGap   uint64
}

// DefaultDiskProfile assumes rotational media, the conservative case.
func DefaultDiskProfile() DiskProfile {
	return DiskProfile{
		Rotational: true,
		MaxIoBytes: DefaultMaxMerged,
		MergeGap:   DefaultMergeGap,
	}
}

// DetectDiskProfile probes sysfs for the queue parameters of the block
// device behind path. Never fails: any probe error yields the
// conservative defaults.
func DetectDiskProfile(path string) DiskProfile {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return DefaultDiskProfile()
	}

	major := unix.Major(uint64(stat.Rdev))
	minor := unix.Minor(uint64(stat.Rdev))
	if major == 0 && minor == 0 {
		// Regular file or image; no queue to consult.
		return DefaultDiskProfile()
	}

	base := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)

	// Partitions keep their queue directory on the parent device.
	readQueue := func(name string) (string, bool) {
		for _, p := range []string{base + "/queue/" + name, base + "/../queue/" + name} {
			if raw, err := os.ReadFile(p); err == nil {
				return strings.TrimSpace(string(raw)), true
			}
		}
		return "", false
	}

	profile := DefaultDiskProfile()

	if v, ok := readQueue("rotational"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			profile.Rotational = n != 0
		}
	}
	if v, ok := readQueue("max_sectors_kb"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			profile.MaxIoBytes = n * 1024
		}
	}

	if profile.Rotational {
		profile.MergeGap = profile.MaxIoBytes
	} else {
		profile.MergeGap = DefaultMergeGap
	}
	return profile
}
