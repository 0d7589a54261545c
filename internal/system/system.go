// Package system holds process level helpers: file limits, host statistics,
// ffmpeg encoder discovery and lookups of the newest input files.
package system

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// InitResourceLimits raises the open file limit; the server keeps a socket
// and a model session per pooled engine.
func InitResourceLimits(logger logrus.FieldLogger) {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		logger.WithError(err).Warn("cannot read open file limit")
		return
	}

	rLimit.Cur = 2048
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		logger.WithError(err).Warn("cannot raise open file limit")
	} else {
		logger.WithField("limit", rLimit.Cur).Debug("open file limit raised")
	}
}

// VideoExts are the containers accepted by the video command.
var VideoExts = []string{".mp4", ".mov", ".mkv", ".avi", ".webm", ".m4v"}

// FindLatest returns the most recently modified file in dir with one of exts.
func FindLatest(dir string, exts ...string) (string, error) {
	latest, err := findLatest(dir, func(name string) bool { return hasExt(name, exts) })
	if err == nil && latest == "" {
		err = fmt.Errorf("no %s files in %s", strings.Join(exts, "/"), dir)
	}
	return latest, err
}

// FindLatestVideo picks the newest video in dir, skipping our own
// predict_ outputs.
func FindLatestVideo(dir string) (string, error) {
	latest, err := findLatest(dir, func(name string) bool {
		return !strings.HasPrefix(name, "predict_") && hasExt(name, VideoExts)
	})
	if err == nil && latest == "" {
		err = fmt.Errorf("no videos in %s", dir)
	}
	return latest, err
}

func findLatest(dir string, keep func(name string) bool) (string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time

	for _, f := range files {
		if f.IsDir() || !keep(f.Name()) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(dir, f.Name())
		}
	}
	return latestFile, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

var (
	encoderOnce sync.Once
	encoderName string
)

// GetBestH264Encoder returns the first hardware H.264 encoder the local
// ffmpeg offers, falling back to libx264. The probe runs once per process.
func GetBestH264Encoder() string {
	encoderOnce.Do(func() {
		encoderName = "libx264"
		out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
		if err != nil {
			return
		}
		encoderName = pickEncoder(string(out))
	})
	return encoderName
}

// pickEncoder chooses from `ffmpeg -encoders` output.
func pickEncoder(listing string) string {
	// macOS VideoToolbox, then NVIDIA NVENC, then software.
	for _, name := range []string{"h264_videotoolbox", "h264_nvenc"} {
		if strings.Contains(listing, " "+name+" ") {
			return name
		}
	}
	return "libx264"
}

type HostStats struct {
	LogicalCPUs  int     `json:"logical_cpus"`
	MemTotal     uint64  `json:"mem_total"`
	MemAvailable uint64  `json:"mem_available"`
	MemUsedPct   float64 `json:"mem_used_percent"`
}

// ReadHostStats samples CPU and memory figures. Missing figures stay zero.
func ReadHostStats() HostStats {
	var s HostStats
	if n, err := cpu.Counts(true); err == nil {
		s.LogicalCPUs = n
	} else {
		s.LogicalCPUs = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotal = vm.Total
		s.MemAvailable = vm.Available
		s.MemUsedPct = vm.UsedPercent
	}
	return s
}

// EngineMemory is the budget assumed for one loaded detection session.
const EngineMemory = 512 << 20

// DefaultPoolSize suggests how many engines to load: half the logical CPUs,
// capped by available memory, at least one.
func DefaultPoolSize(s HostStats) int {
	n := s.LogicalCPUs / 2
	if s.MemAvailable > 0 {
		if byMem := int(s.MemAvailable / EngineMemory); byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
