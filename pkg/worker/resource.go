package worker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/types"
)

// resumeMarginPercent is the hysteresis band: once paused, claiming
// resumes only after usage falls this far below the pause threshold.
const resumeMarginPercent = 5

// Monitor samples process RSS and data-directory disk usage for
// backpressure decisions. Readings that cannot be taken report no
// pressure; backpressure degrades, it never blocks on its own failure.
type Monitor struct {
	dataDir          string
	memPausePercent  float64
	diskPausePercent float64
	logger           zerolog.Logger

	mu        sync.Mutex
	memPaused bool
}

// NewMonitor creates a resource monitor over the data directory.
func NewMonitor(dataDir string, memPausePercent, diskPausePercent float64) *Monitor {
	return &Monitor{
		dataDir:          dataDir,
		memPausePercent:  memPausePercent,
		diskPausePercent: diskPausePercent,
		logger:           log.WithComponent("resources"),
	}
}

// MemoryPressured reports whether the pool should pause claiming. The
// pause latches until usage drops below the resume margin.
func (m *Monitor) MemoryPressured() bool {
	percent, ok := m.rssPercent()
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memPaused {
		if percent < m.memPausePercent-resumeMarginPercent {
			m.memPaused = false
			m.logger.Info().Float64("rss_percent", percent).Msg("memory pressure cleared")
		}
	} else if percent >= m.memPausePercent {
		m.memPaused = true
		m.logger.Warn().Float64("rss_percent", percent).Msg("memory pressure, pausing claims")
	}
	return m.memPaused
}

// CreationCheck returns the admission check for the job queue: a
// DISK_FULL error while the data directory's filesystem is above the
// pause threshold.
func (m *Monitor) CreationCheck() func() error {
	return func() error {
		percent, ok := m.diskPercent()
		if !ok || percent < m.diskPausePercent {
			return nil
		}
		return &types.JobError{
			Kind:    types.ErrDiskFull,
			Message: "disk usage above threshold, refusing new jobs",
		}
	}
}

// rssPercent reads the process RSS against total system memory.
func (m *Monitor) rssPercent() (float64, bool) {
	total, ok := readMemTotalBytes()
	if !ok || total == 0 {
		return 0, false
	}
	rss, ok := readRSSBytes()
	if !ok {
		return 0, false
	}
	return float64(rss) / float64(total) * 100, true
}

func (m *Monitor) diskPercent() (float64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return 0, false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, false
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return float64(total-free) / float64(total) * 100, true
}

func readMemTotalBytes() (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, false
			}
			return kb * 1024, true
		}
	}
	return 0, false
}

func readRSSBytes() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}
