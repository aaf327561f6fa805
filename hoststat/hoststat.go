package hoststat

import (
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"go.uber.org/zap"
)

// Stats is a snapshot of the host reported next to the battery
type Stats struct {
	CPUMHz       float64  `json:"cpuMhz"`
	Load1        float64  `json:"load1"`
	Load5        float64  `json:"load5"`
	Load15       float64  `json:"load15"`
	TemperatureC *float64 `json:"temperatureC,omitempty"`
	MemUsedBytes uint64   `json:"memUsedBytes"`
	MemTotal     uint64   `json:"memTotalBytes"`
}

// Reader reads host stats from procfs and sysfs. Every stat is best effort:
// a missing source leaves its fields zero.
type Reader struct {
	proc   procfs.FS
	sys    sysfs.FS
	hasSys bool
	logger *zap.Logger
}

// NewReader opens the proc and sys mount points, usually /proc and /sys
func NewReader(procRoot, sysRoot string, logger *zap.Logger) (*Reader, error) {
	proc, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	r := &Reader{proc: proc, logger: logger}

	if sys, err := sysfs.NewFS(sysRoot); err == nil {
		r.sys = sys
		r.hasSys = true
	} else {
		logger.Warn("sysfs unavailable, cpu temperature will not be reported", zap.String("path", sysRoot), zap.Error(err))
	}
	return r, nil
}

// Read collects the current host stats
func (r *Reader) Read() Stats {
	var s Stats

	if load, err := r.proc.LoadAvg(); err == nil {
		s.Load1, s.Load5, s.Load15 = load.Load1, load.Load5, load.Load15
	} else {
		r.logger.Debug("failed to read load average", zap.Error(err))
	}

	if mem, err := r.proc.Meminfo(); err == nil {
		s.MemTotal, s.MemUsedBytes = memory(mem)
	} else {
		r.logger.Debug("failed to read meminfo", zap.Error(err))
	}

	if cpus, err := r.proc.CPUInfo(); err == nil {
		s.CPUMHz = averageMHz(cpus)
	} else {
		r.logger.Debug("failed to read cpuinfo", zap.Error(err))
	}

	if r.hasSys {
		if zones, err := r.sys.ClassThermalZoneStats(); err == nil {
			s.TemperatureC = hottest(zones)
		} else {
			r.logger.Debug("failed to read thermal zones", zap.Error(err))
		}
	}

	return s
}

// memory returns total and used bytes; used excludes reclaimable memory
func memory(mem procfs.Meminfo) (total, used uint64) {
	if mem.MemTotal == nil {
		return 0, 0
	}
	total = *mem.MemTotal * 1024
	available := uint64(0)
	switch {
	case mem.MemAvailable != nil:
		available = *mem.MemAvailable * 1024
	case mem.MemFree != nil:
		available = *mem.MemFree * 1024
	}
	if available > total {
		return total, 0
	}
	return total, total - available
}

func averageMHz(cpus []procfs.CPUInfo) float64 {
	var sum float64
	var n int
	for _, c := range cpus {
		if c.CPUMHz > 0 {
			sum += c.CPUMHz
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// hottest returns the highest zone temperature in degrees Celsius
func hottest(zones []sysfs.ClassThermalZoneStats) *float64 {
	var hot *float64
	for _, z := range zones {
		c := float64(z.Temp) / 1000
		if hot == nil || c > *hot {
			hot = &c
		}
	}
	return hot
}
