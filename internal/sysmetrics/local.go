package sysmetrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// LocalCollector reads the panel host's own metrics from procfs. CPU usage is
// derived from /proc/stat deltas between calls, so the first sample carries
// no CPU figure.
type LocalCollector struct {
	fs       procfs.FS
	diskPath string

	mu       sync.Mutex
	prevBusy float64
	prevTot  float64
	primed   bool
}

// NewLocalCollector mounts procfs and samples disk usage of diskPath's
// filesystem (the data directory, typically).
func NewLocalCollector(diskPath string) (*LocalCollector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("mount procfs: %w", err)
	}
	return &LocalCollector{fs: fs, diskPath: diskPath}, nil
}

func (c *LocalCollector) Collect(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	var s Sample
	s.CPUPercent = c.cpuPercent()

	if mi, err := c.fs.Meminfo(); err == nil && mi.MemTotal != nil && *mi.MemTotal > 0 {
		var avail uint64
		if mi.MemAvailable != nil {
			avail = *mi.MemAvailable
		} else if mi.MemFree != nil {
			avail = *mi.MemFree
		}
		used := *mi.MemTotal - avail
		s.MemPercent = f64ptr(round2(float64(used) * 100 / float64(*mi.MemTotal)))
	}

	if la, err := c.fs.LoadAvg(); err == nil {
		s.Load1 = f64ptr(la.Load1)
	}

	if nd, err := c.fs.NetDev(); err == nil {
		total := nd.Total()
		s.NetRecv = u64ptr(total.RxBytes)
		s.NetSent = u64ptr(total.TxBytes)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(c.diskPath, &st); err == nil {
		used := st.Blocks - st.Bfree
		// df convention: percentage of the space visible to unprivileged users.
		if denom := used + st.Bavail; denom > 0 {
			s.DiskPercent = f64ptr(round2(float64(used) * 100 / float64(denom)))
		}
	}

	return s, nil
}

// cpuPercent computes busy time over total time since the previous call.
func (c *LocalCollector) cpuPercent() *float64 {
	stat, err := c.fs.Stat()
	if err != nil {
		return nil
	}
	cpu := stat.CPUTotal
	busy := cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	total := busy + cpu.Idle + cpu.Iowait

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		c.prevBusy, c.prevTot, c.primed = busy, total, true
	}()

	if !c.primed || total <= c.prevTot {
		return nil
	}
	return f64ptr(round2((busy - c.prevBusy) * 100 / (total - c.prevTot)))
}
