package sysmetrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CommandRunner executes a shell command on a remote machine and returns its
// stdout. The transport (SSH, agent, container exec) is supplied by the
// caller.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// RemoteCollector samples a remote machine with portable shell commands. Any
// command that fails just leaves its fields nil; the collector errors only
// when nothing at all could be read.
type RemoteCollector struct {
	run CommandRunner
}

// NewRemoteCollector wraps a command runner.
func NewRemoteCollector(run CommandRunner) *RemoteCollector {
	return &RemoteCollector{run: run}
}

func (c *RemoteCollector) Collect(ctx context.Context) (Sample, error) {
	var s Sample
	collected := false

	if out, err := c.run.Run(ctx, "cat /proc/loadavg"); err == nil {
		if s.Load1 = parseLoadAvg(out); s.Load1 != nil {
			collected = true
		}
	}

	cores := 0
	if out, err := c.run.Run(ctx, "nproc 2>/dev/null || getconf _NPROCESSORS_ONLN 2>/dev/null || echo 1"); err == nil {
		first := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
		if n, err := strconv.Atoi(first); err == nil {
			cores = n
		}
	}
	s.CPUPercent = cpuFromLoad(s.Load1, cores)

	if out, err := c.run.Run(ctx, "free -m"); err == nil {
		if s.MemPercent = parseFreeM(out); s.MemPercent != nil {
			collected = true
		}
	}

	if out, err := c.run.Run(ctx, "df -h -x tmpfs -x devtmpfs --output=source,size,used,avail,pcent,target"); err == nil {
		if s.DiskPercent = parseDfH(out); s.DiskPercent != nil {
			collected = true
		}
	}

	if out, err := c.run.Run(ctx, "grep -E 'eth0|ens|enp|wlan0' /proc/net/dev | head -1"); err == nil && strings.TrimSpace(out) != "" {
		s.NetRecv, s.NetSent = parseNetDevLine(out)
	}

	if !collected {
		return Sample{}, fmt.Errorf("no metrics readable from remote")
	}
	return s, nil
}
