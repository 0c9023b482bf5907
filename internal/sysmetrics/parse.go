package sysmetrics

import (
	"strconv"
	"strings"
)

// parseFreeM extracts used/total from the "Mem:" line of `free -m` output and
// returns the usage percentage.
func parseFreeM(text string) *float64 {
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "mem:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil
		}
		total, err1 := strconv.ParseFloat(fields[1], 64)
		used, err2 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || total <= 0 {
			return nil
		}
		return f64ptr(round2(used * 100 / total))
	}
	return nil
}

// parseDfH extracts per-filesystem usage percentages from `df -h` output and
// returns the worst one. A header line is tolerated.
func parseDfH(text string) *float64 {
	var worst *float64
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "Filesystem") || strings.Contains(line, "Source") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		raw := strings.TrimSuffix(fields[4], "%")
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if worst == nil || pct > *worst {
			worst = f64ptr(pct)
		}
	}
	return worst
}

// parseLoadAvg reads the one-minute average from /proc/loadavg content.
func parseLoadAvg(text string) *float64 {
	fields := strings.Fields(text)
	if len(fields) < 1 {
		return nil
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return f64ptr(load1)
}

// parseNetDevLine reads rx/tx byte counters from one /proc/net/dev interface
// line ("eth0: rx-bytes rx-packets ... tx-bytes ...").
func parseNetDevLine(line string) (recv, sent *uint64) {
	if idx := strings.Index(line, ":"); idx >= 0 {
		line = line[idx+1:]
	}
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, nil
	}
	rx, err1 := strconv.ParseUint(fields[0], 10, 64)
	tx, err2 := strconv.ParseUint(fields[8], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, nil
	}
	return u64ptr(rx), u64ptr(tx)
}

// cpuFromLoad approximates a CPU percentage as load1 scaled by core count.
// It can exceed 100 on an overloaded machine, which is the useful signal.
func cpuFromLoad(load1 *float64, cores int) *float64 {
	if load1 == nil || cores <= 0 {
		return nil
	}
	v := *load1 / float64(cores) * 100
	if v < 0 {
		v = 0
	}
	return f64ptr(round2(v))
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
