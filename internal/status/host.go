package status

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"
)

// Host probes read procfs. Each returns nil where procfs is unavailable.

func readProc(name string) (string, bool) {
	b, err := os.ReadFile("/proc/" + name)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func hostUptime() *int64 {
	raw, ok := readProc("uptime")
	if !ok {
		return nil
	}
	return parseUptime(raw)
}

func parseUptime(raw string) *int64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	n := int64(f)
	return &n
}

func loadAverage() *float64 {
	raw, ok := readProc("loadavg")
	if !ok {
		return nil
	}
	return parseLoadAvg(raw)
}

func parseLoadAvg(raw string) *float64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &f
}

func hostMemory() *HostMemory {
	raw, ok := readProc("meminfo")
	if !ok {
		return nil
	}
	return parseMeminfo(raw)
}

// parseMeminfo reads MemTotal and MemAvailable (kB).
func parseMeminfo(raw string) *HostMemory {
	var total, avail uint64
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, haveTotal = v*1024, true
		case "MemAvailable:":
			avail, haveAvail = v*1024, true
		}
	}
	if !haveTotal || !haveAvail {
		return nil
	}
	return usage(total, avail)
}

func usage(total, free uint64) *HostMemory {
	if free > total {
		free = total
	}
	used := total - free
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(used)/float64(total)*10000) / 100
	}
	return &HostMemory{Total: total, Free: free, Used: used, PercentUsed: pct}
}
