//go:build linux

package proc

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// ClockTicks returns the number of jiffies (clock ticks) per second.
// It first checks the env var CLK_TCK (useful for testing), otherwise
// falls back to 100 (common default).
//
// Note: On real systems, the authoritative way is `sysconf(_SC_CLK_TCK)`,
// but calling that requires cgo. For portability in a pure-Go agent,
// this simplified approach is acceptable.
func ClockTicks() int {
	v, _ := strconv.Atoi(os.Getenv("CLK_TCK"))
	if v > 0 {
		return v
	}
	return 100
}

// CPUTimes holds one CPU's time counters from /proc/stat, in jiffies.
// All fields are monotonic; deltas between reads give utilization.
type CPUTimes struct {
	User      uint64
	Nice      uint64
	System    uint64
	Idle      uint64
	IOWait    uint64
	IRQ       uint64
	SoftIRQ   uint64
	Steal     uint64
	Guest     uint64
	GuestNice uint64
}

// ReadPerCPU parses /proc/stat and returns the per-CPU time counters in
// CPU index order. The aggregate "cpu" line is skipped.
func ReadPerCPU() ([]CPUTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCPUStat(f)
}

// ParseCPUStat reads per-CPU lines from /proc/stat content.
func ParseCPUStat(r io.Reader) ([]CPUTimes, error) {
	var out []CPUTimes
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fs := strings.Fields(sc.Text())
		if len(fs) == 0 || !strings.HasPrefix(fs[0], "cpu") || fs[0] == "cpu" {
			continue
		}
		if len(fs) < 8 {
			return nil, ErrShortStat
		}
		var vals [10]uint64
		for i := 0; i < 10 && i+1 < len(fs); i++ {
			vals[i], _ = strconv.ParseUint(fs[i+1], 10, 64)
		}
		out = append(out, CPUTimes{
			User: vals[0], Nice: vals[1], System: vals[2], Idle: vals[3],
			IOWait: vals[4], IRQ: vals[5], SoftIRQ: vals[6], Steal: vals[7],
			Guest: vals[8], GuestNice: vals[9],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoCPU
	}
	return out, nil
}
