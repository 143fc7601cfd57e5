//go:build linux

// Package host gathers the static system facts served by /hardware_info.
package host

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ja7ad/pulse/pkg/system/cgroup"
	"github.com/ja7ad/pulse/pkg/types"
)

// Info is a snapshot taken once at startup; nothing in it changes over the
// agent's lifetime.
type Info struct {
	Hostname      string      `json:"hostname"`
	KernelRelease string      `json:"kernel_release"`
	CPUs          int         `json:"cpus"`
	MemoryBytes   types.Bytes `json:"memory_bytes"`
	Memory        string      `json:"memory"`
	CgroupMode    string      `json:"cgroup_mode"`
	Samplers      []string    `json:"samplers"`
}

// Collect probes the facts. Individual failures degrade to empty fields
// rather than failing startup.
func Collect(samplers []string) Info {
	info := Info{
		CPUs:     runtime.NumCPU(),
		Samplers: samplers,
	}
	if hn, err := os.Hostname(); err == nil {
		info.Hostname = hn
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.KernelRelease = utsString(uts.Release[:])
	}
	if f, err := os.Open("/proc/meminfo"); err == nil {
		info.MemoryBytes = parseMemTotal(f)
		f.Close()
	}
	info.Memory = info.MemoryBytes.Humanized()
	if mode, err := cgroup.Detect(); err == nil {
		info.CgroupMode = mode.String()
	}
	return info
}

func utsString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseMemTotal(r io.Reader) types.Bytes {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fs := strings.Fields(line)
		if len(fs) >= 2 {
			kb, _ := strconv.ParseUint(fs[1], 10, 64)
			return types.Bytes(kb * 1024)
		}
	}
	return 0
}
