//go:build linux

// Package cgroup provides cgroup hierarchy detection and the identity
// table mapping kernel cgroup ids to labels for exposition.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Mode is the detected cgroup hierarchy flavor.
type Mode int

const (
	Unsupported Mode = iota // no cgroup mounts
	V1                      // legacy multi-hierarchy cgroup v1
	V2                      // unified cgroup v2
	Hybrid                  // both v1 and v2 present
)

func (m Mode) String() string {
	switch m {
	case V1:
		return "cgroup v1"
	case V2:
		return "cgroup v2"
	case Hybrid:
		return "cgroup hybrid"
	default:
		return "unsupported"
	}
}

// Detect returns the cgroup mode by parsing /proc/self/mountinfo.
// The line format has a " - fstype " separator; only fstype matters here.
func Detect() (Mode, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Unsupported, fmt.Errorf("cgroup: open mountinfo: %w", err)
	}
	defer f.Close()

	var hasV1, hasV2 bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		i := strings.LastIndex(line, " - ")
		if i < 0 {
			continue
		}
		fields := strings.Fields(line[i+3:])
		if len(fields) < 1 {
			continue
		}
		switch fields[0] {
		case "cgroup2":
			hasV2 = true
		case "cgroup":
			hasV1 = true
		}
	}
	if err := sc.Err(); err != nil {
		return Unsupported, fmt.Errorf("cgroup: scan mountinfo: %w", err)
	}

	switch {
	case hasV1 && hasV2:
		return Hybrid, nil
	case hasV2:
		return V2, nil
	case hasV1:
		return V1, nil
	default:
		return Unsupported, nil
	}
}
