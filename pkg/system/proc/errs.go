package proc

import "errors"

var (
	// ErrNoCPU indicates that /proc/stat had no per-CPU lines.
	ErrNoCPU = errors.New("proc: no cpu lines")

	// ErrShortStat indicates a /proc/stat CPU line with too few fields.
	ErrShortStat = errors.New("proc: short stat")
)
