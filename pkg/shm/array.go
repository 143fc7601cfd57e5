//go:build linux

// Package shm implements the kernel/userspace shared counter plane: fixed
// size memory-mapped regions of native-endian u64 cells. Producers (kernel
// probes, or tests standing in for them) mutate cells with relaxed atomic
// adds; the single userspace consumer reads with plain atomic loads and
// full-scan aggregation. Region size is fixed for the mapping lifetime.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const cellSize = 8

// Array is a shared counter region of capacity u64 cells.
type Array struct {
	mem   []byte
	cells []uint64
	path  string
}

// Open maps an existing file as a shared array of exactly capacity cells.
// A missing or short file means the probe loader has not attached; callers
// surface that as an initialization failure.
func Open(path string, capacity int) (*Array, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("shm: capacity must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	want := int64(capacity) * cellSize
	if st.Size() < want {
		return nil, fmt.Errorf("shm: %s is %d bytes, need %d", path, st.Size(), want)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(want), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Array{
		mem:   mem,
		cells: unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), capacity),
		path:  path,
	}, nil
}

// Create makes (or truncates) a backing file of capacity cells, zeroed, and
// maps it. Zeroing is one-shot at registration; used by the probe loader
// and by tests acting as the producer side.
func Create(path string, capacity int) (*Array, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("shm: capacity must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(capacity) * cellSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	f.Close()
	return Open(path, capacity)
}

// Capacity returns the cell count.
func (a *Array) Capacity() int { return len(a.cells) }

// Path returns the backing file path.
func (a *Array) Path() string { return a.path }

// Add atomically increments cell i; the producer-side operation.
func (a *Array) Add(i int, delta uint64) {
	atomic.AddUint64(&a.cells[i], delta)
}

// Load atomically reads cell i.
func (a *Array) Load(i int) uint64 {
	return atomic.LoadUint64(&a.cells[i])
}

// Store atomically overwrites cell i. Only tests use it; steady-state
// producers only Add.
func (a *Array) Store(i int, v uint64) {
	atomic.StoreUint64(&a.cells[i], v)
}

// SumColumn aggregates one metric slot across the producer dimension: the
// saturating sum of cells[row*stride+slot] for row in [0, rows). Shards
// are read without locks; per-shard monotonicity keeps the total from
// decreasing in steady state even though the scan is not a point-in-time
// cut.
func (a *Array) SumColumn(rows, stride, slot int) uint64 {
	var sum uint64
	for row := 0; row < rows; row++ {
		v := atomic.LoadUint64(&a.cells[row*stride+slot])
		next := sum + v
		if next < sum {
			return ^uint64(0)
		}
		sum = next
	}
	return sum
}

// ZeroRow clears one producer row. Used at cgroup slot recycling.
func (a *Array) ZeroRow(row, stride int) {
	base := row * stride
	for i := 0; i < stride; i++ {
		atomic.StoreUint64(&a.cells[base+i], 0)
	}
}

// Close unmaps the region.
func (a *Array) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.cells = nil
	return err
}
