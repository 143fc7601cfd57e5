//go:build linux

// Package ringbuf drains cgroup-identity records from a shared-memory ring
// shared with kernel probes. The kernel side is the single producer: it
// writes a fixed 200-byte record, then advances the producer index. The
// agent is the single consumer and owns the consumer index. When the ring
// is full the producer drops the record and counts it; drops surface as a
// metric, not an error.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RecordSize is the bit-exact cgroup-info record layout:
// (id: i32, level: i32, name: [64]u8, pname: [64]u8, gpname: [64]u8).
const RecordSize = 200

const (
	hdrProducer = iota
	hdrConsumer
	hdrDropped
	hdrCapacity
	hdrWords
)

const headerSize = hdrWords * 8

// ErrRingFull is returned by the producer-side Push when no slot is free.
var ErrRingFull = errors.New("ringbuf: ring full")

// Record is one decoded cgroup-identity event. Names are NUL-trimmed.
type Record struct {
	ID          int32
	Level       int32
	Name        string
	Parent      string
	GrandParent string
}

// Ring is a memory-mapped record ring.
type Ring struct {
	mem      []byte
	hdr      []uint64
	data     []byte
	capacity uint64
}

// Create makes a ring file holding capacity records (a power of two) and
// maps it. Used by the probe loader and by tests acting as producer.
func Create(path string, capacity int) (*Ring, error) {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		return nil, fmt.Errorf("ringbuf: capacity must be a power of two, got %d", capacity)
	}
	size := int64(headerSize + capacity*RecordSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: truncate %s: %w", path, err)
	}
	f.Close()
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&r.hdr[hdrCapacity], uint64(capacity))
	return r, nil
}

// Open maps an existing ring file. The capacity header word is trusted
// only after a size check against the file.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ringbuf: stat %s: %w", path, err)
	}
	if st.Size() < headerSize+RecordSize {
		return nil, fmt.Errorf("ringbuf: %s too small (%d bytes)", path, st.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap %s: %w", path, err)
	}
	r := &Ring{
		mem:  mem,
		hdr:  unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), hdrWords),
		data: mem[headerSize:],
	}
	capacity := atomic.LoadUint64(&r.hdr[hdrCapacity])
	if capacity == 0 {
		// freshly created file; derive from size
		capacity = uint64(len(r.data)) / RecordSize
	}
	if capacity == 0 || bits.OnesCount64(capacity) != 1 ||
		uint64(len(r.data)) < capacity*RecordSize {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ringbuf: %s has corrupt capacity %d", path, capacity)
	}
	r.capacity = capacity
	return r, nil
}

// Capacity returns the record slot count.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Dropped returns the producer-side dropped-record count.
func (r *Ring) Dropped() uint64 {
	return atomic.LoadUint64(&r.hdr[hdrDropped])
}

func (r *Ring) slot(seq uint64) []byte {
	off := (seq & (r.capacity - 1)) * RecordSize
	return r.data[off : off+RecordSize]
}

// Drain consumes up to max records, invoking fn for each. reset reports
// that the consumer cursor was found ahead of the producer (corrupt
// header) and was re-synchronized; the batch is then empty.
func (r *Ring) Drain(max int, fn func(Record)) (n int, reset bool) {
	producer := atomic.LoadUint64(&r.hdr[hdrProducer])
	consumer := atomic.LoadUint64(&r.hdr[hdrConsumer])
	if consumer > producer {
		atomic.StoreUint64(&r.hdr[hdrConsumer], producer)
		return 0, true
	}
	for consumer < producer && n < max {
		fn(decode(r.slot(consumer)))
		consumer++
		n++
	}
	atomic.StoreUint64(&r.hdr[hdrConsumer], consumer)
	return n, false
}

// Push writes one record from the producer side; tests and the loader's
// self-check use it. A full ring drops the record and counts it, matching
// the kernel producer's behavior.
func (r *Ring) Push(rec Record) error {
	producer := atomic.LoadUint64(&r.hdr[hdrProducer])
	consumer := atomic.LoadUint64(&r.hdr[hdrConsumer])
	if producer-consumer >= r.capacity {
		atomic.AddUint64(&r.hdr[hdrDropped], 1)
		return ErrRingFull
	}
	encode(r.slot(producer), rec)
	atomic.AddUint64(&r.hdr[hdrProducer], 1)
	return nil
}

// Close unmaps the ring.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.hdr = nil
	r.data = nil
	return err
}

func decode(b []byte) Record {
	return Record{
		ID:          int32(binary.NativeEndian.Uint32(b[0:4])),
		Level:       int32(binary.NativeEndian.Uint32(b[4:8])),
		Name:        trimName(b[8:72]),
		Parent:      trimName(b[72:136]),
		GrandParent: trimName(b[136:200]),
	}
}

func encode(b []byte, rec Record) {
	for i := range b {
		b[i] = 0
	}
	binary.NativeEndian.PutUint32(b[0:4], uint32(rec.ID))
	binary.NativeEndian.PutUint32(b[4:8], uint32(rec.Level))
	copy(b[8:72], rec.Name)
	copy(b[72:136], rec.Parent)
	copy(b[136:200], rec.GrandParent)
}

func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
