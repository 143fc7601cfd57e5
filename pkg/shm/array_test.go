//go:build linux

package shm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpen_SharedView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu_usage")

	producer, err := Create(path, 64)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := Open(path, 64)
	require.NoError(t, err)
	defer consumer.Close()

	// a producer-side add is visible through the consumer mapping
	producer.Add(3, 700)
	producer.Add(3, 42)
	assert.EqualValues(t, 742, consumer.Load(3))
	assert.Zero(t, consumer.Load(4))
}

func TestOpen_MissingOrShort(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "absent"), 8)
	require.Error(t, err)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, make([]byte, 16), 0o644))
	_, err = Open(short, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 64")
}

func TestSumColumn(t *testing.T) {
	a, err := Create(filepath.Join(t.TempDir(), "arr"), 4*8)
	require.NoError(t, err)
	defer a.Close()

	// 4 producer rows, 8 slots; slot 2 gets 10,20,30,40
	for row := 0; row < 4; row++ {
		a.Add(row*8+2, uint64((row+1)*10))
	}
	assert.EqualValues(t, 100, a.SumColumn(4, 8, 2))
	assert.Zero(t, a.SumColumn(4, 8, 5))
}

func TestSumColumn_Saturates(t *testing.T) {
	a, err := Create(filepath.Join(t.TempDir(), "arr"), 2)
	require.NoError(t, err)
	defer a.Close()
	a.Store(0, ^uint64(0))
	a.Store(1, 5)
	assert.Equal(t, ^uint64(0), a.SumColumn(2, 1, 0))
}

func TestZeroRow(t *testing.T) {
	a, err := Create(filepath.Join(t.TempDir(), "arr"), 2*4)
	require.NoError(t, err)
	defer a.Close()
	for i := 0; i < 8; i++ {
		a.Store(i, 9)
	}
	a.ZeroRow(1, 4)
	for i := 0; i < 4; i++ {
		assert.EqualValues(t, 9, a.Load(i))
		assert.Zero(t, a.Load(4+i))
	}
}

func TestConcurrentProducers(t *testing.T) {
	a, err := Create(filepath.Join(t.TempDir(), "arr"), 8)
	require.NoError(t, err)
	defer a.Close()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				a.Add(row, 1)
			}
		}(p)
	}
	wg.Wait()
	assert.EqualValues(t, 80000, a.SumColumn(8, 1, 0))
}
