package reqpipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolAcquireAllocatesWhenEmpty(t *testing.T) {
	p := NewBufferPool(1024)
	buf := p.Acquire(64)
	require.Len(t, buf, 64)
	require.Equal(t, int64(0), p.Len())
}

func TestBufferPoolReusesReleasedBuffer(t *testing.T) {
	p := NewBufferPool(1024)
	buf := p.Acquire(64)
	p.Release(buf)
	require.Equal(t, int64(64), p.Len())

	got := p.Acquire(32)
	require.Len(t, got, 64, "the smallest buffer >= minLen should be reused, not reallocated")
	require.Equal(t, int64(0), p.Len())
}

func TestBufferPoolDiscardsOversizedRelease(t *testing.T) {
	p := NewBufferPool(128)
	p.Release(make([]byte, 256))
	require.Equal(t, int64(0), p.Len())
}

func TestBufferPoolEvictsOldestOnOverflow(t *testing.T) {
	p := NewBufferPool(100)
	p.Release(make([]byte, 60)) // oldest
	p.Release(make([]byte, 60)) // total 120 > 100, evicts the oldest

	require.Equal(t, int64(60), p.Len())
}
