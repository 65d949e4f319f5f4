package reqpipeline

import (
	"sort"
	"sync"
)

// BufferPool amortizes allocation during response body assembly by
// reusing byte slices, bounded by total pooled bytes rather than entry
// count. Every public method is mutually exclusive.
type BufferPool struct {
	mtx sync.Mutex

	sizeLimit int64
	total     int64

	// bySize is kept sorted ascending by len(buf) for binary-search
	// insertion/lookup; byUse is kept in oldest-to-newest insertion order
	// for eviction. Both index the same set of buffers.
	bySize []*pooledBuffer
	byUse  []*pooledBuffer
}

type pooledBuffer struct {
	buf []byte
}

// NewBufferPool returns a pool that discards released buffers once the
// pooled total would exceed sizeLimit bytes.
func NewBufferPool(sizeLimit int64) *BufferPool {
	return &BufferPool{sizeLimit: sizeLimit}
}

// Acquire returns the first pooled buffer whose length is >= minLen,
// removing it from the pool; if none qualifies, a fresh buffer of exactly
// minLen bytes is allocated. Returned buffers are not zeroed.
func (p *BufferPool) Acquire(minLen int) []byte {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	idx := sort.Search(len(p.bySize), func(i int) bool {
		return len(p.bySize[i].buf) >= minLen
	})
	if idx == len(p.bySize) {
		return make([]byte, minLen)
	}

	entry := p.bySize[idx]
	p.bySize = append(p.bySize[:idx], p.bySize[idx+1:]...)
	p.removeFromUse(entry)
	p.total -= int64(len(entry.buf))
	return entry.buf
}

// Release returns buf to the pool for reuse. A nil buffer, or one whose
// length exceeds sizeLimit, is discarded instead of pooled. After
// insertion, the oldest-used buffers are evicted until the pooled total is
// within sizeLimit.
func (p *BufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	if p.sizeLimit > 0 && int64(len(buf)) > p.sizeLimit {
		return
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	entry := &pooledBuffer{buf: buf}

	idx := sort.Search(len(p.bySize), func(i int) bool {
		return len(p.bySize[i].buf) >= len(buf)
	})
	p.bySize = append(p.bySize, nil)
	copy(p.bySize[idx+1:], p.bySize[idx:])
	p.bySize[idx] = entry

	p.byUse = append(p.byUse, entry)
	p.total += int64(len(buf))

	for p.sizeLimit > 0 && p.total > p.sizeLimit && len(p.byUse) > 0 {
		oldest := p.byUse[0]
		p.byUse = p.byUse[1:]
		p.removeFromSize(oldest)
		p.total -= int64(len(oldest.buf))
	}
}

// Len returns the total number of bytes currently pooled.
func (p *BufferPool) Len() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.total
}

func (p *BufferPool) removeFromUse(target *pooledBuffer) {
	for i, e := range p.byUse {
		if e == target {
			p.byUse = append(p.byUse[:i], p.byUse[i+1:]...)
			return
		}
	}
}

func (p *BufferPool) removeFromSize(target *pooledBuffer) {
	for i, e := range p.bySize {
		if e == target {
			p.bySize = append(p.bySize[:i], p.bySize[i+1:]...)
			return
		}
	}
}
