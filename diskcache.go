package reqpipeline

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
)

const (
	diskCacheMagic = uint32(0x56_4F_4C_59) // "VOLY"
	// evictHysteresis keeps prune() from re-triggering on every single put
	// once the cap has been approached.
	evictHysteresis = 0.9
)

// DiskCache is a persistent, size-capped key->CacheEntry store backed by
// one file per entry in a flat directory, fronted by an in-memory,
// access-ordered header index. All public methods run under a single
// exclusive lock: the index is not a general concurrent structure and
// every index mutation is paired with the corresponding file operation.
type DiskCache struct {
	mtx sync.Mutex

	dir     string
	capCap  int64 // 0 or negative means unbounded
	curSize int64

	index   map[string]*list.Element // key -> element in lru (front = most-recently-used)
	lru     *list.List               // holds *CacheHeader, front-most = most recently used
	initted bool
}

// NewDiskCache constructs a DiskCache rooted at dir. Call Initialize
// before the first Get/Put/Remove/Clear/Invalidate.
func NewDiskCache(dir string, maxBytes int64) *DiskCache {
	return &DiskCache{
		dir:    dir,
		capCap: maxBytes,
		index:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Initialize creates the cache root if missing, or scans every existing
// file's header (not its body) to populate the index. Any read fault
// during the scan deletes that file. Safe to run on a background
// goroutine; Initialize happens-before every other public method.
func (c *DiskCache) Initialize() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("diskcache: create root: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("diskcache: scan root: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, ent.Name())
		header, size, err := c.readHeaderFromFile(path)
		if err != nil {
			log.Printf("diskcache: corrupt entry %s, removing: %v", path, err)
			_ = os.Remove(path)
			continue
		}
		if filenameForKey(header.Key) != ent.Name() {
			log.Printf("diskcache: corrupt entry %s, removing: filename does not match stored key %q", path, header.Key)
			_ = os.Remove(path)
			continue
		}
		header.Size = uint64(size)
		elem := c.lru.PushFront(header)
		c.index[header.Key] = elem
		c.curSize += size
	}

	c.initted = true
	log.Info("diskcache: initialized %s with %d entries, %s", c.dir, len(c.index), humanize.IBytes(uint64(c.curSize)))
	return nil
}

func (c *DiskCache) filePath(key string) string {
	return filepath.Join(c.dir, filenameForKey(key))
}

// filenameForKey deterministically derives a filename from key by hashing
// each half separately and concatenating the hashes. Collisions between
// distinct keys are accepted as a rare fault, surfaced as a corrupt-entry
// read failure (the stored key will not match the key being looked up).
func filenameForKey(key string) string {
	mid := len(key) / 2
	first, second := key[:mid], key[mid:]

	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(first))
	h2 := fnv.New64a()
	_, _ = h2.Write([]byte(second))

	return fmt.Sprintf("%016x%016x", h1.Sum64(), h2.Sum64())
}

// Get returns the cached entry for key, or (nil, false) on a miss or any
// I/O/size fault (in which case the corrupt entry is removed).
func (c *DiskCache) Get(key string) (*CacheEntry, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)

	path := c.filePath(key)
	entry, err := c.readEntryFromFile(path, key)
	if err != nil {
		log.Printf("diskcache: read fault for %s, removing: %v", key, err)
		c.removeLocked(key)
		return nil, false
	}
	return entry, true
}

// Put stores entry under key, pruning first to make room. The file is
// written to a temp path and only linked into the index after a
// successful write; a failed write deletes the temp file and leaves the
// index untouched.
func (c *DiskCache) Put(key string, entry *CacheEntry) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Prune against the entry's full on-disk size (header fields plus body),
	// the same quantity curSize tracks.
	needed := int64(4 + 8 + len(key) + 8 + len(entry.ETag) + 4*8 + 4 + len(entry.Data))
	for k, v := range entry.ResponseHeaders {
		needed += int64(8 + len(k) + 8 + len(v))
	}
	c.pruneLocked(needed)

	path := c.filePath(key)
	tmp := path + ".tmp"
	size, err := writeEntryToFile(tmp, key, entry)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskcache: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskcache: rename %s: %w", key, err)
	}

	if old, ok := c.index[key]; ok {
		c.curSize -= int64(old.Value.(*CacheHeader).Size)
		c.lru.Remove(old)
	}
	header := headerFromEntry(key, entry)
	header.Size = uint64(size)
	elem := c.lru.PushFront(header)
	c.index[key] = elem
	c.curSize += size

	return nil
}

// Invalidate flips soft_ttl to 0 (and ttl too, when full), forcing the
// next Get-driven freshness check to require revalidation/refetch, without
// changing any other stored bytes.
func (c *DiskCache) Invalidate(key string, full bool) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil
	}
	path := c.filePath(key)
	entry, err := c.readEntryFromFile(path, key)
	if err != nil {
		c.removeLocked(key)
		return fmt.Errorf("diskcache: invalidate read %s: %w", key, err)
	}
	entry.SoftTTL = 0
	if full {
		entry.TTL = 0
	}

	tmp := path + ".tmp"
	size, err := writeEntryToFile(tmp, key, entry)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskcache: invalidate write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("diskcache: invalidate rename %s: %w", key, err)
	}

	c.curSize += size - int64(elem.Value.(*CacheHeader).Size)
	header := headerFromEntry(key, entry)
	header.Size = uint64(size)
	elem.Value = header
	return nil
}

// Remove deletes key's file and index entry, if present.
func (c *DiskCache) Remove(key string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.removeLocked(key)
}

func (c *DiskCache) removeLocked(key string) {
	elem, ok := c.index[key]
	if !ok {
		return
	}
	_ = os.Remove(c.filePath(key))
	c.curSize -= int64(elem.Value.(*CacheHeader).Size)
	if c.curSize < 0 {
		c.curSize = 0
	}
	c.lru.Remove(elem)
	delete(c.index, key)
}

// Clear removes every entry's file and resets the tracked size to zero.
func (c *DiskCache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for key := range c.index {
		_ = os.Remove(c.filePath(key))
	}
	c.index = make(map[string]*list.Element)
	c.lru = list.New()
	c.curSize = 0
}

// Size returns the tracked total on-disk size in bytes.
func (c *DiskCache) Size() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.curSize
}

// pruneLocked evicts oldest-first (access order) entries until
// curSize+needed is comfortably under cap: once eviction starts it
// continues until total+needed < cap*0.9, not just back under cap, so a
// steady trickle of puts near the cap doesn't re-trigger eviction on
// every single call.
func (c *DiskCache) pruneLocked(needed int64) {
	if c.capCap <= 0 {
		return
	}
	if float64(c.curSize+needed) < float64(c.capCap) {
		return
	}
	threshold := float64(c.capCap) * evictHysteresis
	for float64(c.curSize+needed) >= threshold {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		header := oldest.Value.(*CacheHeader)
		_ = os.Remove(c.filePath(header.Key))
		c.curSize -= int64(header.Size)
		c.lru.Remove(oldest)
		delete(c.index, header.Key)
		log.Printf("diskcache: evicted %s (%s)", header.Key, humanize.IBytes(header.Size))
	}
}

func headerFromEntry(key string, e *CacheEntry) *CacheHeader {
	headers := make(map[string]string, len(e.ResponseHeaders))
	for k, v := range e.ResponseHeaders {
		headers[k] = v
	}
	return &CacheHeader{
		Key:             key,
		ETag:            e.ETag,
		ServerDate:      e.ServerDate,
		LastModified:    e.LastModified,
		TTL:             e.TTL,
		SoftTTL:         e.SoftTTL,
		ResponseHeaders: headers,
	}
}

// --- binary on-disk format ---

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeEntryToFile(path, key string, e *CacheEntry) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cw := &countingWriterDC{w: f}
	bw := bufio.NewWriter(cw)

	if err := binary.Write(bw, binary.LittleEndian, diskCacheMagic); err != nil {
		return 0, err
	}
	if err := writeString(bw, key); err != nil {
		return 0, err
	}
	if err := writeString(bw, e.ETag); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(e.ServerDate)); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(e.LastModified)); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(e.TTL)); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(e.SoftTTL)); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(e.ResponseHeaders))); err != nil {
		return 0, err
	}
	for k, v := range e.ResponseHeaders {
		if err := writeString(bw, k); err != nil {
			return 0, err
		}
		if err := writeString(bw, v); err != nil {
			return 0, err
		}
	}
	if _, err := bw.Write(e.Data); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return cw.count, nil
}

type countingWriterDC struct {
	w     io.Writer
	count int64
}

func (c *countingWriterDC) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count += int64(n)
	return n, err
}

func (c *DiskCache) readEntryFromFile(path, key string) (*CacheEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != diskCacheMagic {
		return nil, fmt.Errorf("bad magic %#x", magic)
	}
	storedKey, err := readString(r)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		return nil, fmt.Errorf("key mismatch: filename maps to %q, file holds %q", key, storedKey)
	}
	etag, err := readString(r)
	if err != nil {
		return nil, err
	}
	var serverDate, lastModified, ttl, softTTL uint64
	for _, dst := range []*uint64{&serverDate, &lastModified, &ttl, &softTTL} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, err
		}
	}
	var headerCount uint32
	if err := binary.Read(r, binary.LittleEndian, &headerCount); err != nil {
		return nil, err
	}
	headers := make(map[string]string, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		headers[k] = v
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return &CacheEntry{
		Data:            data,
		ETag:            etag,
		ServerDate:      int64(serverDate),
		LastModified:    int64(lastModified),
		TTL:             int64(ttl),
		SoftTTL:         int64(softTTL),
		ResponseHeaders: headers,
	}, nil
}

// readHeaderFromFile reads only the header portion (everything up to and
// including the headers map), skipping the body, and reports the total
// file size for index bookkeeping.
func (c *DiskCache) readHeaderFromFile(path string) (*CacheHeader, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, 0, err
	}
	if magic != diskCacheMagic {
		return nil, 0, fmt.Errorf("bad magic %#x", magic)
	}
	key, err := readString(r)
	if err != nil {
		return nil, 0, err
	}
	etag, err := readString(r)
	if err != nil {
		return nil, 0, err
	}
	var serverDate, lastModified, ttl, softTTL uint64
	for _, dst := range []*uint64{&serverDate, &lastModified, &ttl, &softTTL} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, 0, err
		}
	}
	var headerCount uint32
	if err := binary.Read(r, binary.LittleEndian, &headerCount); err != nil {
		return nil, 0, err
	}
	headers := make(map[string]string, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, 0, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, 0, err
		}
		headers[k] = v
	}

	return &CacheHeader{
		Key:             key,
		ETag:            etag,
		ServerDate:      int64(serverDate),
		LastModified:    int64(lastModified),
		TTL:             int64(ttl),
		SoftTTL:         int64(softTTL),
		ResponseHeaders: headers,
	}, info.Size(), nil
}
