// Package pager implements the fixed-size, page-addressed store that backs
// the B+Tree: allocate, free, fetch-by-index, and flush, with a free list
// threaded through freed pages and a bitset mirror of free-page membership
// for double-free checks and free-page counts.
package pager

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

// reservedPage is the pager's own header / free-list root. It is never
// handed out by Allocate.
const reservedPage PageIndex = 0

// defaultMaxPinned bounds how many pages may be pinned (fetched but not yet
// Put) at once. This is a resource cap, not a correctness mechanism: the core
// is single-threaded cooperative (see the concurrency model), so this only
// guards against a caller leaking pins across a long cursor chain.
const defaultMaxPinned = 4096

// Options configures a Pager. The zero value is usable and selects an
// in-memory, 4 KiB-paged database.
type Options struct {
	// Path, when non-empty, backs the pager with a file at this path. When
	// empty, the pager is purely in-memory.
	Path string

	// MaxPinned bounds concurrently-pinned pages. Zero selects the default.
	MaxPinned int64
}

type cachedPage struct {
	buf   []byte
	dirty bool
}

// Pager is the fixed-size page store described by the storage engine's data
// model: Page 0 holds the header and free-list root; every other page is
// typed internal, leaf, or free.
type Pager struct {
	store     backing
	pageCount uint32
	freeHead  PageIndex
	free      *bitset.BitSet
	cache     map[PageIndex]*cachedPage
	checksums map[PageIndex]uint64
	pins      *semaphore.Weighted
}

// Open creates or opens a pager with the given options.
func Open(opts Options) (*Pager, error) {
	var store backing
	var existingSize int64
	if opts.Path != "" {
		fb, err := openFileBacking(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("pager: open %s: %w", opts.Path, err)
		}
		sz, err := fb.size()
		if err != nil {
			return nil, fmt.Errorf("pager: stat %s: %w", opts.Path, err)
		}
		store = fb
		existingSize = sz
	} else {
		store = newMemBacking()
	}

	maxPinned := opts.MaxPinned
	if maxPinned <= 0 {
		maxPinned = defaultMaxPinned
	}

	p := &Pager{
		store:     store,
		cache:     make(map[PageIndex]*cachedPage),
		checksums: make(map[PageIndex]uint64),
		pins:      semaphore.NewWeighted(maxPinned),
	}

	if existingSize == 0 {
		p.pageCount = 1
		p.freeHead = 0
		p.free = bitset.New(64)
		if err := p.writeMetaLocked(); err != nil {
			return nil, err
		}
		return p, nil
	}

	if err := p.readMetaLocked(); err != nil {
		return nil, err
	}
	p.free = bitset.New(uint(p.pageCount))
	if err := p.rebuildFreeBitset(); err != nil {
		return nil, err
	}
	return p, nil
}

// metaLayout mirrors the external file format's page-0 header:
// magic, page_size, page_count, free_list_head, schema_root — all little
// endian uint32s. schema_root is owned by the catalog layer (see
// internal/dbfile) and is preserved verbatim by the pager across flushes.
const (
	metaMagic         = 0x42504C53
	metaOffMagic      = 0
	metaOffPageSize   = 4
	metaOffPageCount  = 8
	metaOffFreeHead   = 12
	metaOffSchemaRoot = 16
	metaHeaderSize    = 20
)

func (p *Pager) readMetaLocked() error {
	buf := make([]byte, PageSize)
	if _, err := p.store.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pager: read meta page: %w", err)
	}
	magic := le32(buf[metaOffMagic:])
	if magic != metaMagic {
		return fmt.Errorf("pager: %w: bad magic", ErrCorruption)
	}
	p.pageCount = le32(buf[metaOffPageCount:])
	p.freeHead = PageIndex(le32(buf[metaOffFreeHead:]))
	p.cache[reservedPage] = &cachedPage{buf: buf}
	return nil
}

func (p *Pager) writeMetaLocked() error {
	cp, ok := p.cache[reservedPage]
	if !ok {
		cp = &cachedPage{buf: make([]byte, PageSize)}
		p.cache[reservedPage] = cp
	}
	buf := cp.buf
	putLE32(buf[metaOffMagic:], metaMagic)
	putLE32(buf[metaOffPageSize:], PageSize)
	putLE32(buf[metaOffPageCount:], p.pageCount)
	putLE32(buf[metaOffFreeHead:], uint32(p.freeHead))
	cp.dirty = true
	return nil
}

// SchemaRoot returns the page index the catalog's serialized schema starts
// at, or 0 if none has been recorded yet.
func (p *Pager) SchemaRoot() PageIndex {
	cp := p.cache[reservedPage]
	return PageIndex(le32(cp.buf[metaOffSchemaRoot:]))
}

// SetSchemaRoot records where the catalog's serialized schema starts.
func (p *Pager) SetSchemaRoot(root PageIndex) {
	cp := p.cache[reservedPage]
	putLE32(cp.buf[metaOffSchemaRoot:], uint32(root))
	cp.dirty = true
}

func (p *Pager) rebuildFreeBitset() error {
	idx := p.freeHead
	for idx != 0 {
		buf, err := p.readRaw(idx)
		if err != nil {
			return err
		}
		h := ReadHeader(buf)
		if h.Type != TypeFree {
			return fmt.Errorf("pager: %w: free-list page %d has type %d", ErrCorruption, idx, h.Type)
		}
		p.free.Set(uint(idx))
		idx = h.Parent // next-free pointer, see Free.
	}
	return nil
}

// PageCount returns the number of pages currently allocated, including free
// ones and the reserved header page.
func (p *Pager) PageCount() uint32 { return p.pageCount }

// FreePageCount reports how many pages are currently on the free list.
func (p *Pager) FreePageCount() uint {
	return p.free.Count()
}

// Allocate reserves a page, preferring the free list over growing the
// backing store, and returns it zeroed and pinned.
func (p *Pager) Allocate(ctx context.Context) (*Page, error) {
	if p.freeHead != 0 {
		idx := p.freeHead
		buf, err := p.readRaw(idx)
		if err != nil {
			return nil, err
		}
		h := ReadHeader(buf)
		p.freeHead = h.Parent
		p.free.Clear(uint(idx))
		for i := range buf {
			buf[i] = 0
		}
		p.cache[idx] = &cachedPage{buf: buf, dirty: true}
		if err := p.writeMetaLocked(); err != nil {
			return nil, err
		}
		return p.pin(ctx, idx)
	}

	idx := PageIndex(p.pageCount)
	newSize := int64(p.pageCount+1) * PageSize
	if err := p.store.Truncate(newSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfStorage, err)
	}
	p.pageCount++
	p.cache[idx] = &cachedPage{buf: make([]byte, PageSize), dirty: true}
	if err := p.writeMetaLocked(); err != nil {
		return nil, err
	}
	return p.pin(ctx, idx)
}

// Free releases a page back to the free list, threading the previous
// free-list head through the freed page's node-header parent slot. Reusing
// that slot (rather than overlaying the one-byte type tag with an unrelated
// pointer) keeps freed pages readable by the same header codec as live
// nodes; see DESIGN.md for the rationale.
func (p *Pager) Free(idx PageIndex) error {
	if idx == reservedPage || uint32(idx) >= p.pageCount {
		return fmt.Errorf("%w: free %d", ErrBadPage, idx)
	}
	if p.free.Test(uint(idx)) {
		return fmt.Errorf("pager: double free of page %d", idx)
	}
	buf, err := p.readRaw(idx)
	if err != nil {
		return err
	}
	WriteHeader(buf, Header{Type: TypeFree, Parent: p.freeHead})
	cp := p.cache[idx]
	cp.dirty = true
	p.freeHead = idx
	p.free.Set(uint(idx))
	delete(p.checksums, idx)
	return p.writeMetaLocked()
}

// Fetch pins and returns the page at idx. Writes made through the returned
// Page are visible to any subsequent Fetch of the same index, since both
// observe the same cached buffer.
func (p *Pager) Fetch(ctx context.Context, idx PageIndex) (*Page, error) {
	if uint32(idx) >= p.pageCount {
		return nil, fmt.Errorf("%w: fetch %d", ErrBadPage, idx)
	}
	if _, ok := p.cache[idx]; !ok {
		buf, err := p.readRaw(idx)
		if err != nil {
			return nil, err
		}
		if want, ok := p.checksums[idx]; ok {
			if got := xxhash.Sum64(buf); got != want {
				return nil, fmt.Errorf("%w: page %d", ErrCorruption, idx)
			}
		}
		p.cache[idx] = &cachedPage{buf: buf}
	}
	return p.pin(ctx, idx)
}

func (p *Pager) pin(ctx context.Context, idx PageIndex) (*Page, error) {
	if err := p.pins.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pager: pin %d: %w", idx, err)
	}
	return &Page{pgr: p, Index: idx, Buf: p.cache[idx].buf}, nil
}

func (p *Pager) release() {
	p.pins.Release(1)
}

// MarkDirty flags a fetched page's buffer for persistence on the next Flush.
// Since Fetch returns the shared cached buffer directly, this is only needed
// so Flush knows which pages to write; in-place edits are always visible
// immediately regardless of dirty tracking.
func (p *Pager) MarkDirty(idx PageIndex) {
	if cp, ok := p.cache[idx]; ok {
		cp.dirty = true
	}
}

func (p *Pager) readRaw(idx PageIndex) ([]byte, error) {
	if cp, ok := p.cache[idx]; ok {
		return cp.buf, nil
	}
	buf := make([]byte, PageSize)
	if _, err := p.store.ReadAt(buf, int64(idx)*PageSize); err != nil {
		return nil, fmt.Errorf("%w: read %d: %v", ErrBadPage, idx, err)
	}
	return buf, nil
}

// Flush persists every dirty page and recomputes its checksum.
func (p *Pager) Flush() error {
	for idx, cp := range p.cache {
		if !cp.dirty {
			continue
		}
		if _, err := p.store.WriteAt(cp.buf, int64(idx)*PageSize); err != nil {
			return fmt.Errorf("pager: flush page %d: %w", idx, err)
		}
		p.checksums[idx] = xxhash.Sum64(cp.buf)
		cp.dirty = false
	}
	return p.store.Sync()
}

// Close flushes outstanding writes and releases the backing store.
func (p *Pager) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	return p.store.Close()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
