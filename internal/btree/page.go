package btree

import (
	"encoding/binary"

	"treedb/internal/pager"
)

// leafView is a pure-function codec over one leaf page's body: key_count
// entries of (key, record) pairs, sorted by key, immediately after the
// shared node header.
type leafView struct {
	buf     []byte
	keySize int
	recSize int
}

func (v leafView) entrySize() int { return v.keySize + v.recSize }

func (v leafView) offset(i int) int { return pager.HeaderSize + i*v.entrySize() }

func (v leafView) key(i int) []byte {
	off := v.offset(i)
	return v.buf[off : off+v.keySize]
}

func (v leafView) record(i int) []byte {
	off := v.offset(i) + v.keySize
	return v.buf[off : off+v.recSize]
}

// setEntry overwrites (or lays down) the entry at slot i in place.
func (v leafView) setEntry(i int, key, record []byte) {
	off := v.offset(i)
	copy(v.buf[off:off+v.keySize], key)
	copy(v.buf[off+v.keySize:off+v.keySize+v.recSize], record)
}

// insertAt shifts entries [i, count) right by one slot and writes key/record
// into the opened slot. count is the entry count before insertion.
func (v leafView) insertAt(i, count int, key, record []byte) {
	es := v.entrySize()
	src := v.offset(i)
	moveLen := (count - i) * es
	if moveLen > 0 {
		copy(v.buf[src+es:src+es+moveLen], v.buf[src:src+moveLen])
	}
	v.setEntry(i, key, record)
}

// deleteAt shifts entries (i, count) left by one slot, overwriting slot i.
// count is the entry count before deletion.
func (v leafView) deleteAt(i, count int) {
	es := v.entrySize()
	dst := v.offset(i)
	moveLen := (count - i - 1) * es
	if moveLen > 0 {
		copy(v.buf[dst:dst+moveLen], v.buf[dst+es:dst+es+moveLen])
	}
}

// internalView is a pure-function codec over an internal page's body:
// key_count keys, contiguous, followed by key_count+1 child page indexes.
// Keys partition children: all keys in child i are < keys[i]; keys in child
// key_count are >= keys[key_count-1].
type internalView struct {
	buf     []byte
	keySize int
}

func (v internalView) keyOffset(i int) int {
	return pager.HeaderSize + i*v.keySize
}

func (v internalView) childrenOffset(keyCount int) int {
	return pager.HeaderSize + keyCount*v.keySize
}

func (v internalView) childOffset(i, keyCount int) int {
	return v.childrenOffset(keyCount) + i*4
}

func (v internalView) key(i int) []byte {
	off := v.keyOffset(i)
	return v.buf[off : off+v.keySize]
}

func (v internalView) child(i, keyCount int) pager.PageIndex {
	off := v.childOffset(i, keyCount)
	return pager.PageIndex(binary.LittleEndian.Uint32(v.buf[off : off+4]))
}

func (v internalView) setKey(i int, key []byte) {
	off := v.keyOffset(i)
	copy(v.buf[off:off+v.keySize], key)
}

func (v internalView) setChild(i, keyCount int, c pager.PageIndex) {
	off := v.childOffset(i, keyCount)
	binary.LittleEndian.PutUint32(v.buf[off:off+4], uint32(c))
}

// Internal nodes lay out all keys contiguously, then all children
// contiguously (spec.md §3), so the children block's start position moves
// whenever key_count changes. Rather than juggling two coupled in-place
// shifts on every insert/delete, every mutating internal-node operation goes
// through internalAll/internalWriteAll: decode to owned slices, mutate the
// slices in Go, and re-encode. Node fan-out is small (tens of entries), so
// this costs nothing that matters and it sidesteps an entire class of
// off-by-keySize bugs. Only the read accessors above (key/child/setKey/
// setChild, used by descend and by borrow, which overwrites content without
// changing key_count) operate on the page buffer directly.

// leafAll reads every (key, record) pair out of a leaf page into owned
// slices, used by the split/merge slow paths' bulk-rewrite.
func leafAll(buf []byte, count, keySize, recSize int) (keys [][]byte, records [][]byte) {
	v := leafView{buf: buf, keySize: keySize, recSize: recSize}
	keys = make([][]byte, count)
	records = make([][]byte, count)
	for i := 0; i < count; i++ {
		k := make([]byte, keySize)
		copy(k, v.key(i))
		r := make([]byte, recSize)
		copy(r, v.record(i))
		keys[i] = k
		records[i] = r
	}
	return keys, records
}

// leafWriteAll rewrites a leaf page's body from owned slices and sets its
// header's key_count.
func leafWriteAll(buf []byte, keys, records [][]byte, keySize, recSize int, parent, rightSibling pager.PageIndex) {
	pager.WriteHeader(buf, pager.Header{
		Type:         pager.TypeLeaf,
		KeyCount:     uint16(len(keys)),
		Parent:       parent,
		RightSibling: rightSibling,
	})
	v := leafView{buf: buf, keySize: keySize, recSize: recSize}
	for i := range keys {
		v.setEntry(i, keys[i], records[i])
	}
}

// internalAll reads every key and child pointer out of an internal page.
func internalAll(buf []byte, keyCount, keySize int) (keys [][]byte, children []pager.PageIndex) {
	v := internalView{buf: buf, keySize: keySize}
	keys = make([][]byte, keyCount)
	children = make([]pager.PageIndex, keyCount+1)
	for i := 0; i < keyCount; i++ {
		k := make([]byte, keySize)
		copy(k, v.key(i))
		keys[i] = k
	}
	for i := 0; i <= keyCount; i++ {
		children[i] = v.child(i, keyCount)
	}
	return keys, children
}

// internalWriteAll rewrites an internal page's body from owned slices.
func internalWriteAll(buf []byte, keys [][]byte, children []pager.PageIndex, keySize int, parent pager.PageIndex) {
	pager.WriteHeader(buf, pager.Header{
		Type:     pager.TypeInternal,
		KeyCount: uint16(len(keys)),
		Parent:   parent,
	})
	v := internalView{buf: buf, keySize: keySize}
	for i, k := range keys {
		v.setKey(i, k)
	}
	for i, c := range children {
		v.setChild(i, len(keys), c)
	}
}
