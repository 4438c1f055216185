package dbfile

import (
	"context"
	"encoding/binary"
	"fmt"

	"treedb/internal/pager"
)

// Each catalog page reserves its first 4 bytes for the next page in the
// chain (0 meaning "last page") and its next 2 bytes for the payload
// length stored in this page, mirroring the free list's own
// next-pointer-in-page convention in the pager.
const (
	chainOffNext   = 0
	chainOffLen    = 4
	chainHeaderLen = 6
)

func chainBodyCap() int { return pager.PageSize - chainHeaderLen }

// writeChain splits payload across as many pages as needed and returns the
// index of the first page.
func writeChain(ctx context.Context, pgr *pager.Pager, payload []byte) (pager.PageIndex, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	bodyCap := chainBodyCap()
	var pages []*pager.Page
	for off := 0; off < len(payload); off += bodyCap {
		end := off + bodyCap
		if end > len(payload) {
			end = len(payload)
		}
		pg, err := pgr.Allocate(ctx)
		if err != nil {
			for _, p := range pages {
				p.Put()
			}
			return 0, fmt.Errorf("dbfile: write catalog chain: %w", err)
		}
		binary.LittleEndian.PutUint16(pg.Buf[chainOffLen:], uint16(end-off))
		copy(pg.Buf[chainHeaderLen:], payload[off:end])
		pages = append(pages, pg)
	}
	for i, pg := range pages {
		next := pager.PageIndex(0)
		if i+1 < len(pages) {
			next = pages[i+1].Index
		}
		binary.LittleEndian.PutUint32(pg.Buf[chainOffNext:], uint32(next))
		pgr.MarkDirty(pg.Index)
	}
	head := pages[0].Index
	for _, pg := range pages {
		pg.Put()
	}
	return head, nil
}

// freeChain releases every page in the chain starting at head, used before
// writing a replacement catalog so repeated save/load cycles don't leak a
// page chain per save.
func freeChain(ctx context.Context, pgr *pager.Pager, head pager.PageIndex) error {
	idx := head
	for idx != 0 {
		pg, err := pgr.Fetch(ctx, idx)
		if err != nil {
			return fmt.Errorf("dbfile: free catalog chain: %w", err)
		}
		next := pager.PageIndex(binary.LittleEndian.Uint32(pg.Buf[chainOffNext:]))
		pg.Put()
		if err := pgr.Free(idx); err != nil {
			return fmt.Errorf("dbfile: free catalog chain: %w", err)
		}
		idx = next
	}
	return nil
}

// readChain reassembles the payload written by writeChain starting at head.
// A zero head (no catalog yet) yields an empty payload.
func readChain(ctx context.Context, pgr *pager.Pager, head pager.PageIndex) ([]byte, error) {
	var out []byte
	idx := head
	for idx != 0 {
		pg, err := pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("dbfile: read catalog chain: %w", err)
		}
		n := binary.LittleEndian.Uint16(pg.Buf[chainOffLen:])
		out = append(out, pg.Buf[chainHeaderLen:chainHeaderLen+int(n)]...)
		next := pager.PageIndex(binary.LittleEndian.Uint32(pg.Buf[chainOffNext:]))
		pg.Put()
		idx = next
	}
	return out, nil
}
