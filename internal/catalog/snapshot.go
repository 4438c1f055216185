package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"treedb/internal/btree"
	"treedb/internal/pager"
)

// Snapshot is a point-in-time copy of every tree: the primary tree of every
// table and the tree of every secondary index. It holds only the root page
// of each tree's clone made by Capture; the row data lives in those cloned
// pages. Restore repoints a live tree at its clone root and frees the pages
// the live tree no longer reaches.
type Snapshot struct {
	ID uuid.UUID

	tableRoots map[string]pager.PageIndex
	indexRoots map[string]map[string]pager.PageIndex
}

// Capture deep-copies every table and index tree's currently reachable
// pages and records the copy's root. A plain root-value copy would not
// survive the live tree's own in-place mutation: splits, merges and borrows
// all rewrite leaf and internal pages in place, so the captured root page's
// bytes would drift out from under the snapshot before Restore ever reads
// them. Cloning gives the snapshot pages nothing else ever touches again.
func (r *Registry) Capture(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		ID:         uuid.New(),
		tableRoots: make(map[string]pager.PageIndex, len(r.tables)),
		indexRoots: make(map[string]map[string]pager.PageIndex, len(r.tables)),
	}
	for name, t := range r.tables {
		root, err := t.Tree.Clone(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("catalog: capture table %q: %w", name, err)
		}
		s.tableRoots[name] = root
		cols := make(map[string]pager.PageIndex, len(t.indexes))
		for col, ix := range t.indexes {
			ixRoot, err := ix.Tree.Clone(ctx)
			if err != nil {
				return Snapshot{}, fmt.Errorf("catalog: capture index %s.%s: %w", name, col, err)
			}
			cols[col] = ixRoot
		}
		s.indexRoots[name] = cols
	}
	return s, nil
}

// Restore rewinds every table and index still registered back to its root
// at capture time, freeing every page that rewind leaves unreachable. A
// table or index created after the snapshot and still present keeps its
// current root (there is nothing earlier to rewind it to); one dropped
// since capture is skipped — there is nothing left to restore it onto.
func (r *Registry) Restore(ctx context.Context, s Snapshot) error {
	for name, root := range s.tableRoots {
		t, ok := r.tables[name]
		if !ok {
			continue
		}
		if err := rewind(ctx, r.pgr, t.Tree, root); err != nil {
			return fmt.Errorf("catalog: restore table %q: %w", name, err)
		}
		for col, ix := range t.indexes {
			root, ok := s.indexRoots[name][col]
			if !ok {
				continue
			}
			if err := rewind(ctx, r.pgr, ix.Tree, root); err != nil {
				return fmt.Errorf("catalog: restore index %s.%s: %w", name, col, err)
			}
		}
	}
	return nil
}

// Discard frees every page a Capture-ed snapshot's cloned trees hold,
// without touching the live tables or indexes. Cloning at Capture time
// allocates an independent copy of every tree's reachable pages; a snapshot
// that is never Restore-d would otherwise hold those pages forever, the same
// way DropTable leaves a dropped table's pages unreclaimed.
func (r *Registry) Discard(ctx context.Context, s Snapshot) error {
	for name, root := range s.tableRoots {
		t, ok := r.tables[name]
		if !ok {
			continue
		}
		if err := freeClonedTree(ctx, r.pgr, t.Tree.Descriptor(), root); err != nil {
			return fmt.Errorf("catalog: discard table %q: %w", name, err)
		}
		for col, ix := range t.indexes {
			ixRoot, ok := s.indexRoots[name][col]
			if !ok {
				continue
			}
			if err := freeClonedTree(ctx, r.pgr, ix.Tree.Descriptor(), ixRoot); err != nil {
				return fmt.Errorf("catalog: discard index %s.%s: %w", name, col, err)
			}
		}
	}
	return nil
}

// freeClonedTree frees every page reachable from a clone's root, using only
// the geometry (key/record sizes) of the live tree it was cloned from; the
// comparator is irrelevant to reachability, so a detached Tree with none
// attached is enough to walk and free the clone.
func freeClonedTree(ctx context.Context, pgr *pager.Pager, d btree.Descriptor, root pager.PageIndex) error {
	d.Root = root
	tr := btree.Open(pgr, nil, d)
	pages, err := tr.ReachablePages(ctx)
	if err != nil {
		return err
	}
	for idx := range pages {
		if err := pgr.Free(idx); err != nil {
			return err
		}
	}
	return nil
}

// rewind repoints tr at root and frees every page that was reachable from
// its old root but is not reachable from the new one.
func rewind(ctx context.Context, pgr *pager.Pager, tr *btree.Tree, root pager.PageIndex) error {
	before, err := tr.ReachablePages(ctx)
	if err != nil {
		return err
	}
	tr.SetRoot(root)
	after, err := tr.ReachablePages(ctx)
	if err != nil {
		return err
	}
	for idx := range before {
		if !after[idx] {
			if err := pgr.Free(idx); err != nil {
				return err
			}
		}
	}
	return nil
}
