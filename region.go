package hvf

import (
	"github.com/google/btree"
)

// MemoryRegion describes one mapping from a guest-physical range to host
// memory owned by the VM's region table.
type MemoryRegion struct {
	GuestPhys uint64
	Size      uint64
	Perms     MemPerm

	// Allocation is the backing allocation handle, zero for mappings backed
	// by a caller-provided buffer.
	Allocation AllocationHandle

	host []byte
}

func (r *MemoryRegion) end() uint64 {
	return r.GuestPhys + r.Size
}

func (r *MemoryRegion) overlaps(base, size uint64) bool {
	return r.GuestPhys < base+size && base < r.end()
}

// regionTable tracks the guest-physical mappings of one VM, ordered by base
// address. Lookup and overlap checks are O(log n). All access is serialized
// by the owning VM's structural lock.
type regionTable struct {
	tree *btree.BTreeG[*MemoryRegion]
}

func newRegionTable() *regionTable {
	return &regionTable{
		tree: btree.NewG(8, func(a, b *MemoryRegion) bool {
			return a.GuestPhys < b.GuestPhys
		}),
	}
}

func (t *regionTable) len() int {
	return t.tree.Len()
}

// conflicting returns an existing region overlapping [base, base+size), or
// nil. Since regions never overlap each other, only the highest region
// starting at or below the candidate's last byte can conflict.
func (t *regionTable) conflicting(base, size uint64) *MemoryRegion {
	var found *MemoryRegion
	pivot := &MemoryRegion{GuestPhys: base + size - 1}
	t.tree.DescendLessOrEqual(pivot, func(r *MemoryRegion) bool {
		if r.overlaps(base, size) {
			found = r
		}
		return false
	})
	return found
}

// insert registers a region. The caller must have checked for conflicts
// first; insert panics on a duplicate base since that means the non-overlap
// invariant was already broken.
func (t *regionTable) insert(r *MemoryRegion) {
	if _, dup := t.tree.ReplaceOrInsert(r); dup {
		panic("hvf: region table corrupted: duplicate base address")
	}
}

// exact returns the region with exactly the given base and size, or nil.
func (t *regionTable) exact(base, size uint64) *MemoryRegion {
	r, ok := t.tree.Get(&MemoryRegion{GuestPhys: base})
	if !ok || r.Size != size {
		return nil
	}
	return r
}

func (t *regionTable) remove(r *MemoryRegion) {
	t.tree.Delete(r)
}

// descending returns all regions ordered highest base address first. VM
// teardown releases mappings in this order so the result never depends on
// host-allocator free order.
func (t *regionTable) descending() []*MemoryRegion {
	regions := make([]*MemoryRegion, 0, t.tree.Len())
	t.tree.Descend(func(r *MemoryRegion) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// snapshot returns a copy of all regions in ascending base order.
func (t *regionTable) snapshot() []MemoryRegion {
	regions := make([]MemoryRegion, 0, t.tree.Len())
	t.tree.Ascend(func(r *MemoryRegion) bool {
		regions = append(regions, *r)
		return true
	})
	return regions
}

// anyBackedBy reports whether any region is backed by the given allocation.
func (t *regionTable) anyBackedBy(handle AllocationHandle) bool {
	backed := false
	t.tree.Ascend(func(r *MemoryRegion) bool {
		if r.Allocation == handle {
			backed = true
			return false
		}
		return true
	})
	return backed
}
