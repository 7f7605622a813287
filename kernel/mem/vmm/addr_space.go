// Package vmm implements the kernel's virtual memory management: hierarchical
// page table maintenance for the active address space plus a page-granularity
// allocation facade on top of it and the physical frame allocator.
package vmm

import (
	"unsafe"

	"github.com/rgudkoff/Rodnix-sub000/kernel"
	"github.com/rgudkoff/Rodnix-sub000/kernel/cpu"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem/pmm"
)

var (
	// ErrNoActiveAddressSpace is returned by Init when the CPU has no
	// active translation root for the mapper to adopt.
	ErrNoActiveAddressSpace = &kernel.Error{Module: "vmm", Message: "no active address space to adopt"}

	// ErrMisaligned is returned when a virtual or physical address does
	// not satisfy the alignment required by the requested page size.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address is not aligned to the requested page size"}

	// ErrPageSizeConflict is returned when a mapping request overlaps an
	// existing mapping of the other page granularity.
	ErrPageSizeConflict = &kernel.Error{Module: "vmm", Message: "region is already mapped with a different page size"}

	// ErrNotMapped is returned when trying to unmap or translate a
	// virtual memory address that is not mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// tableForFrameFn returns the table stored in the supplied physical
	// frame via the kernel's direct mapping. It is a variable so tests
	// can substitute tables backed by regular Go allocations.
	tableForFrameFn = func(frame pmm.Frame) *pageTable {
		return (*pageTable)(unsafe.Pointer(mem.PhysToVirt(frame.Address())))
	}
)

// FrameAllocatorFn is a function that can allocate physical frames for new
// page tables.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// pageTable describes the layout of a table at any level of the hierarchy.
type pageTable [tableEntryCount]pageTableEntry

// AddressSpace manages the page table hierarchy of the active address space.
// The kernel models a single address space whose top-level table is adopted
// from the CPU at initialization time; all mapping operations implicitly
// target it.
//
// AddressSpace assumes at most one caller at a time; table walks are not
// atomic and no locking is provided at this layer.
type AddressSpace struct {
	root    pmm.Frame
	allocFn FrameAllocatorFn
}

// Init adopts the translation root that the boot sequence already installed
// rather than building one from scratch; early boot code must have a working
// mapping in place for the kernel to execute at all. New page tables required
// by future mapping requests are obtained through allocFn.
func (as *AddressSpace) Init(allocFn FrameAllocatorFn) *kernel.Error {
	rootAddr := cpu.ReadPageTableRoot()
	if rootAddr == 0 {
		return ErrNoActiveAddressSpace
	}

	as.root = pmm.FrameFromAddress(rootAddr)
	as.allocFn = allocFn
	return nil
}

// Root returns the physical frame that holds the top-level table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

// Activate points the CPU translation root at this address space, implicitly
// flushing all non-global TLB entries.
func (as *AddressSpace) Activate() {
	cpu.SwitchPageTableRoot(as.root.Address())
}

// tableIndex extracts the table index bits of virtAddr for the given level.
func tableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & (tableEntryCount - 1)
}

// tableAt walks the hierarchy down to the table addressed by the first depth
// levels of virtAddr. With createMissing set, absent entries along the walk
// are populated with freshly allocated, zero-filled tables; intermediate
// tables are always installed present and writable since permission
// restrictions are applied only at the leaf. Without createMissing, an
// absent entry aborts the walk with ErrNotMapped.
func (as *AddressSpace) tableAt(virtAddr uintptr, depth int, createMissing bool) (*pageTable, *kernel.Error) {
	table := tableForFrameFn(as.root)

	for level := 0; level < depth; level++ {
		entry := &table[tableIndex(virtAddr, level)]

		if entry.HasFlags(FlagPresent) {
			if level == largePageLevel && entry.HasFlags(FlagLargePage) {
				return nil, ErrPageSizeConflict
			}

			table = tableForFrameFn(entry.Frame())
			continue
		}

		if !createMissing {
			return nil, ErrNotMapped
		}

		newFrame, err := as.allocFn()
		if err != nil {
			return nil, err
		}

		next := tableForFrameFn(newFrame)
		*next = pageTable{}

		*entry = 0
		entry.SetFrame(newFrame)
		entry.SetFlags(FlagPresent | FlagRW)
		table = next
	}

	return table, nil
}

// Map establishes a 4Kb mapping between a virtual and a physical address.
// Missing intermediate tables are allocated on the way down; tables created
// before a failed walk are left in place (they carry no mappings and will be
// reused by the next request for the same region). Mapping inside a region
// that is already mapped as a 2Mb page fails with ErrPageSizeConflict.
func (as *AddressSpace) Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pageMask := uintptr(mem.PageSize - 1)
	if virtAddr&pageMask != 0 || physAddr&pageMask != 0 {
		return ErrMisaligned
	}

	table, err := as.tableAt(virtAddr, pageLevels-1, true)
	if err != nil {
		return err
	}

	entry := &table[tableIndex(virtAddr, pageLevels-1)]
	*entry = 0
	entry.SetFrame(pmm.FrameFromAddress(physAddr))
	entry.SetFlags(FlagPresent | flags)

	cpu.FlushTLBEntry(virtAddr)
	return nil
}

// MapLarge establishes a 2Mb mapping between a virtual and a physical
// address using a single level-2 entry. If the entry already points to a
// level-1 table the request fails with ErrPageSizeConflict: a region cannot
// be mapped in both granularities at once.
func (as *AddressSpace) MapLarge(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	largeMask := uintptr(mem.LargePageSize - 1)
	if virtAddr&largeMask != 0 || physAddr&largeMask != 0 {
		return ErrMisaligned
	}

	table, err := as.tableAt(virtAddr, largePageLevel, true)
	if err != nil {
		return err
	}

	entry := &table[tableIndex(virtAddr, largePageLevel)]
	if entry.HasFlags(FlagPresent) && !entry.HasFlags(FlagLargePage) {
		return ErrPageSizeConflict
	}

	*entry = 0
	entry.SetFrame(pmm.FrameFromAddress(physAddr))
	entry.SetFlags(FlagPresent | FlagLargePage | flags)

	cpu.FlushTLBEntry(virtAddr)
	return nil
}

// Unmap removes the mapping for a virtual address, clearing the level-2
// entry for 2Mb pages and the level-1 leaf entry otherwise. Intermediate
// tables that become empty are not reclaimed: the frames they occupy stay
// allocated until the address space is torn down. ErrNotMapped is returned
// when any level of the walk is absent.
func (as *AddressSpace) Unmap(virtAddr uintptr) *kernel.Error {
	table, err := as.tableAt(virtAddr, largePageLevel, false)
	if err != nil {
		return err
	}

	entry := &table[tableIndex(virtAddr, largePageLevel)]
	if !entry.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	if entry.HasFlags(FlagLargePage) {
		*entry = 0
		cpu.FlushTLBEntry(virtAddr)
		return nil
	}

	leafTable := tableForFrameFn(entry.Frame())
	leaf := &leafTable[tableIndex(virtAddr, pageLevels-1)]
	if !leaf.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	*leaf = 0
	cpu.FlushTLBEntry(virtAddr)
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the address does not resolve to a
// mapped physical page. The offset bits of virtAddr are preserved: the low
// 21 bits for 2Mb mappings and the low 12 bits for 4Kb mappings.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	table, err := as.tableAt(virtAddr, largePageLevel, false)
	if err != nil {
		return 0, err
	}

	entry := table[tableIndex(virtAddr, largePageLevel)]
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	if entry.HasFlags(FlagLargePage) {
		return entry.Frame().Address() | (virtAddr & uintptr(mem.LargePageSize-1)), nil
	}

	leaf := tableForFrameFn(entry.Frame())[tableIndex(virtAddr, pageLevels-1)]
	if !leaf.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return leaf.Frame().Address() | (virtAddr & uintptr(mem.PageSize-1)), nil
}
