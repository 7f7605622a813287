package vmm

const (
	// pageLevels indicates the number of page table levels supported by
	// the amd64 architecture.
	pageLevels = 4

	// largePageLevel is the level whose entries may map a 2Mb page
	// directly instead of pointing to a level-1 table.
	largePageLevel = 2

	// tableEntryCount is the number of entries in a table at every level.
	tableEntryCount = 512

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this
	// architecture, bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelShifts defines the shift required to extract the table
	// index bits of a virtual address for each page level. Each level
	// uses 9 bits which amounts to 512 entries per table.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the entry refers to memory that is
	// available and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagLargePage marks a level-2 entry that maps a 2Mb page directly
	// instead of pointing to a level-1 table.
	FlagLargePage

	// FlagGlobal prevents the TLB from evicting the cached translation
	// for this page when the page table root is switched.
	FlagGlobal

	// FlagNoExecute indicates that the page contents must not be
	// executed as code.
	FlagNoExecute = PageTableEntryFlag(1) << 63
)
