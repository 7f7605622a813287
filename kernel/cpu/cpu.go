// Package cpu exposes the privileged CPU state that the memory management
// subsystem depends on. The hooks in this package are declared as function
// variables so that the architecture-specific boot glue can wire in the real
// register accessors while user-mode tests substitute their own versions.
package cpu

var (
	// ReadPageTableRoot returns the physical address of the top-most page
	// table that the MMU currently translates through (CR3 on amd64). The
	// hosted default returns 0 which the mapper treats as "no active
	// address space".
	ReadPageTableRoot = func() uintptr { return 0 }

	// SwitchPageTableRoot points the MMU translation root register at the
	// supplied physical address. Writing the register implicitly flushes
	// all non-global TLB entries.
	SwitchPageTableRoot = func(rootPhysAddr uintptr) {}

	// FlushTLBEntry invalidates the cached translation for a single
	// virtual address (invlpg on amd64). Mapping code prefers this over a
	// full TLB flush to bound the cost of map/unmap operations.
	FlushTLBEntry = func(virtAddr uintptr) {}
)
