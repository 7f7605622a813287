package mem

// directMapOffset holds the offset that must be added to a physical address
// to obtain the virtual address where the kernel's direct mapping of physical
// memory makes it accessible. The boot code establishes the higher-half
// direct map and registers its offset here. The zero default is the identity
// mapping which is what the early boot path and the tests operate under.
var directMapOffset uintptr

// SetDirectMapOffset registers the offset of the kernel's physical memory
// direct mapping.
func SetDirectMapOffset(offset uintptr) {
	directMapOffset = offset
}

// PhysToVirt returns the virtual address through which the contents of the
// supplied physical address can be accessed via the direct mapping.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + directMapOffset
}
