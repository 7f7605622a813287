package kheap

import (
	"github.com/rgudkoff/Rodnix-sub000/kernel"
	"github.com/rgudkoff/Rodnix-sub000/kernel/kfmt"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem/vmm"
)

// The kernel heap occupies a fixed 4Mb window in the higher half. The vmm
// facade's virtual cursor starts at KernelHeapStart, so reserving the arena
// as the first facade allocation places it exactly inside the window.
const (
	KernelHeapStart uintptr  = 0xffff800000400000
	KernelHeapSize  mem.Size = 4 * mem.Mb
	KernelHeapEnd            = KernelHeapStart + uintptr(KernelHeapSize)
)

// ErrNotInitialized is returned by MallocErr before the global heap has
// been brought up.
var ErrNotInitialized = &kernel.Error{Module: "kheap", Message: "kernel heap is not initialized"}

var (
	kernelHeap      Heap
	heapInitialized bool

	// mapHeapArenaFn reserves the arena's backing pages through the vmm
	// facade. It is a variable so tests can substitute an arena carved
	// out of a regular Go buffer.
	mapHeapArenaFn = func(vm *vmm.Manager) (uintptr, *kernel.Error) {
		return vm.AllocPages(uint32(KernelHeapSize>>mem.PageShift), vmm.FlagRW|vmm.FlagNoExecute)
	}
)

// Init allocates and formats the global kernel heap. Until Init succeeds
// the package-level allocation helpers degrade to their failure values
// instead of touching the unformatted arena.
func Init(vm *vmm.Manager) *kernel.Error {
	arenaStart, err := mapHeapArenaFn(vm)
	if err != nil {
		return err
	}

	if err = kernelHeap.Init(arenaStart, KernelHeapSize); err != nil {
		return err
	}

	heapInitialized = true
	kfmt.Printf("[kheap] kernel heap ready: %d Kb at 0x%x\n",
		uint64(KernelHeapSize/mem.Kb), arenaStart)
	return nil
}

// Malloc allocates size bytes on the kernel heap, returning 0 when the heap
// is not initialized or exhausted.
func Malloc(size mem.Size) uintptr {
	ptr, err := MallocErr(size)
	if err != nil {
		return 0
	}
	return ptr
}

// MallocErr is the error-reporting variant of Malloc.
func MallocErr(size mem.Size) (uintptr, *kernel.Error) {
	if !heapInitialized {
		return 0, ErrNotInitialized
	}
	return kernelHeap.Alloc(size)
}

// Free releases an allocation obtained from Malloc. Calls before Init and
// invalid pointers are ignored.
func Free(ptr uintptr) {
	if !heapInitialized {
		return
	}
	kernelHeap.Free(ptr)
}

// Realloc resizes an allocation obtained from Malloc, returning 0 when the
// heap is not initialized or the request cannot be satisfied.
func Realloc(ptr uintptr, size mem.Size) uintptr {
	if !heapInitialized {
		return 0
	}

	newPtr, err := kernelHeap.Realloc(ptr, size)
	if err != nil {
		return 0
	}
	return newPtr
}

// TotalSize returns the kernel heap arena size; 0 before initialization.
func TotalSize() mem.Size {
	if !heapInitialized {
		return 0
	}
	return kernelHeap.TotalSize()
}

// FreeSize returns the amount of free kernel heap space; 0 before
// initialization.
func FreeSize() mem.Size {
	if !heapInitialized {
		return 0
	}
	return kernelHeap.FreeSize()
}

// UsedSize returns the amount of used kernel heap space; 0 before
// initialization.
func UsedSize() mem.Size {
	if !heapInitialized {
		return 0
	}
	return kernelHeap.UsedSize()
}
