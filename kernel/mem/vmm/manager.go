package vmm

import (
	"github.com/rgudkoff/Rodnix-sub000/kernel"
	"github.com/rgudkoff/Rodnix-sub000/kernel/kfmt"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem/pmm"
)

// Manager is the kernel's page-granularity allocation facade. It combines the
// physical frame allocator with the address space mapper so callers obtain
// usable virtual memory in a single step without dealing with frames or page
// tables themselves.
//
// Virtual addresses are handed out from a monotonically increasing cursor.
// Freed virtual ranges are never reissued; only their backing frames return
// to the frame allocator.
type Manager struct {
	frames *pmm.BitmapAllocator
	space  *AddressSpace

	nextVirtAddr uintptr

	totalBytes mem.Size
	usedBytes  mem.Size
	freeBytes  mem.Size
}

// Init prepares the facade on top of an initialized frame allocator and
// address space. The virtual cursor starts at cursorStart which must be
// page-aligned and is expected to sit in an unused region of the kernel's
// upper address range.
func (m *Manager) Init(frames *pmm.BitmapAllocator, space *AddressSpace, cursorStart uintptr) *kernel.Error {
	if cursorStart&uintptr(mem.PageSize-1) != 0 {
		return ErrMisaligned
	}

	m.frames = frames
	m.space = space
	m.nextVirtAddr = cursorStart

	m.totalBytes = mem.Size(frames.TotalPages()) * mem.PageSize
	m.usedBytes = mem.Size(frames.UsedPages()) * mem.PageSize
	m.freeBytes = m.totalBytes - m.usedBytes

	kfmt.Printf("[vmm] virtual allocations start at 0x%x\n", cursorStart)
	kfmt.Printf("[vmm] physical memory: %d Kb total, %d Kb free\n",
		uint64(m.totalBytes/mem.Kb), uint64(m.freeBytes/mem.Kb))
	return nil
}

// AllocPage allocates one physical frame and maps it at the next free
// virtual page. The frame is returned to the allocator if the mapping step
// fails so a failed request has no lasting effect.
func (m *Manager) AllocPage(flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	virtAddr := m.nextVirtAddr
	if err = m.space.Map(virtAddr, frame.Address(), flags); err != nil {
		m.frames.FreeFrame(frame)
		return 0, err
	}

	m.nextVirtAddr += uintptr(mem.PageSize)
	m.reserveBytes(mem.PageSize)
	return virtAddr, nil
}

// AllocPages allocates a physically contiguous run of count frames and maps
// it page-by-page at the next free virtual pages. On a mapping failure the
// pages mapped so far are unmapped and the whole run is returned to the
// frame allocator.
func (m *Manager) AllocPages(count uint32, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	frame, err := m.frames.AllocFrames(count)
	if err != nil {
		return 0, err
	}

	virtAddr := m.nextVirtAddr
	for page := uint32(0); page < count; page++ {
		pageOffset := uintptr(page) * uintptr(mem.PageSize)
		if err = m.space.Map(virtAddr+pageOffset, frame.Address()+pageOffset, flags); err != nil {
			for unmap := uint32(0); unmap < page; unmap++ {
				m.space.Unmap(virtAddr + uintptr(unmap)*uintptr(mem.PageSize))
			}
			m.frames.FreeFrames(frame, count)
			return 0, err
		}
	}

	m.nextVirtAddr += uintptr(count) * uintptr(mem.PageSize)
	m.reserveBytes(mem.Size(count) * mem.PageSize)
	return virtAddr, nil
}

// Alloc is a byte-count convenience wrapper around AllocPages; size is
// rounded up to a whole number of pages. Zero-size requests fail with
// ErrOutOfMemory from the frame allocator path.
func (m *Manager) Alloc(size mem.Size, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	return m.AllocPages(uint32(size.RoundUpToMultiple(mem.PageSize)>>mem.PageShift), flags)
}

// FreePage releases the page mapped at virtAddr: the mapping is removed and
// its backing frame returns to the frame allocator. Freeing an unmapped
// address is a silent no-op so cleanup paths never need to special-case
// partially constructed state.
func (m *Manager) FreePage(virtAddr uintptr) {
	physAddr, err := m.space.Translate(virtAddr)
	if err != nil {
		return
	}

	if err = m.space.Unmap(virtAddr); err != nil {
		return
	}

	m.frames.FreeFrame(pmm.FrameFromAddress(physAddr))
	m.releaseBytes(mem.PageSize)
}

// FreePages releases count pages starting at virtAddr, skipping over any
// holes in the mapped range.
func (m *Manager) FreePages(virtAddr uintptr, count uint32) {
	for page := uint32(0); page < count; page++ {
		m.FreePage(virtAddr + uintptr(page)*uintptr(mem.PageSize))
	}
}

// Free is the byte-count counterpart of Alloc.
func (m *Manager) Free(virtAddr uintptr, size mem.Size) {
	m.FreePages(virtAddr, uint32(size.RoundUpToMultiple(mem.PageSize)>>mem.PageShift))
}

// MapPhysical creates a virtual window over a physical address range that is
// not managed by the frame allocator, typically device MMIO registers. The
// window is carved out of the virtual cursor like a normal allocation but no
// frames are allocated and the byte counters are left untouched.
func (m *Manager) MapPhysical(physAddr uintptr, size mem.Size, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if physAddr&uintptr(mem.PageSize-1) != 0 {
		return 0, ErrMisaligned
	}

	pageCount := uintptr(size.RoundUpToMultiple(mem.PageSize) >> mem.PageShift)
	virtAddr := m.nextVirtAddr

	for page := uintptr(0); page < pageCount; page++ {
		pageOffset := page * uintptr(mem.PageSize)
		if err := m.space.Map(virtAddr+pageOffset, physAddr+pageOffset, flags); err != nil {
			for unmap := uintptr(0); unmap < page; unmap++ {
				m.space.Unmap(virtAddr + unmap*uintptr(mem.PageSize))
			}
			return 0, err
		}
	}

	m.nextVirtAddr += pageCount * uintptr(mem.PageSize)
	return virtAddr, nil
}

// UnmapPhysical removes a window established by MapPhysical. The backing
// physical range is not owned by the frame allocator so nothing is freed.
func (m *Manager) UnmapPhysical(virtAddr uintptr, size mem.Size) {
	pageCount := uintptr(size.RoundUpToMultiple(mem.PageSize) >> mem.PageShift)
	for page := uintptr(0); page < pageCount; page++ {
		m.space.Unmap(virtAddr + page*uintptr(mem.PageSize))
	}
}

// TotalMemory returns the amount of physical memory managed by the facade.
func (m *Manager) TotalMemory() mem.Size {
	return m.totalBytes
}

// UsedMemory returns the amount of physical memory currently allocated.
func (m *Manager) UsedMemory() mem.Size {
	return m.usedBytes
}

// FreeMemory returns the amount of physical memory still available.
func (m *Manager) FreeMemory() mem.Size {
	return m.freeBytes
}

func (m *Manager) reserveBytes(size mem.Size) {
	m.usedBytes += size
	m.freeBytes -= size
}

func (m *Manager) releaseBytes(size mem.Size) {
	m.usedBytes -= size
	m.freeBytes += size
}
