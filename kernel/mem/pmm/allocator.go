package pmm

import (
	"math"

	"github.com/rgudkoff/Rodnix-sub000/kernel"
	"github.com/rgudkoff/Rodnix-sub000/kernel/kfmt"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
)

var (
	// ErrOutOfMemory is returned when no physical frame (or no contiguous
	// run of frames) is available to satisfy an allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrOutOfRange is returned by Init when the supplied physical memory
	// range or bitmap storage location is invalid.
	ErrOutOfRange = &kernel.Error{Module: "pmm", Message: "invalid physical memory range"}
)

// BitmapAllocator tracks physical frame reservations for a contiguous range
// of usable RAM using one bit per frame. A set bit indicates that the frame
// has been handed out and not yet freed; bits are assigned MSB-first within
// each bitmap word.
//
// The allocator assumes at most one caller at a time; the bitmap scans are
// not atomic and no locking is provided at this layer.
type BitmapAllocator struct {
	// totalPages tracks the number of frames covered by the bitmap.
	// freePages + usedPages always equals totalPages.
	totalPages uint64
	freePages  uint64
	usedPages  uint64

	// bitmap overlays the storage that the caller carved out of the
	// managed range before handing it to Init.
	bitmap []uint64

	// memoryStart and memoryEnd bound the managed physical range. Both
	// are page-aligned; startFrame is the frame index of memoryStart.
	memoryStart uintptr
	memoryEnd   uintptr
	startFrame  Frame
}

// BitmapBytes returns the amount of storage that the caller must carve out of
// the managed range to back the allocation bitmap for it. The returned size
// is rounded up to a whole number of pages so boot code can reserve it with
// frame granularity.
func BitmapBytes(memoryStart, memoryEnd uintptr) mem.Size {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	memoryStart = (memoryStart + pageSizeMinus1) & ^pageSizeMinus1
	memoryEnd = memoryEnd & ^pageSizeMinus1
	if memoryEnd <= memoryStart {
		return 0
	}

	totalPages := uint64(memoryEnd-memoryStart) >> mem.PageShift
	bitmapBytes := ((totalPages + 63) &^ 63) >> 3
	return mem.Size((bitmapBytes + uint64(pageSizeMinus1)) & ^uint64(pageSizeMinus1))
}

// Init sets up the allocator to manage the physical range [memoryStart,
// memoryEnd). The range boundaries are aligned to the page size (start up,
// end down) and every frame starts out free.
//
// The bitmap storage at bitmapAddr must have been carved out of the range by
// the caller beforehand (see BitmapBytes) and must remain reserved for the
// allocator's lifetime. Init deliberately does not reserve that storage
// itself; keeping the bootstrap carve-out in the boot code means the
// allocator never depends on its own allocations.
func (alloc *BitmapAllocator) Init(memoryStart, memoryEnd, bitmapAddr uintptr) *kernel.Error {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	memoryStart = (memoryStart + pageSizeMinus1) & ^pageSizeMinus1
	memoryEnd = memoryEnd & ^pageSizeMinus1

	if bitmapAddr == 0 || memoryEnd <= memoryStart {
		return ErrOutOfRange
	}

	alloc.memoryStart = memoryStart
	alloc.memoryEnd = memoryEnd
	alloc.startFrame = Frame(memoryStart >> mem.PageShift)
	alloc.totalPages = uint64(memoryEnd-memoryStart) >> mem.PageShift
	alloc.freePages = alloc.totalPages
	alloc.usedPages = 0

	words := int(((alloc.totalPages + 63) &^ 63) >> 6)
	alloc.bitmap = mem.OverlaySlice(bitmapAddr, words)
	for i := 0; i < words; i++ {
		alloc.bitmap[i] = 0
	}

	kfmt.Printf("[pmm] initialized: %d pages (%d Kb total)\n",
		alloc.totalPages, alloc.totalPages*uint64(mem.PageSize)/uint64(mem.Kb))

	return nil
}

// bitmapPos returns the word index and MSB-first bit mask for a frame that is
// known to be inside the managed range.
func (alloc *BitmapAllocator) bitmapPos(frame Frame) (word int, mask uint64) {
	index := uint64(frame - alloc.startFrame)
	return int(index >> 6), 1 << (63 - (index & 63))
}

// contains returns true when frame lies inside the managed range.
func (alloc *BitmapAllocator) contains(frame Frame) bool {
	return frame >= alloc.startFrame && uint64(frame-alloc.startFrame) < alloc.totalPages
}

// AllocFrame reserves and returns the first free frame in the managed range.
// The frame contents are zero-filled through the direct mapping before the
// frame is returned so callers never observe stale data. If no frame is
// available, AllocFrame returns InvalidFrame and ErrOutOfMemory.
func (alloc *BitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	if alloc.freePages == 0 {
		return InvalidFrame, ErrOutOfMemory
	}

	for wordIndex, word := range alloc.bitmap {
		if word == math.MaxUint64 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << (63 - bit)
			if word&mask != 0 {
				continue
			}

			index := uint64(wordIndex<<6 + bit)
			if index >= alloc.totalPages {
				break
			}

			alloc.bitmap[wordIndex] |= mask
			alloc.freePages--
			alloc.usedPages++

			frame := alloc.startFrame + Frame(index)
			mem.Memset(mem.PhysToVirt(frame.Address()), 0, mem.PageSize)
			return frame, nil
		}
	}

	// freePages was non-zero but no clear bit was found; the bitmap and
	// the counters disagree.
	return InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame or
// AllocFrames. The call is deliberately infallible so cleanup paths can
// always invoke it: frames outside the managed range and frames that are
// already free are silently ignored.
func (alloc *BitmapAllocator) FreeFrame(frame Frame) {
	if !alloc.contains(frame) {
		return
	}

	word, mask := alloc.bitmapPos(frame)
	if alloc.bitmap[word]&mask == 0 {
		return
	}

	alloc.bitmap[word] &^= mask
	alloc.freePages++
	alloc.usedPages--
}

// AllocFrames reserves the first run of count consecutive free frames and
// returns the first frame of the run. Either all count frames are reserved
// and zero-filled or none are; on failure AllocFrames returns InvalidFrame
// and ErrOutOfMemory. The scan is linear in the number of managed frames
// which is acceptable at the memory sizes this kernel targets.
func (alloc *BitmapAllocator) AllocFrames(count uint32) (Frame, *kernel.Error) {
	if count == 0 || alloc.freePages < uint64(count) {
		return InvalidFrame, ErrOutOfMemory
	}

	var runStart, runLen uint64
	for index := uint64(0); index < alloc.totalPages; index++ {
		word, mask := alloc.bitmapPos(alloc.startFrame + Frame(index))
		if alloc.bitmap[word]&mask != 0 {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}
		runLen++

		if runLen == uint64(count) {
			for marked := runStart; marked <= index; marked++ {
				word, mask = alloc.bitmapPos(alloc.startFrame + Frame(marked))
				alloc.bitmap[word] |= mask
			}
			alloc.freePages -= uint64(count)
			alloc.usedPages += uint64(count)

			frame := alloc.startFrame + Frame(runStart)
			mem.Memset(mem.PhysToVirt(frame.Address()), 0, mem.Size(count)*mem.PageSize)
			return frame, nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// FreeFrames releases count frames starting at frame. Each frame is freed
// independently so the call is safe even if parts of the run were already
// freed.
func (alloc *BitmapAllocator) FreeFrames(frame Frame, count uint32) {
	for i := uint32(0); i < count; i++ {
		alloc.FreeFrame(frame + Frame(i))
	}
}

// ReserveRegion marks every frame that overlaps the physical address range
// [start, end] as used. Boot code uses it to take the kernel image and the
// bitmap storage itself out of circulation. Frames that are already used are
// left untouched.
func (alloc *BitmapAllocator) ReserveRegion(start, end uintptr) {
	alloc.markRegion(start, end, true)
}

// UnreserveRegion marks every frame that overlaps the physical address range
// [start, end] as free again, skipping frames that are already free.
func (alloc *BitmapAllocator) UnreserveRegion(start, end uintptr) {
	alloc.markRegion(start, end, false)
}

func (alloc *BitmapAllocator) markRegion(start, end uintptr, reserve bool) {
	if end < start {
		return
	}

	first := FrameFromAddress(start)
	last := FrameFromAddress(end)
	if first < alloc.startFrame {
		first = alloc.startFrame
	}

	for frame := first; frame <= last; frame++ {
		if !alloc.contains(frame) {
			return
		}

		word, mask := alloc.bitmapPos(frame)
		used := alloc.bitmap[word]&mask != 0
		if used == reserve {
			continue
		}

		if reserve {
			alloc.bitmap[word] |= mask
			alloc.freePages--
			alloc.usedPages++
		} else {
			alloc.bitmap[word] &^= mask
			alloc.freePages++
			alloc.usedPages--
		}
	}
}

// TotalPages returns the number of frames covered by the allocator.
func (alloc *BitmapAllocator) TotalPages() uint64 { return alloc.totalPages }

// FreePages returns the number of frames that are currently free.
func (alloc *BitmapAllocator) FreePages() uint64 { return alloc.freePages }

// UsedPages returns the number of frames that are currently reserved.
func (alloc *BitmapAllocator) UsedPages() uint64 { return alloc.usedPages }
