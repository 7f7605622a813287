// Package kheap implements the fine-grained kernel heap allocator. The heap
// manages a fixed virtual arena obtained from the vmm facade and serves
// byte-granularity allocations out of a doubly linked list of blocks that
// live inside the arena itself.
package kheap

import (
	"unsafe"

	"github.com/rgudkoff/Rodnix-sub000/kernel"
	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
)

var (
	// ErrInvalidSize is returned when an arena or allocation size is too
	// small to be usable.
	ErrInvalidSize = &kernel.Error{Module: "kheap", Message: "requested size is invalid"}

	// ErrOutOfMemory is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "heap space exhausted"}
)

// blockHeader prefixes every heap block. The size field counts the whole
// block, header included; the payload that callers see starts right after
// the header and spans size - headerSize bytes.
type blockHeader struct {
	size uintptr
	free bool
	next *blockHeader
	prev *blockHeader
}

const (
	headerSize = unsafe.Sizeof(blockHeader{})

	// minBlockPayload is the smallest payload a block may carry. Requests
	// below it are rounded up and splits that would leave a smaller tail
	// are skipped.
	minBlockPayload = 16
)

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Heap is a first-fit list allocator over a fixed memory arena.
//
// Heap assumes at most one caller at a time; list manipulation is not
// protected by any lock.
type Heap struct {
	start uintptr
	end   uintptr

	size     mem.Size
	freeSize mem.Size

	first *blockHeader
}

// Init formats the arena that starts at the given address as a single free
// block spanning all of it. The arena must be large enough to hold at least
// one split block pair or ErrInvalidSize is returned.
//
// freeSize always equals the summed size of the free blocks in the list,
// headers included, so a fully free heap reports its whole arena as free.
func (h *Heap) Init(start uintptr, size mem.Size) *kernel.Error {
	if size < mem.Size(2*headerSize) {
		return ErrInvalidSize
	}

	h.start = start
	h.end = start + uintptr(size)
	h.size = size
	h.freeSize = size

	h.first = blockAt(start)
	*h.first = blockHeader{size: uintptr(size), free: true}
	return nil
}

// normalizePayload applies the minimum payload size and rounds the result up
// to the machine word alignment every caller may rely on.
func normalizePayload(size mem.Size) uintptr {
	payload := uintptr(size)
	if payload < minBlockPayload {
		payload = minBlockPayload
	}
	return (payload + 7) &^ 7
}

// splitBlock shrinks blk to span exactly consumed bytes and links the
// remainder in as a new free block. It returns the new tail block or nil
// when the remainder is too small to stand on its own, in which case blk is
// left untouched. freeSize is not adjusted here; callers account for the
// tail depending on the state blk was in.
func (h *Heap) splitBlock(blk *blockHeader, consumed uintptr) *blockHeader {
	if blk.size < consumed+headerSize+minBlockPayload {
		return nil
	}

	tail := blockAt(uintptr(unsafe.Pointer(blk)) + consumed)
	tail.size = blk.size - consumed
	tail.free = true
	tail.next = blk.next
	tail.prev = blk

	if blk.next != nil {
		blk.next.prev = tail
	}
	blk.next = tail
	blk.size = consumed

	return tail
}

// mergeFreeBlocks coalesces every run of adjacent free blocks into one,
// restoring the invariant that no two neighboring blocks are both free. The
// summed free size does not change.
func (h *Heap) mergeFreeBlocks() {
	for blk := h.first; blk != nil && blk.next != nil; {
		if blk.free && blk.next.free {
			blk.size += blk.next.size
			blk.next = blk.next.next
			if blk.next != nil {
				blk.next.prev = blk
			}
			continue
		}
		blk = blk.next
	}
}

// Alloc reserves size bytes on the heap and returns the address of the
// payload. The first free block that fits is used; oversized blocks are
// split so the remainder stays allocatable. ErrOutOfMemory is returned when
// no block fits.
func (h *Heap) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	consumed := normalizePayload(size) + headerSize

	for blk := h.first; blk != nil; blk = blk.next {
		if !blk.free || blk.size < consumed {
			continue
		}

		blk.free = false
		h.splitBlock(blk, consumed)
		h.freeSize -= mem.Size(blk.size)

		return uintptr(unsafe.Pointer(blk)) + headerSize, nil
	}

	return 0, ErrOutOfMemory
}

// Free returns the block that owns ptr to the free list and coalesces it
// with its neighbors. Pointers outside the arena and blocks that are already
// free are ignored so cleanup paths can call Free unconditionally.
func (h *Heap) Free(ptr uintptr) {
	if ptr < h.start+headerSize || ptr > h.end {
		return
	}

	blk := blockAt(ptr - headerSize)
	if blk.free {
		return
	}

	blk.free = true
	h.freeSize += mem.Size(blk.size)
	h.mergeFreeBlocks()
}

// Realloc resizes the allocation that owns ptr to size bytes, preserving the
// payload up to the smaller of the two sizes. A nil ptr degrades to Alloc
// and a zero size to Free. The block is resized in place when it can shrink
// or absorb a free right-hand neighbor; otherwise the payload moves to a
// fresh allocation and the old block is freed.
func (h *Heap) Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return 0, nil
	}

	blk := blockAt(ptr - headerSize)
	consumed := normalizePayload(size) + headerSize
	oldPayload := mem.Size(blk.size - headerSize)

	// Shrink or exact fit: re-split in place
	if consumed <= blk.size {
		if tail := h.splitBlock(blk, consumed); tail != nil {
			h.freeSize += mem.Size(tail.size)
			h.mergeFreeBlocks()
		}
		return ptr, nil
	}

	// Grow in place by absorbing a free right-hand neighbor
	if next := blk.next; next != nil && next.free && blk.size+next.size >= consumed {
		h.freeSize -= mem.Size(next.size)
		blk.size += next.size
		blk.next = next.next
		if blk.next != nil {
			blk.next.prev = blk
		}

		if tail := h.splitBlock(blk, consumed); tail != nil {
			h.freeSize += mem.Size(tail.size)
		}
		return ptr, nil
	}

	// Move to a fresh block
	newPtr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copySize := oldPayload
	if size < copySize {
		copySize = size
	}
	mem.Memcopy(ptr, newPtr, copySize)
	h.Free(ptr)

	return newPtr, nil
}

// TotalSize returns the size of the heap arena.
func (h *Heap) TotalSize() mem.Size {
	return h.size
}

// FreeSize returns the summed size of the free blocks, headers included.
func (h *Heap) FreeSize() mem.Size {
	return h.freeSize
}

// UsedSize returns the amount of arena space consumed by live allocations
// and their headers.
func (h *Heap) UsedSize() mem.Size {
	return h.size - h.freeSize
}
