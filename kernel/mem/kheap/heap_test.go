package kheap

import (
	"testing"
	"unsafe"

	"github.com/rgudkoff/Rodnix-sub000/kernel/mem"
)

func newTestHeap(t *testing.T, size mem.Size) (*Heap, []byte) {
	t.Helper()

	var (
		buf  = make([]byte, int(size)+8)
		heap Heap
	)

	start := (uintptr(unsafe.Pointer(&buf[0])) + 7) &^ 7
	if err := heap.Init(start, size); err != nil {
		t.Fatal(err)
	}

	return &heap, buf
}

// checkHeapInvariants walks the block list verifying that the blocks tile
// the arena exactly, that the doubly linked list is consistent, that no two
// adjacent blocks are both free and that freeSize matches the summed size of
// the free blocks.
func checkHeapInvariants(t *testing.T, h *Heap) {
	t.Helper()

	var (
		prev               *blockHeader
		totalSum, freeSum  mem.Size
		expectedBlockStart = h.start
	)

	for blk := h.first; blk != nil; blk = blk.next {
		if got := uintptr(unsafe.Pointer(blk)); got != expectedBlockStart {
			t.Fatalf("expected block at 0x%x; found one at 0x%x", expectedBlockStart, got)
		}
		if blk.prev != prev {
			t.Fatalf("broken prev link for block at 0x%x", uintptr(unsafe.Pointer(blk)))
		}

		totalSum += mem.Size(blk.size)
		if blk.free {
			if prev != nil && prev.free {
				t.Fatalf("found two adjacent free blocks at 0x%x", uintptr(unsafe.Pointer(blk)))
			}
			freeSum += mem.Size(blk.size)
		}

		expectedBlockStart += blk.size
		prev = blk
	}

	if totalSum != h.size {
		t.Fatalf("expected the block sizes to sum up to the arena size %d; got %d", h.size, totalSum)
	}
	if freeSum != h.freeSize {
		t.Fatalf("expected freeSize (%d) to equal the summed free block sizes (%d)", h.freeSize, freeSum)
	}
	if h.UsedSize()+h.FreeSize() != h.TotalSize() {
		t.Fatalf("expected usedSize (%d) + freeSize (%d) to equal totalSize (%d)",
			h.UsedSize(), h.FreeSize(), h.TotalSize())
	}
}

func TestHeapInit(t *testing.T) {
	t.Run("arena too small", func(t *testing.T) {
		var heap Heap
		if err := heap.Init(0x1000, mem.Size(2*headerSize)-1); err != ErrInvalidSize {
			t.Fatalf("expected to get ErrInvalidSize; got %v", err)
		}
	})

	t.Run("fresh arena is one free block", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		if exp, got := mem.Size(4096), heap.FreeSize(); got != exp {
			t.Fatalf("expected a fresh heap to report %d free bytes; got %d", exp, got)
		}
		if exp, got := mem.Size(0), heap.UsedSize(); got != exp {
			t.Fatalf("expected a fresh heap to report %d used bytes; got %d", exp, got)
		}
		checkHeapInvariants(t, heap)
	})
}

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	heap, _ := newTestHeap(t, 4096)

	var ptrs [4]uintptr
	for i, size := range []mem.Size{100, 1, 64, 200} {
		ptr, err := heap.Alloc(size)
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if ptr%8 != 0 {
			t.Fatalf("[alloc %d] expected an 8-byte aligned payload address; got 0x%x", i, ptr)
		}

		ptrs[i] = ptr
		checkHeapInvariants(t, heap)
	}

	// Free out of order; the invariants must hold after every step
	for _, i := range []int{2, 0, 3, 1} {
		heap.Free(ptrs[i])
		checkHeapInvariants(t, heap)
	}

	// After freeing everything the arena coalesces back into one block
	if exp, got := heap.TotalSize(), heap.FreeSize(); got != exp {
		t.Fatalf("expected the whole arena (%d bytes) to be free; got %d", exp, got)
	}
	if heap.first.next != nil {
		t.Fatal("expected all blocks to coalesce into a single free block")
	}
}

func TestHeapAllocMinimumPayload(t *testing.T) {
	heap, _ := newTestHeap(t, 4096)

	if _, err := heap.Alloc(0); err != ErrInvalidSize {
		t.Fatalf("expected a zero-size request to fail with ErrInvalidSize; got %v", err)
	}

	if _, err := heap.Alloc(1); err != nil {
		t.Fatal(err)
	}

	// A 1-byte request still consumes a header plus the minimum payload
	if exp, got := mem.Size(headerSize)+minBlockPayload, heap.UsedSize(); got != exp {
		t.Fatalf("expected a 1-byte allocation to consume %d bytes; got %d", exp, got)
	}
	checkHeapInvariants(t, heap)
}

func TestHeapExhaustion(t *testing.T) {
	heap, _ := newTestHeap(t, 4096)

	if _, err := heap.Alloc(100); err != nil {
		t.Fatal(err)
	}

	if _, err := heap.Alloc(5000); err != ErrOutOfMemory {
		t.Fatalf("expected a request larger than the arena to fail with ErrOutOfMemory; got %v", err)
	}
	checkHeapInvariants(t, heap)

	// The remaining space minus the new header is still allocatable
	remaining := heap.FreeSize() - mem.Size(headerSize)
	if _, err := heap.Alloc(remaining); err != nil {
		t.Fatalf("expected the remaining %d bytes to be allocatable; got %v", remaining, err)
	}
	if exp, got := mem.Size(0), heap.FreeSize(); got != exp {
		t.Fatalf("expected no free space left; got %d", got)
	}

	if _, err := heap.Alloc(1); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}
	checkHeapInvariants(t, heap)
}

func TestHeapFreeMisuse(t *testing.T) {
	heap, _ := newTestHeap(t, 4096)

	ptr, err := heap.Alloc(100)
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := heap.FreeSize()

	// Nil and foreign pointers are silent no-ops
	heap.Free(0)
	heap.Free(heap.end + 0x1000)
	if got := heap.FreeSize(); got != freeBefore {
		t.Fatalf("expected invalid frees to leave the free size at %d; got %d", freeBefore, got)
	}

	heap.Free(ptr)
	checkHeapInvariants(t, heap)
	freeAfter := heap.FreeSize()

	// Double free is a silent no-op
	heap.Free(ptr)
	if got := heap.FreeSize(); got != freeAfter {
		t.Fatalf("expected a double free to leave the free size at %d; got %d", freeAfter, got)
	}
	checkHeapInvariants(t, heap)
}

func TestHeapRealloc(t *testing.T) {
	t.Run("nil pointer degrades to Alloc", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		ptr, err := heap.Realloc(0, 64)
		if err != nil || ptr == 0 {
			t.Fatalf("expected Realloc(0, 64) to allocate; got (0x%x, %v)", ptr, err)
		}
		checkHeapInvariants(t, heap)
	})

	t.Run("zero size degrades to Free", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		ptr, err := heap.Alloc(64)
		if err != nil {
			t.Fatal(err)
		}

		newPtr, err := heap.Realloc(ptr, 0)
		if err != nil || newPtr != 0 {
			t.Fatalf("expected Realloc(ptr, 0) to free and return 0; got (0x%x, %v)", newPtr, err)
		}
		if exp, got := heap.TotalSize(), heap.FreeSize(); got != exp {
			t.Fatalf("expected the whole arena to be free again; got %d of %d bytes", got, exp)
		}
		checkHeapInvariants(t, heap)
	})

	t.Run("shrink in place", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		ptr, err := heap.Alloc(256)
		if err != nil {
			t.Fatal(err)
		}
		usedBefore := heap.UsedSize()

		newPtr, err := heap.Realloc(ptr, 64)
		if err != nil {
			t.Fatal(err)
		}
		if newPtr != ptr {
			t.Fatalf("expected shrinking to keep the block in place; got 0x%x instead of 0x%x", newPtr, ptr)
		}
		if got := heap.UsedSize(); got >= usedBefore {
			t.Fatalf("expected shrinking to release space; used size went from %d to %d", usedBefore, got)
		}
		checkHeapInvariants(t, heap)
	})

	t.Run("grow in place into a free neighbor", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		ptr, err := heap.Alloc(32)
		if err != nil {
			t.Fatal(err)
		}

		// The rest of the arena is a single free block right after ptr
		newPtr, err := heap.Realloc(ptr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if newPtr != ptr {
			t.Fatalf("expected growing into a free neighbor to keep the block in place; got 0x%x instead of 0x%x", newPtr, ptr)
		}
		checkHeapInvariants(t, heap)
	})

	t.Run("move preserves the payload", func(t *testing.T) {
		heap, _ := newTestHeap(t, 4096)

		ptr, err := heap.Alloc(32)
		if err != nil {
			t.Fatal(err)
		}
		// Pin a second allocation behind the first so it cannot grow in
		// place.
		if _, err = heap.Alloc(32); err != nil {
			t.Fatal(err)
		}

		payload := (*[32]byte)(unsafe.Pointer(ptr))
		for i := range payload {
			payload[i] = byte(i + 1)
		}

		newPtr, err := heap.Realloc(ptr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if newPtr == ptr {
			t.Fatal("expected the blocked grow to move the allocation")
		}

		moved := (*[32]byte)(unsafe.Pointer(newPtr))
		for i := range moved {
			if moved[i] != byte(i+1) {
				t.Fatalf("expected byte %d of the moved payload to be %d; got %d", i, byte(i+1), moved[i])
			}
		}
		checkHeapInvariants(t, heap)
	})
}
