package pmm

import (
	"reflect"
	"unsafe"

	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/kfmt"
	"github.com/too-r/lambdaOS/kernel/mm"
	"github.com/too-r/lambdaOS/kernel/mm/vmm"
	"github.com/too-r/lambdaOS/multiboot"
)

var (
	// mapPoolRegionFn is used by tests to redirect the allocator metadata
	// region into test-managed memory.
	mapPoolRegionFn = mapPoolRegion

	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

// markAs selects the target state of a bitmap update.
type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks the reservation state of the frames inside one usable
// area of the memory map.
type framePool struct {
	// startFrame is the first frame in this pool. Bit i of the free
	// bitmap corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the free pages in this pool so that the allocator
	// can skip exhausted pools without scanning their bitmaps.
	freeCount uint32

	// freeBitmap tracks the pool's frames MSB-first: a set bit marks a
	// reserved frame. The slice overlays kernel memory described by
	// freeBitmapHdr rather than Go-allocated memory.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator tracks physical frame reservations with per-area bitmaps.
// It becomes the kernel's primary frame allocator once PagingInit has run;
// its own metadata is carved out of early-allocator frames that get identity
// mapped into the new address space.
type BitmapAllocator struct {
	// totalPages and reservedPages track page counts across all pools.
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// Init builds the allocator state. The metadata region is reserved through
// the early allocator and identity mapped via table; afterwards every frame
// at or below the early allocator's high-water mark, the kernel image frames
// and the multiboot info frames are marked as reserved.
func (alloc *BitmapAllocator) Init(early *AreaFrameAllocator, table *vmm.ActivePageTable) *kernel.Error {
	if err := alloc.setupPoolBitmaps(early, table); err != nil {
		return err
	}

	// The metadata frames come from the early allocator as well, so the
	// high-water reservation covers them too.
	if early.nextFrame > 0 {
		alloc.reserveRange(0, early.nextFrame-1)
	}
	alloc.reserveRange(early.kernelStartFrame, early.kernelEndFrame)
	alloc.reserveRange(early.infoStartFrame, early.infoEndFrame)

	kfmt.Printf("[bitmap_alloc] %d/%d pages reserved\n", alloc.reservedPages, alloc.totalPages)
	return nil
}

// setupPoolBitmaps scans the memory map to size the pool headers and their
// bitmaps, reserves a contiguous frame run for them, maps it and overlays
// the pool and bitmap slices onto the zeroed region.
func (alloc *BitmapAllocator) setupPoolBitmaps(early *AreaFrameAllocator, table *vmm.ActivePageTable) *kernel.Error {
	var (
		sizeofPool          = unsafe.Sizeof(framePool{})
		requiredBitmapBytes uintptr
	)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		first, last, ok := regionFrameExtent(region)
		if !ok {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		pageCount := uint32(last - first + 1)
		alloc.totalPages += pageCount

		// One bit per page, rounded up to whole uint64 blocks.
		requiredBitmapBytes += uintptr((pageCount+63)&^63) >> 3
		return true
	})

	if alloc.poolsHdr.Len == 0 {
		return errNoMemoryMap
	}

	requiredBytes := (uintptr(alloc.poolsHdr.Len)*sizeofPool + requiredBitmapBytes + mm.PageSize - 1) &^ (mm.PageSize - 1)
	requiredPages := int(requiredBytes >> mm.PageShift)

	firstFrame, err := early.AllocFrames(requiredPages)
	if err != nil {
		return err
	}

	if alloc.poolsHdr.Data, err = mapPoolRegionFn(table, early, firstFrame, requiredPages); err != nil {
		return err
	}

	kernel.Memset(alloc.poolsHdr.Data, 0, requiredBytes)
	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Second pass: carve the bitmap slices out of the mapped region.
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		first, last, ok := regionFrameExtent(region)
		if !ok {
			return true
		}

		pageCount := uint32(last - first + 1)
		bitmapBytes := uintptr((pageCount+63)&^63) >> 3

		alloc.pools[poolIndex].startFrame = first
		alloc.pools[poolIndex].endFrame = last
		alloc.pools[poolIndex].freeCount = pageCount
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// mapPoolRegion identity maps the metadata frames so that the region is
// reachable at its physical address in the active address space.
func mapPoolRegion(table *vmm.ActivePageTable, early mm.FrameAllocator, firstFrame mm.Frame, count int) (uintptr, *kernel.Error) {
	for it := mm.FrameRange(firstFrame, firstFrame+mm.Frame(count)-1); ; {
		frame, ok := it.Next()
		if !ok {
			break
		}

		if err := table.IdentityMap(frame, vmm.FlagRW|vmm.FlagNoExecute, early); err != nil {
			return 0, err
		}
	}

	return firstFrame.Address(), nil
}

// AllocFrames reserves a run of count sequential free frames within a single
// pool and returns the first one.
func (alloc *BitmapAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count < 1 {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount < uint32(count) {
			continue
		}

		runLen := 0
		for frame := alloc.pools[poolIndex].startFrame; frame <= alloc.pools[poolIndex].endFrame; frame++ {
			if !alloc.isFree(poolIndex, frame) {
				runLen = 0
				continue
			}

			if runLen++; runLen == count {
				first := frame - mm.Frame(count) + 1
				for reserved := first; reserved <= frame; reserved++ {
					alloc.markFrame(poolIndex, reserved, markReserved)
				}

				return first, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously handed out by AllocFrames.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if alloc.isFree(poolIndex, frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// reserveRange marks the managed frames in [first, last] as reserved.
// Frames outside every pool or already reserved by an earlier pass are
// skipped so that overlapping ranges keep the counters consistent.
func (alloc *BitmapAllocator) reserveRange(first, last mm.Frame) {
	for frame := first; frame <= last; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 || !alloc.isFree(poolIndex, frame) {
			continue
		}

		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// poolForFrame returns the index of the pool that manages frame or -1.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// markFrame updates the bitmap bit for frame together with the free and
// reserved counters. Out-of-pool frames are ignored.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// Bit 63 of block 0 corresponds to startFrame.
	relFrame := frame - alloc.pools[poolIndex].startFrame
	mask := uint64(1) << (63 - (relFrame & 63))

	if flag == markFree {
		alloc.pools[poolIndex].freeBitmap[relFrame>>6] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	} else {
		alloc.pools[poolIndex].freeBitmap[relFrame>>6] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isFree reports whether the bitmap bit for frame is clear.
func (alloc *BitmapAllocator) isFree(poolIndex int, frame mm.Frame) bool {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return false
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	return alloc.pools[poolIndex].freeBitmap[relFrame>>6]&(uint64(1)<<(63-(relFrame&63))) == 0
}
