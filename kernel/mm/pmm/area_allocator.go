// Package pmm implements the physical memory manager: the allocators that
// hand out page frames to the rest of the kernel.
package pmm

import (
	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/kfmt"
	"github.com/too-r/lambdaOS/kernel/mm"
	"github.com/too-r/lambdaOS/multiboot"
)

var (
	// visitMemRegionsFn is used by tests and is automatically inlined by
	// the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// infoRegionFn is used by tests and is automatically inlined by the
	// compiler.
	infoRegionFn = multiboot.InfoRegion

	errNoMemoryMap     = &kernel.Error{Module: "area_frame_alloc", Message: "the multiboot memory map contains no usable region"}
	errOutOfMemory     = &kernel.Error{Module: "area_frame_alloc", Message: "out of memory"}
	errFreeUnsupported = &kernel.Error{Module: "area_frame_alloc", Message: "the area frame allocator cannot reclaim frames"}
)

// AreaFrameAllocator is the allocator used before paging and the bitmap
// allocator are available. It hands out monotonically increasing frames by
// scanning the usable areas of the multiboot memory map, stepping over the
// frames occupied by the kernel image and the multiboot info structure.
// Allocated frames cannot be reclaimed.
type AreaFrameAllocator struct {
	// nextFrame is the candidate for the next allocation. Frames below it
	// are never handed out again, even when a run skips some of them.
	nextFrame mm.Frame

	// The whole-frame extents of the memory map area that currently
	// serves allocations. areaValid is cleared when the map holds no
	// usable area at or above nextFrame.
	areaStartFrame mm.Frame
	areaLastFrame  mm.Frame
	areaValid      bool

	kernelStartFrame mm.Frame
	kernelEndFrame   mm.Frame

	infoStartFrame mm.Frame
	infoEndFrame   mm.Frame

	// allocCount tracks the total number of frames handed out.
	allocCount uint64
}

// Init prepares the allocator for use. The supplied physical addresses
// delimit the loaded kernel image; the multiboot info extents are obtained
// from the boot info section itself. Init fails with errNoMemoryMap if the
// bootloader did not provide a memory map with at least one usable area.
func (a *AreaFrameAllocator) Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	a.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	a.kernelEndFrame = mm.FrameFromAddress(kernelEnd)

	// An unset info region must never intersect an allocation run.
	a.infoStartFrame = mm.InvalidFrame
	a.infoEndFrame = 0
	if infoAddr, infoSize := infoRegionFn(); infoSize != 0 {
		a.infoStartFrame = mm.FrameFromAddress(infoAddr)
		a.infoEndFrame = mm.FrameFromAddress(infoAddr + infoSize - 1)
	}

	a.printMemoryMap()

	a.nextFrame = 0
	a.chooseNextArea()
	if !a.areaValid {
		return errNoMemoryMap
	}

	return nil
}

// AllocFrames reserves count sequential frames and returns the first one.
// Runs never overlap the kernel image, the multiboot info structure, frames
// handed out earlier or the gaps between the usable memory map areas. When
// no area can fit the run the allocator returns errOutOfMemory.
func (a *AreaFrameAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count < 1 {
		return mm.InvalidFrame, errOutOfMemory
	}

	for {
		if !a.areaValid {
			return mm.InvalidFrame, errOutOfMemory
		}

		var (
			first = a.nextFrame
			last  = a.nextFrame + mm.Frame(count) - 1
		)

		// Runs do not straddle areas; skipping a tail that is too
		// small keeps the scan advancing.
		if last > a.areaLastFrame {
			a.nextFrame = a.areaLastFrame + 1
			a.chooseNextArea()
			continue
		}

		if first <= a.kernelEndFrame && last >= a.kernelStartFrame {
			a.nextFrame = a.kernelEndFrame + 1
			continue
		}

		if first <= a.infoEndFrame && last >= a.infoStartFrame {
			a.nextFrame = a.infoEndFrame + 1
			continue
		}

		a.nextFrame += mm.Frame(count)
		a.allocCount += uint64(count)
		return first, nil
	}
}

// FreeFrame panics: the early allocator cannot take frames back. Callers
// that need to release frames must use the bitmap allocator instead.
func (a *AreaFrameAllocator) FreeFrame(_ mm.Frame) *kernel.Error {
	panic(errFreeUnsupported)
}

// chooseNextArea positions the allocator on the lowest-based usable area
// whose last whole frame is at or above nextFrame and clamps nextFrame to
// the area start. areaValid is cleared when no such area exists.
func (a *AreaFrameAllocator) chooseNextArea() {
	a.areaValid = false

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		first, last, ok := regionFrameExtent(region)
		if !ok || last < a.nextFrame {
			return true
		}

		if !a.areaValid || first < a.areaStartFrame {
			a.areaStartFrame = first
			a.areaLastFrame = last
			a.areaValid = true
		}

		return true
	})

	if a.areaValid && a.nextFrame < a.areaStartFrame {
		a.nextFrame = a.areaStartFrame
	}
}

// regionFrameExtent returns the first and last whole frame inside a memory
// map region. Reported region bounds may not be page-aligned; the start is
// rounded up and the end down. ok is false when the region does not cover a
// single whole frame.
func regionFrameExtent(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	first := mm.Frame((region.PhysAddress + uint64(mm.PageSize) - 1) >> mm.PageShift)
	onePastLast := mm.Frame((region.PhysAddress + region.Length) >> mm.PageShift)
	if onePastLast <= first {
		return 0, 0, false
	}

	return first, onePastLast - 1, true
}

func (a *AreaFrameAllocator) printMemoryMap() {
	kfmt.Printf("[area_frame_alloc] system memory map:\n")

	var totalFree uint64
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})

	kfmt.Printf("[area_frame_alloc] free memory: %dKb\n", totalFree/1024)
}
