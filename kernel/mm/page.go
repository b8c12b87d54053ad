package mm

import (
	"math"

	"github.com/too-r/lambdaOS/kernel"
)

var errNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they cannot satisfy an
// allocation request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address where this Frame begins.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the
// frame that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address where this Page begins.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
//
// The MMU cannot issue non-canonical addresses so asking for the page of
// one indicates a bug in the caller; PageFromAddress panics with a
// *kernel.Error in that case.
func PageFromAddress(virtAddr uintptr) Page {
	if virtAddr >= lowCanonicalLimit && virtAddr < highCanonicalBase {
		panic(errNonCanonicalAddress)
	}

	return Page(virtAddr >> PageShift)
}

// FrameIter yields the members of a frame range in ascending order. The
// zero value is an exhausted iterator. Copying an iterator snapshots its
// position so the same range can be walked multiple times.
type FrameIter struct {
	next, limit Frame
}

// FrameRange returns an iterator over the frames from first to last
// inclusive. Ranges where first exceeds last contain no frames.
func FrameRange(first, last Frame) FrameIter {
	if first > last {
		return FrameIter{}
	}

	return FrameIter{next: first, limit: last + 1}
}

// Next returns the next frame in the range. It returns InvalidFrame and
// false once the range is exhausted.
func (it *FrameIter) Next() (Frame, bool) {
	if it.next >= it.limit {
		return InvalidFrame, false
	}

	frame := it.next
	it.next++
	return frame, true
}

// PageIter yields the members of a page range in ascending order. The zero
// value is an exhausted iterator. Copying an iterator snapshots its
// position so the same range can be walked multiple times.
type PageIter struct {
	next, limit Page
}

// PageRange returns an iterator over the pages from first to last
// inclusive. Ranges where first exceeds last contain no pages.
func PageRange(first, last Page) PageIter {
	if first > last {
		return PageIter{}
	}

	return PageIter{next: first, limit: last + 1}
}

// Next returns the next page in the range. It returns 0 and false once the
// range is exhausted.
func (it *PageIter) Next() (Page, bool) {
	if it.next >= it.limit {
		return 0, false
	}

	page := it.next
	it.next++
	return page, true
}

// FrameAllocator is implemented by physical frame allocators.
//
// AllocFrames reserves count physically contiguous frames and returns the
// first one. FreeFrame releases a single frame that was previously handed
// out by the same allocator.
type FrameAllocator interface {
	AllocFrames(count int) (Frame, *kernel.Error)
	FreeFrame(frame Frame) *kernel.Error
}
