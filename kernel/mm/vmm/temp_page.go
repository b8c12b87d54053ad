package vmm

import (
	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/mm"
)

var (
	errTempPageInUse     = &kernel.Error{Module: "vmm", Message: "temporary page already holds a mapping"}
	errTinyPoolExhausted = &kernel.Error{Module: "vmm", Message: "tiny frame pool is exhausted"}
	errTinyPoolCount     = &kernel.Error{Module: "vmm", Message: "tiny frame pool only serves single frame allocations"}
	errTinyPoolFull      = &kernel.Error{Module: "vmm", Message: "tiny frame pool cannot hold more frames"}
)

// tinyPoolSize is the number of frames a TemporaryPage keeps in reserve:
// one for each intermediate table (levels 3, 2 and 1) that mapping
// tempMappingAddr may need to create.
const tinyPoolSize = 3

// tinyFramePool is a fixed-capacity frame allocator that backs the
// intermediate tables of the temporary page's own mapping. Keeping these
// frames in reserve allows the temporary page to operate while the regular
// allocators are not usable, for example in the middle of an address space
// switch.
type tinyFramePool struct {
	frames [tinyPoolSize]mm.Frame
	count  int
}

// fill tops up the pool with frames from alloc.
func (p *tinyFramePool) fill(alloc mm.FrameAllocator) *kernel.Error {
	for p.count < tinyPoolSize {
		frame, err := alloc.AllocFrames(1)
		if err != nil {
			return err
		}

		p.frames[p.count] = frame
		p.count++
	}

	return nil
}

// AllocFrames pops a frame off the pool. The pool is sized for the tables
// of a single page mapping so only single frame requests are served.
func (p *tinyFramePool) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count != 1 {
		return mm.InvalidFrame, errTinyPoolCount
	}

	if p.count == 0 {
		return mm.InvalidFrame, errTinyPoolExhausted
	}

	p.count--
	return p.frames[p.count], nil
}

// FreeFrame pushes a frame back onto the pool.
func (p *tinyFramePool) FreeFrame(frame mm.Frame) *kernel.Error {
	if p.count == tinyPoolSize {
		return errTinyPoolFull
	}

	p.frames[p.count] = frame
	p.count++
	return nil
}

// TemporaryPage provides scratch access to the contents of one physical
// frame at a time by mapping it at the reserved tempMappingAddr address.
// The kernel uses it to reach frames that are not otherwise addressable,
// such as the tables of an address space that is still under construction.
type TemporaryPage struct {
	page mm.Page
	pool tinyFramePool
}

// Init points the temporary page at its reserved address and fills the
// backing frame pool from alloc.
func (t *TemporaryPage) Init(alloc mm.FrameAllocator) *kernel.Error {
	t.page = mm.PageFromAddress(tempMappingAddr)
	return t.pool.fill(alloc)
}

// Map makes the contents of frame accessible at the temporary page address
// and returns the page. The mapping is writable and the page must not
// already be in use; callers pair each Map with an Unmap.
func (t *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) (mm.Page, *kernel.Error) {
	if _, err := active.TranslatePage(t.page); err == nil {
		return 0, errTempPageInUse
	} else if err != ErrNotMapped {
		return 0, err
	}

	if err := active.MapTo(t.page, frame, FlagRW, &t.pool); err != nil {
		return 0, err
	}

	return t.page, nil
}

// mapTableFrame maps frame at the temporary page address and interprets its
// contents as a page table. The returned table is addressed through the
// temporary mapping rather than the recursive entry, so tables linked from
// its entries are not reachable through it.
func (t *TemporaryPage) mapTableFrame(frame mm.Frame, active *ActivePageTable) (pageTable, *kernel.Error) {
	if _, err := t.Map(frame, active); err != nil {
		return pageTable{}, err
	}

	return pageTable{addr: t.page.Address(), level: pageLevels}, nil
}

// Unmap releases the temporary mapping and returns the frame that was
// accessible through it.
func (t *TemporaryPage) Unmap(active *ActivePageTable) (mm.Frame, *kernel.Error) {
	return active.Unmap(t.page)
}
