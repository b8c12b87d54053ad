package vmm

import (
	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/cpu"
	"github.com/too-r/lambdaOS/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to FlushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrNotMapped is returned when a lookup, an unmap or a table walk
	// reaches an entry that is not present.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAlreadyMapped     = &kernel.Error{Module: "vmm", Message: "page is already mapped to a frame"}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Mapper edits the mappings of the page table hierarchy that the recursive
// entry of the active level 4 table exposes. Under normal operation that is
// the hierarchy the MMU translates through; while ActivePageTable.With has
// repointed the recursive entry, the same operations edit the inactive
// hierarchy instead.
type Mapper struct {
	p4 pageTable
}

// p1For descends the hierarchy and returns the level 1 table that holds the
// entry for page.
func (m *Mapper) p1For(page mm.Page) (pageTable, *kernel.Error) {
	var err *kernel.Error

	table := m.p4
	for table.level > 1 {
		if table, err = table.nextTable(table.indexOf(page)); err != nil {
			return pageTable{}, err
		}
	}

	return table, nil
}

// TranslatePage returns the frame that page is currently mapped to. It
// returns ErrNotMapped if the walk reaches a non-present entry at any level.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	p1, err := m.p1For(page)
	if err != nil {
		return mm.InvalidFrame, err
	}

	pte := p1.entryAt(p1.indexOf(page))
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrNotMapped
	}

	return pte.Frame(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + PageOffset(virtAddr), nil
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Missing tables at the intermediate paging levels are initialized
// using frames from the supplied allocator. The entry is always flagged as
// present in addition to the requested flags.
//
// MapTo returns errAlreadyMapped without touching anything if the page
// already holds a live mapping; the existing mapping must be unmapped
// first.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	table := m.p4
	for table.level > 1 {
		if table, err = table.nextTableCreate(table.indexOf(page), alloc); err != nil {
			return err
		}
	}

	pte := table.entryAt(table.indexOf(page))
	if *pte != 0 {
		return errAlreadyMapped
	}

	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	flushTLBEntryFn(page.Address())
	return nil
}

// Map reserves a free physical frame and maps page to it.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return err
	}

	return m.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps the page at the frame's own address to the frame so that
// virtual and physical addresses coincide for it.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return m.MapTo(mm.PageFromAddress(frame.Address()), frame, flags, alloc)
}

// Unmap removes the mapping for page and returns the frame it pointed to.
// Ownership of the frame passes to the caller; the tables that were walked
// to reach the entry are left in place. Unmap returns ErrNotMapped if the
// page does not hold a live mapping.
func (m *Mapper) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	p1, err := m.p1For(page)
	if err != nil {
		return mm.InvalidFrame, err
	}

	pte := p1.entryAt(p1.indexOf(page))
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrNotMapped
	}

	frame := pte.Frame()
	*pte = 0
	flushTLBEntryFn(page.Address())
	return frame, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
