package vmm

import (
	"unsafe"

	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the page table entry that entryAddr
	// points at. It is used by tests to redirect entry accesses to fake
	// table storage so the recursive addressing scheme can be properly
	// tested. When compiling the kernel this function will be
	// automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	errNoNextTable = &kernel.Error{Module: "vmm", Message: "level 1 tables do not link to child tables"}
)

// pageTable provides access to a single table of the active page table
// hierarchy through its recursively mapped virtual address. level tracks
// the table's position in the hierarchy with pageLevels being the top-most
// level.
type pageTable struct {
	addr  uintptr
	level uint8
}

// p4Table returns the top-most table of the active hierarchy.
func p4Table() pageTable {
	return pageTable{addr: pdtVirtualAddr, level: pageLevels}
}

// entryAt returns a pointer to the table entry at index.
func (t pageTable) entryAt(index uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(t.addr + (index << mm.PointerShift)))
}

// indexOf returns the index of the entry within this table that the
// translation of page goes through.
func (t pageTable) indexOf(page mm.Page) uintptr {
	return (page.Address() >> uintptr(pageLevelShifts[pageLevels-t.level])) & (tableEntryCount - 1)
}

// childAddress returns the virtual address of the table linked at index.
// Shifting the table address left by tableIndexBits adds one level of MMU
// indirection through the recursive entry; the shift wraps modulo 2^64 so
// the generated addresses remain canonical.
func (t pageTable) childAddress(index uintptr) uintptr {
	return (t.addr << tableIndexBits) | (index << mm.PageShift)
}

// zero clears every entry in the table.
func (t pageTable) zero() {
	for index := uintptr(0); index < tableEntryCount; index++ {
		*t.entryAt(index) = 0
	}
}

// nextTable returns the table linked at index. It returns ErrNotMapped if
// the entry is not present and errNoHugePageSupport if the entry maps a
// huge page instead of linking to a child table. Level 1 tables have no
// children; asking for one indicates a bug in the caller and panics.
func (t pageTable) nextTable(index uintptr) (pageTable, *kernel.Error) {
	if t.level == 1 {
		panic(errNoNextTable)
	}

	entry := t.entryAt(index)
	if !entry.HasFlags(FlagPresent) {
		return pageTable{}, ErrNotMapped
	}

	if entry.HasFlags(FlagHugePage) {
		return pageTable{}, errNoHugePageSupport
	}

	return pageTable{addr: t.childAddress(index), level: t.level - 1}, nil
}

// nextTableCreate returns the table linked at index. If the entry is empty,
// a frame for a new table is reserved with alloc, linked at index and
// zeroed before the walk continues.
func (t pageTable) nextTableCreate(index uintptr, alloc mm.FrameAllocator) (pageTable, *kernel.Error) {
	next, err := t.nextTable(index)
	if err != ErrNotMapped {
		return next, err
	}

	frame, allocErr := alloc.AllocFrames(1)
	if allocErr != nil {
		return pageTable{}, allocErr
	}

	entry := t.entryAt(index)
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagRW)

	next = pageTable{addr: t.childAddress(index), level: t.level - 1}
	next.zero()
	return next, nil
}
