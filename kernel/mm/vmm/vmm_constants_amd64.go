package vmm

const (
	// pageLevels is the number of page table levels the MMU walks through
	// when it translates a virtual address.
	pageLevels = uint8(4)

	// tableEntryCount is the number of entries in a page table at any
	// level.
	tableEntryCount = uintptr(512)

	// tableIndexBits is the number of virtual address bits that select an
	// entry within a single page table.
	tableIndexBits = uintptr(9)

	// recursiveIndex is the level 4 entry that points back at the level 4
	// table itself. With the recursive entry in place every table of the
	// active hierarchy is addressable without any dedicated mappings.
	recursiveIndex = tableEntryCount - 1

	// pdtVirtualAddr is the virtual address through which the active
	// level 4 table can be accessed; it is formed by selecting the
	// recursive entry at every level.
	pdtVirtualAddr = uintptr(0xfffffffffffff000)

	// tempMappingAddr is a reserved page-aligned virtual address used by
	// the kernel whenever it needs to temporarily access the contents of
	// a physical frame. Its level 4 index (510) keeps it clear of the
	// recursively mapped region.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// ptePhysPageMask selects the bits of a page table entry that encode
	// the physical frame address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

// pageLevelShifts lists the virtual address bit offset of the table index
// for each level, starting with level 4.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when an entry maps a 2Mb page instead of linking
	// to a level 1 table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
