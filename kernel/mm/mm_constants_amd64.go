package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). Shifting an address right by
	// PageShift yields the number of the page that contains it.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// The MMU only walks 48-bit virtual addresses whose bits 63 to 48
	// replicate bit 47. The canonical address space consists of a low
	// half below lowCanonicalLimit and a high half starting at
	// highCanonicalBase; everything in between cannot be issued.
	lowCanonicalLimit = uintptr(1) << 47
	highCanonicalBase = ^(lowCanonicalLimit - 1)
)
