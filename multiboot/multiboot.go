package multiboot

import (
	"reflect"
	"unsafe"
)

// infoData points to the multiboot information section handed over by the
// bootloader. It is set once via SetInfoPtr before any other function in
// this package runs.
var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// infoHeader describes the fixed header at the start of the multiboot
// information section.
type infoHeader struct {
	// Total size of the info section including this header.
	totalSize uint32

	// Always zero; reserved for future use.
	reserved uint32
}

// tagHeader precedes the content of each tag.
type tagHeader struct {
	tagType tagType

	// The tag size includes the header but not the padding that aligns the
	// next tag to an 8-byte boundary.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry that follows.
	entrySize uint32

	// The version of the entry format.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates a memory region that is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates a memory region that must not be used.
	MemReserved

	// MemAcpiReclaimable indicates a region holding ACPI tables that can be
	// reclaimed once they have been parsed.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Entries with a type value >= memUnknown are treated as MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a single region in the bootloader-provided
// physical memory map.
type MemoryMapEntry struct {
	// The physical address where the region begins.
	PhysAddress uint64

	// The region length in bytes.
	Length uint64

	// The region type.
	Type MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each entry in the
// memory map. Returning false aborts the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes visitor for each memory region described by the
// bootloader-provided memory map. Entries whose type is not understood are
// rewritten as MemReserved before being passed to the visitor.
func VisitMemRegions(visitor MemRegionVisitor) {
	tagPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(tagPtr))
	endPtr := tagPtr + uintptr(size)

	for curPtr := tagPtr + unsafe.Sizeof(*hdr); curPtr < endPtr; curPtr += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// FramebufferType defines the type of the bootloader-initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo describes the framebuffer set up by the bootloader.
type FramebufferInfo struct {
	// The physical address of the framebuffer.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels, or in characters for EGA text mode.
	Width, Height uint32

	// Bits per pixel (non-EGA modes only).
	Bpp uint8

	// The framebuffer type.
	Type FramebufferType

	reserved uint16
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the bootloader, or nil if the bootloader did not set one up.
func GetFramebufferInfo() *FramebufferInfo {
	tagPtr, size := findTagByType(tagFramebufferInfo)
	if size == 0 {
		return nil
	}

	return (*FramebufferInfo)(unsafe.Pointer(tagPtr))
}

// elfSectionsHeader describes the header of the ELF symbols tag. The section
// entries start at the data field.
type elfSectionsHeader struct {
	sectionCount uint16
	sectionSize  uint32
	strtabIndex  uint32
	data         [0]byte
}

// elfSection64 mirrors the layout of an ELF64 section header.
type elfSection64 struct {
	nameOffset uint32
	kind       uint32
	flags      uint64
	address    uint64
	offset     uint64
	size       uint64
	link       uint32
	info       uint32
	addrAlign  uint64
	entrySize  uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ELF section.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks a section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated marks a section that occupies memory when the
	// image is loaded (e.g. .bss).
	ElfSectionAllocated

	// ElfSectionExecutable marks a section containing executable code.
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked by VisitElfSections for each section of the
// loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// VisitElfSections invokes visitor for each non-empty ELF section of the
// loaded kernel image.
func VisitElfSections(visitor ElfSectionVisitor) {
	tagPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		hdr        = (*elfSectionsHeader)(unsafe.Pointer(tagPtr))
		entrySize  = unsafe.Sizeof(elfSection64{})
		entryPtr   = uintptr(unsafe.Pointer(&hdr.data))
		strtab     = (*elfSection64)(unsafe.Pointer(entryPtr + uintptr(hdr.strtabIndex)*entrySize))
		name       string
		nameHeader = (*reflect.StringHeader)(unsafe.Pointer(&name))
	)

	for i := uint16(0); i < hdr.sectionCount; i, entryPtr = i+1, entryPtr+entrySize {
		sec := (*elfSection64)(unsafe.Pointer(entryPtr))
		if sec.size == 0 {
			continue
		}

		// Section names are NULL-terminated strings inside the string
		// table section.
		nameStart := uintptr(strtab.address) + uintptr(sec.nameOffset)
		nameLen := uintptr(0)
		for *(*byte)(unsafe.Pointer(nameStart + nameLen)) != 0 {
			nameLen++
		}

		nameHeader.Data = nameStart
		nameHeader.Len = int(nameLen)

		visitor(name, ElfSectionFlag(sec.flags), uintptr(sec.address), sec.size)
	}
}

// SetInfoPtr registers the address of the multiboot information section.
// It must be invoked before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the address and total size of the multiboot
// information section so that memory allocators can avoid handing out frames
// that overlap it. It returns (0, 0) if no info pointer has been registered.
func InfoRegion() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}

	hdr := (*infoHeader)(unsafe.Pointer(infoData))
	return infoData, uintptr(hdr.totalSize)
}

// findTagByType scans the info section for the first tag of the wanted type
// and returns a pointer to the tag content together with the content length.
// It returns (0, 0) if the tag is not present.
func findTagByType(want tagType) (uintptr, uint32) {
	curPtr := infoData + unsafe.Sizeof(infoHeader{})

	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		switch hdr.tagType {
		case tagMbSectionEnd:
			return 0, 0
		case want:
			return curPtr + unsafe.Sizeof(tagHeader{}), hdr.size - uint32(unsafe.Sizeof(tagHeader{}))
		}

		// Tags start at 8-byte aligned addresses.
		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}
