package vmm

import (
	"unsafe"

	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/kfmt"
	"github.com/too-r/lambdaOS/kernel/mm"
	"github.com/too-r/lambdaOS/kernel/sync"
	"github.com/too-r/lambdaOS/multiboot"
)

// defaultVideoRAMAddr is the physical address of the EGA text-mode video
// RAM. It is used when the bootloader does not describe a framebuffer.
const defaultVideoRAMAddr = uintptr(0xb8000)

var (
	// visitElfSectionsFn is used by tests and is automatically inlined by
	// the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections

	// getFramebufferInfoFn is used by tests and is automatically inlined
	// by the compiler.
	getFramebufferInfoFn = multiboot.GetFramebufferInfo

	// infoRegionFn is used by tests and is automatically inlined by the
	// compiler.
	infoRegionFn = multiboot.InfoRegion

	// withoutInterruptsFn is used by tests to override calls to
	// sync.WithoutInterrupts which fault if executed in user-mode.
	withoutInterruptsFn = sync.WithoutInterrupts

	errUnalignedSection = &kernel.Error{Module: "vmm", Message: "kernel ELF sections must start on a page boundary"}
)

// PagingInit replaces the rough page tables set up by the boot assembly
// with a hierarchy that maps every kernel ELF section with flags matching
// its attributes, the video RAM page and the frames holding the multiboot
// info structure. The frames for the new tables are reserved with alloc.
//
// After the switch the page of the boot level 4 table is unmapped and
// returned to the caller. Any access to it faults from now on, which turns
// it into a guard page for the boot stack that grows right above it.
func PagingInit(alloc mm.FrameAllocator) (ActivePageTable, mm.Page, *kernel.Error) {
	var (
		active   = NewActivePageTable()
		tempPage TemporaryPage
		newTable InactivePageTable
	)

	if err := tempPage.Init(alloc); err != nil {
		return active, 0, err
	}

	p4Frame, err := alloc.AllocFrames(1)
	if err != nil {
		return active, 0, err
	}

	if err = newTable.Init(p4Frame, &active, &tempPage); err != nil {
		return active, 0, err
	}

	// An interrupt arriving while the recursive entry points at the new
	// hierarchy would let its handler edit the wrong tables.
	withoutInterruptsFn(func() {
		err = active.With(&newTable, &tempPage, func(mapper *Mapper) *kernel.Error {
			return mapBootRegions(mapper, alloc)
		})
	})
	if err != nil {
		return active, 0, err
	}

	oldTable := active.Switch(&newTable)

	// The boot level 4 table lives inside the kernel image so the section
	// mappings above cover it; dropping its page leaves a guard hole
	// right below the boot stack.
	guardPage := mm.PageFromAddress(oldTable.p4Frame.Address())
	if _, err = active.Unmap(guardPage); err != nil {
		return active, 0, err
	}

	kfmt.Printf("[vmm] switched to kernel page table (PDT at 0x%x)\n", p4Frame.Address())
	kfmt.Printf("[vmm] guard page installed at 0x%x\n", guardPage.Address())

	return active, guardPage, nil
}

// mapBootRegions establishes the kernel mappings inside the address space
// that mapper currently edits: every allocated ELF section is identity
// mapped with flags derived from its attributes, followed by the video RAM
// page and the frames of the multiboot info structure.
func mapBootRegions(mapper *Mapper, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	visitor := func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if a previous section could not be mapped; sections
		// that are not loaded into memory need no mapping.
		if err != nil || (secFlags&multiboot.ElfSectionAllocated) == 0 {
			return
		}

		if secAddress&(mm.PageSize-1) != 0 {
			err = errUnalignedSection
			return
		}

		flags := FlagsFromElfSection(secFlags)
		first := mm.FrameFromAddress(secAddress)
		last := mm.FrameFromAddress(secAddress + uintptr(secSize) - 1)
		for it := mm.FrameRange(first, last); ; {
			frame, ok := it.Next()
			if !ok {
				break
			}

			if err = mapper.IdentityMap(frame, flags, alloc); err != nil {
				return
			}
		}
	}

	// Use the noescape hack to prevent the compiler from leaking the
	// visitor function literal to the heap.
	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)
	if err != nil {
		return err
	}

	// Keep the early console working after the switch.
	videoAddr := defaultVideoRAMAddr
	if fbInfo := getFramebufferInfoFn(); fbInfo != nil {
		videoAddr = uintptr(fbInfo.PhysAddr)
	}

	if err = mapper.IdentityMap(mm.FrameFromAddress(videoAddr), FlagRW, alloc); err != nil {
		return err
	}

	// The multiboot info region is read again after the switch, e.g. to
	// size the bitmap allocator pools.
	infoAddr, infoSize := infoRegionFn()
	first := mm.FrameFromAddress(infoAddr)
	last := mm.FrameFromAddress(infoAddr + infoSize - 1)
	for it := mm.FrameRange(first, last); ; {
		frame, ok := it.Next()
		if !ok {
			break
		}

		if err = mapper.IdentityMap(frame, 0, alloc); err != nil {
			return err
		}
	}

	return nil
}

// noEscape hides a pointer from escape analysis. This function is copied
// over from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
