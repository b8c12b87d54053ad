package kmain

import (
	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/kfmt"
	"github.com/too-r/lambdaOS/kernel/mm/pmm"
	"github.com/too-r/lambdaOS/kernel/mm/vmm"
	"github.com/too-r/lambdaOS/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain brings up the memory subsystem in three steps: the area frame
// allocator hands out frames straight off the multiboot memory map, paging
// is re-initialized on top of it and finally the bitmap allocator takes over
// frame management for the rest of the kernel's lifetime.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var (
		earlyAlloc pmm.AreaFrameAllocator
		frameAlloc pmm.BitmapAllocator
		err        *kernel.Error
	)

	if err = earlyAlloc.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	activeTable, _, err := vmm.PagingInit(&earlyAlloc)
	if err != nil {
		kfmt.Panic(err)
	}

	if err = frameAlloc.Init(&earlyAlloc, &activeTable); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
