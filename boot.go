package main

import "github.com/too-r/lambdaOS/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away
// the real kernel code.
//
// The rt0 assembly code never invokes main; it jumps straight to
// kmain.Kmain after populating its arguments with the values handed over by
// the bootloader. Global variables are passed as arguments to prevent the
// compiler from inlining the actual call and removing Kmain from the
// generated .o file.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
