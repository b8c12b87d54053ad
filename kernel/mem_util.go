package kernel

import (
	"reflect"
	"unsafe"
)

// Memset fills size bytes starting at addr with value. The target region is
// accessed through a fabricated slice header, so addr must point to memory
// that is mapped and writable.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	region := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))

	// Seed the first byte and then duplicate the filled prefix until it
	// covers the whole region.
	region[0] = value
	for filled := 1; filled < len(region); filled *= 2 {
		copy(region[filled:], region[:filled])
	}
}

// Memcopy copies size bytes from src to dst. The two regions must not
// overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcRegion := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: src,
		Len:  int(size),
		Cap:  int(size),
	}))
	dstRegion := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: dst,
		Len:  int(size),
		Cap:  int(size),
	}))

	copy(dstRegion, srcRegion)
}
