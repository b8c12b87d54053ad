// Package kfmt provides a minimal, allocation-free Printf implementation
// that kernel code can use at any point during boot, before the Go runtime
// and its allocator have been bootstrapped.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the size of the scratch buffer used when formatting
// numbers. It is large enough for a zero-padded 64-bit value in base 8 plus
// a sign.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf is the scratch space where fmtInt assembles numbers. It is
	// filled right to left so no reversal step is needed.
	numFmtBuf [maxBufSize]byte

	// singleByte is a shared one-byte buffer for emitting characters;
	// slicing a string argument would trigger an allocation.
	singleByte = []byte{0}

	// earlyPrintBuffer captures Printf output generated before an output
	// sink has been registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer that receives Printf output. While it is
	// nil, output accumulates in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the target for Printf output and replays any
// output buffered so far into it. The replay goes through the shared
// one-byte buffer to keep this function allocation-free.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	for {
		n, _ := earlyPrintBuffer.Read(singleByte)
		if n == 0 {
			return
		}
		w.Write(singleByte)
	}
}

// Printf formats its arguments and writes them to the registered output
// sink, or to the early boot ring buffer while no sink exists.
//
// The supported verb subset is:
//
//	%s  string or byte slice
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 with lower-case digits
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Narrow strings and base-10
// integers are left-padded with spaces up to the width; base-8 and base-16
// integers are left-padded with zeroes. All built-in integer types are
// accepted. Pointer formatting is deliberately unsupported: %p would pull in
// reflect, whose interface conversions allocate.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but sends the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		index    int
		fmtLen   = len(format)
	)

	for index < fmtLen {
		ch := format[index]
		if ch != '%' {
			emitByte(w, ch)
			index++
			continue
		}

		// Scan the optional width followed by the verb.
		width = 0
		index++
	scanVerb:
		for ; index < fmtLen; index++ {
			switch ch = format[index]; {
			case ch == '%':
				emitByte(w, '%')
				index++
				break scanVerb
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
			case ch == 'd' || ch == 'o' || ch == 'x' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					index++
					break scanVerb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[argIndex], 8, width)
				case 'd':
					fmtInt(w, args[argIndex], 10, width)
				case 'x':
					fmtInt(w, args[argIndex], 16, width)
				case 's':
					fmtString(w, args[argIndex], width)
				case 't':
					fmtBool(w, args[argIndex])
				}

				argIndex++
				index++
				break scanVerb
			default:
				// not a supported verb; flag it and keep scanning
				doWrite(w, errNoVerb)
			}
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool emits "true" or "false" for boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	val, ok := v.(bool)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if val {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

// fmtString emits string or byte-slice value v, left-padded with spaces up
// to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		for pad := width - len(val); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		// emit byte by byte; a string to []byte conversion allocates
		for i := 0; i < len(val); i++ {
			emitByte(w, val[i])
		}
	case []byte:
		for pad := width - len(val); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		doWrite(w, val)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt emits integer value v in the requested base. Base-10 values narrower
// than width are left-padded with spaces and carry their sign inside the
// padded area; base-8 and base-16 values are left-padded with zeroes and a
// sign is prepended in front of the padding.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uintptr:
		uval = uint64(val)
	case int8:
		negative = val < 0
		uval = uint64(val)
	case int16:
		negative = val < 0
		uval = uint64(val)
	case int32:
		negative = val < 0
		uval = uint64(val)
	case int64:
		negative = val < 0
		uval = uint64(val)
	case int:
		negative = val < 0
		uval = uint64(val)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if negative {
		uval = -uval
	}

	// Leave room for a sign in front of a fully padded number.
	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits grow right to left from the end of the scratch buffer.
	pos := maxBufSize
	for {
		digit := byte(uval % uint64(base))
		pos--
		if digit < 10 {
			numFmtBuf[pos] = '0' + digit
		} else {
			numFmtBuf[pos] = 'a' + digit - 10
		}

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	digitStart := pos
	for maxBufSize-pos < width {
		pos--
		numFmtBuf[pos] = padCh
	}

	if negative {
		if padCh == ' ' && pos < digitStart {
			// consume one pad slot so the sign hugs the digits
			numFmtBuf[digitStart-1] = '-'
		} else {
			pos--
			numFmtBuf[pos] = '-'
		}
	}

	doWrite(w, numFmtBuf[pos:])
}

// emitByte sends a single byte to w via the shared one-byte buffer.
func emitByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis before handing it to the writer.
// Without this indirection the compiler cannot prove that the yet unknown
// outputSink keeps no reference to p, flags it as escaping, and emits a call
// to runtime.convT2E whose allocation would crash the kernel when Printf
// runs before the Go allocator exists.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. Copied from
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
