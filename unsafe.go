package ember

import (
	"fmt"
	"reflect"
	"unsafe"
)

// maxAllocSize is the size used when creating array pointers that index
// into a byte slice of unknown length via unsafe.Pointer arithmetic.
const maxAllocSize = 0x7FFFFFFF

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

// unsafeByteSlice returns a byte slice of length len starting at the
// address of base, offset by offset bytes, shifted by i0 and ending at i1
// (i.e. [base+offset+i0 : base+offset+i1)).
func unsafeByteSlice(base unsafe.Pointer, offset uintptr, i0, i1 int) []byte {
	return (*[maxAllocSize]byte)(unsafeAdd(base, offset))[i0:i1:i1]
}

// unsafeSlice modifies the data, len and cap of a slice variable pointed
// to by the first argument to reinterpret a region of memory as a slice of
// n elements without copying.
func unsafeSlice(slice, data unsafe.Pointer, n int) {
	s := (*reflect.SliceHeader)(slice)
	s.Data = uintptr(data)
	s.Cap = n
	s.Len = n
}

func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}
