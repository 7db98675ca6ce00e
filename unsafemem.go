package hooking

import "unsafe"

// rawMemoryView builds a zero-copy []byte over size bytes starting at addr.
// It performs no validation; callers must already know the range is mapped
// (this package never calls it on addresses it hasn't itself allocated or
// that the OS hasn't already told us are valid, e.g. a resolved symbol
// address or a page returned by Allocate).
func rawMemoryView(addr uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// unsafeSliceAddr returns the address of a slice's backing array.
func unsafeSliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// readMemory copies n bytes starting at addr into a fresh slice.
func readMemory(addr uintptr, n int) []byte {
	out := make([]byte, n)
	copy(out, rawMemoryView(addr, n))
	return out
}

// writeMemory copies data into the len(data) bytes starting at addr.
func writeMemory(addr uintptr, data []byte) {
	copy(rawMemoryView(addr, len(data)), data)
}
