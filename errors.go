package hooking

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is. Wrapped errors (CantSetProtection,
// OutOfHeap, AssemblyError) carry extra context and are matched with errors.As instead.
var (
	ErrHeapPoisoned     = errors.New("hook heap state is poisoned")
	ErrHeapNotAllocated = errors.New("hook heap accessed before allocation")
	ErrNoPageSize       = errors.New("failed to determine page size")
	ErrCantAllocate     = errors.New("failed to allocate page memory")
	ErrModuleNotFound   = errors.New("module not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrBadAddress       = errors.New("address is not usable for this operation")
	ErrRelocationFailed = errors.New("could not decode enough instructions to relocate patch region")
	ErrNoDestination    = errors.New("destination address for hook is null")
	ErrInvalidTarget    = errors.New("target address for hook is null or otherwise invalid")
	ErrPatchOutOfRange  = errors.New("trampoline is further than 2GiB from target, jmp rel32 cannot reach")
	ErrAlreadyHooked    = errors.New("target address already has an active hook")
)

// CantSetProtection reports a failed page-protection change, annotated with
// the address that was being protected (spec §7: "protection change failed
// (address annotated)").
type CantSetProtection struct {
	Addr uintptr
	Err  error
}

func (e *CantSetProtection) Error() string {
	return fmt.Sprintf("failed to set memory protection at %#x: %v", e.Addr, e.Err)
}

func (e *CantSetProtection) Unwrap() error { return e.Err }

// OutOfHeap reports that the hook heap does not have enough remaining
// capacity to satisfy a reservation.
type OutOfHeap struct {
	Needs int
	Has   int
}

func (e *OutOfHeap) Error() string {
	return fmt.Sprintf("not enough memory left in hook heap: needs %d, has %d", e.Needs, e.Has)
}

// AssemblyError wraps a decode/encode failure from the x86_64 assembler.
type AssemblyError struct {
	Op  string
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly error during %s: %v", e.Op, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
