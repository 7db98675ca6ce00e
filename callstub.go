package hooking

// CallStub is implemented in callstub_amd64.s. It must be the destination
// function's first executed instruction: the trampoline loads the call
// stub's address into R10 immediately before jumping to the destination,
// and R10 is a Go ABIInternal argument/scratch register, so anything
// executed ahead of CallStub - a Go call's own prologue, another function
// call - is free to clobber it. A Go wrapper around an assembly register
// read would already have done so by the time it ran.
//
// Grounded on the original Rust source's original_function_ptr
// (hooking/src/lib.rs), which reads r10 via inline asm for the same
// reason.
func CallStub() uintptr
