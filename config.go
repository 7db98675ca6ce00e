package hooking

import "github.com/xyproto/env/v2"

// config holds the tunables the teacher hard-coded as literals
// (trampoline buffer size, Windows near-allocation retry budget). They are
// read once from the environment at package init so a host process can
// override them without a CLI (which is out of scope for this library, per
// spec.md §1) while still giving every value a sane built-in default.
type config struct {
	// HeapMinSize is the minimum size requested the first time the hook
	// heap is allocated, in bytes. Rounded up to a whole page by the
	// memory controller.
	HeapMinSize int

	// WindowsAllocRetries bounds the sequential-page probing the Windows
	// near-allocation policy performs before falling back to any-address
	// allocation (spec.md §4.A, §9).
	WindowsAllocRetries int

	// WindowsAllocPageStride is how many pages each failed probe advances
	// by before retrying VirtualAlloc.
	WindowsAllocPageStride int
}

var cfg = loadConfig()

func loadConfig() config {
	return config{
		HeapMinSize:            env.IntOr("HOOKING_HEAP_MIN_SIZE", 0),
		WindowsAllocRetries:    env.IntOr("HOOKING_WIN_ALLOC_RETRIES", 0x1000),
		WindowsAllocPageStride: env.IntOr("HOOKING_WIN_ALLOC_PAGE_STRIDE", 1),
	}
}
