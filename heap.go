package hooking

import "sync"

// hookHeap is the process-wide, page-granular region that holds
// trampolines, call stubs, and call-stub-address slots (spec.md §3/§4.B).
// One allocation is made lazily on first use and is never freed for the
// life of the process.
type hookHeap struct {
	ctl MemoryController

	mu         sync.Mutex
	allocation *AllocationInfo
	written    int
}

// globalHeap is the singleton used by Create/ByName. It is a package-level
// var rather than a sync.Once-guarded pointer because its zero value (no
// allocation yet) is already valid and every method takes the mutex before
// touching state, matching the Rust source's static HookHeap<...> that is
// const-constructible and lazily allocated on first get_handle().
var globalHeap = &hookHeap{ctl: defaultMemoryController}

func (h *hookHeap) ensureAllocated(minSize int) error {
	if h.allocation != nil {
		return nil
	}
	info, err := h.ctl.Allocate(minSize)
	if err != nil {
		return err
	}
	h.allocation = &info
	return nil
}

// heapHandle is held across a sequence of reservations/writes under the
// heap's mutex (spec.md §4.B: "the single mutex serializes all writes
// process-wide"). Obtained via getHandle.
type heapHandle struct {
	heap *hookHeap
}

// getHandle locks the heap, allocating it on first use, and returns a
// handle good until release() is called.
func (h *hookHeap) getHandle() (*heapHandle, error) {
	h.mu.Lock()
	if err := h.ensureAllocated(cfg.HeapMinSize); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	return &heapHandle{heap: h}, nil
}

func (hh *heapHandle) release() {
	hh.heap.mu.Unlock()
}

func (hh *heapHandle) writeAddress() uintptr {
	h := hh.heap
	return h.allocation.Start + uintptr(h.written)
}

func (hh *heapHandle) reserve(size int) (uintptr, error) {
	h := hh.heap
	if h.written+size > h.allocation.AllocationSize {
		return 0, &OutOfHeap{Needs: h.written + size, Has: h.allocation.AllocationSize}
	}
	addr := h.allocation.Start + uintptr(h.written)
	h.written += size
	return addr, nil
}

func (hh *heapHandle) setProtection(prot MemoryProtection) error {
	h := hh.heap
	_, err := h.ctl.SetProtection(h.allocation.Start, h.allocation.AllocationSize, prot)
	return err
}

// heapWriteHandle is a scoped, exclusive writer over the hook heap: its
// constructor flips the whole allocation to ReadWrite, and release() flips
// it back to ReadExecute, matching spec.md §3's "at rest" invariant. Only
// one may exist at a time because obtaining it requires the heap's handle,
// which is already mutex-guarded.
type heapWriteHandle struct {
	handle *heapHandle
}

// beginHeapWrite acquires a heap handle and flips protection to ReadWrite. The
// caller must call release() (typically via defer) exactly once, which
// restores ReadExecute and releases the underlying mutex.
func beginHeapWrite() (*heapWriteHandle, error) {
	handle, err := globalHeap.getHandle()
	if err != nil {
		return nil, err
	}
	if err := handle.setProtection(ProtReadWrite); err != nil {
		handle.release()
		return nil, err
	}
	return &heapWriteHandle{handle: handle}, nil
}

func (w *heapWriteHandle) writeAddress() uintptr {
	return w.handle.writeAddress()
}

func (w *heapWriteHandle) reserve(size int) (uintptr, error) {
	return w.handle.reserve(size)
}

// writeBytes reserves len(buf) bytes and copies buf into them, returning the
// address the bytes now live at.
func (w *heapWriteHandle) writeBytes(buf []byte) (uintptr, error) {
	addr, err := w.handle.reserve(len(buf))
	if err != nil {
		return 0, err
	}
	writeMemory(addr, buf)
	return addr, nil
}

// release restores the heap to ReadExecute and releases the handle's lock.
// A failure here is program-fatal (spec.md §4.B: "if page-protection
// restore on drop fails, the program aborts") since the heap would
// otherwise be left both writable and executable.
func (w *heapWriteHandle) release() {
	defer w.handle.release()
	if err := w.handle.setProtection(ProtReadExecute); err != nil {
		panic(&CantSetProtection{Addr: w.handle.heap.allocation.Start, Err: err})
	}
}
