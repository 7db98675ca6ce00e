package hooking

import (
	"fmt"
	"math"
	"sync"
)

const ptrSize = 8

// hookedTargets tracks target addresses that already have an active hook so
// a second Create/ByName on the same address is rejected rather than left
// as undefined chaining behavior (spec.md §9, open question resolved:
// hooking the same target twice is forbidden explicitly). Guarded by its own
// mutex, which Create holds from the check through the insert so two
// concurrent Create calls on one address cannot both succeed.
var hookedTargets = struct {
	mu sync.Mutex
	m  map[uintptr]struct{}
}{m: make(map[uintptr]struct{})}

// Hook records everything needed to apply, remove, and re-apply an inline
// patch (spec.md §3). It is immutable after creation except for the
// internal applied flag.
type Hook struct {
	TargetAddress uintptr
	PatchBytes    []byte
	OriginalBytes []byte
	// TrampolineView and CallStubView are zero-copy views over the hook
	// heap; they stay valid for the life of the process since the heap
	// never reuses or frees a region once reserved.
	TrampolineView []byte
	CallStubView   []byte

	applied bool
}

// ByName resolves symbol (optionally scoped to module) via the process's
// memory controller and creates a hook redirecting it to destination
// (spec.md §6, Hook.by_name).
func ByName(module, symbol string, destination uintptr) (*Hook, error) {
	if destination == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDestination, symbol)
	}
	target, err := defaultMemoryController.ResolveSymbol(module, symbol)
	if err != nil {
		return nil, err
	}
	return Create(target, destination)
}

// Create prepares an inline hook redirecting target to destination,
// returning a Hook in the Unapplied state (spec.md §4.D, §6); the target's
// bytes are not touched until ApplyHook.
func Create(target, destination uintptr) (*Hook, error) {
	if target == 0 {
		return nil, ErrInvalidTarget
	}
	if destination == 0 {
		return nil, ErrNoDestination
	}

	hookedTargets.mu.Lock()
	defer hookedTargets.mu.Unlock()
	if _, already := hookedTargets.m[target]; already {
		return nil, ErrAlreadyHooked
	}

	hook, err := writeHookTable(target, destination)
	if err != nil {
		return nil, err
	}

	hookedTargets.m[target] = struct{}{}

	return hook, nil
}

// writeHookTable is HookWriter::write_hook_table from spec.md §4.D, steps
// 1-9.
func writeHookTable(target, destination uintptr) (*Hook, error) {
	w, err := beginHeapWrite() // step 1: acquire a WriteHandle
	if err != nil {
		return nil, err
	}
	defer w.release()

	callStubSlot, err := w.reserve(ptrSize) // step 2: reserve 8 bytes for the call-stub slot S
	if err != nil {
		return nil, err
	}

	eip := w.writeAddress() // step 3: record eip as the current heap cursor

	trampoline, err := assembleTrampoline(eip, destination, callStubSlot) // step 4
	if err != nil {
		return nil, err
	}
	trampolineAddr, err := w.writeBytes(trampoline)
	if err != nil {
		return nil, err
	}
	trampolineView := rawMemoryView(trampolineAddr, len(trampoline))

	// step 5: the patch jumps to the trampoline's start address.
	patchSize, err := requiredPatchSize(target, trampolineAddr)
	if err != nil {
		return nil, err
	}
	patchBytes, err := assemblePatch(target, trampolineAddr)
	if err != nil {
		return nil, err
	}
	if len(patchBytes) != patchSize {
		return nil, &AssemblyError{Op: "write_hook_table", Err: ErrRelocationFailed}
	}

	// step 6: relocate T[0..P] into the heap with a tail jump back to T+P.
	callStubEip := w.writeAddress()
	callStub, err := relocateInstructions(callStubEip, target, patchSize, true)
	if err != nil {
		return nil, err
	}
	callStubAddr, err := w.writeBytes(callStub)
	if err != nil {
		return nil, err
	}
	callStubView := rawMemoryView(callStubAddr, len(callStub))

	// step 7: fill in the call-stub slot now that its address is known.
	writeMemory(callStubSlot, encodeImm64(uint64(callStubAddr)))

	// step 8: snapshot the target's original bytes, captured before any
	// write has touched the target (the heap writes above never touch T).
	originalBytes := readMemory(target, patchSize)

	// step 9: return an Unapplied hook.
	return &Hook{
		TargetAddress:  target,
		PatchBytes:     patchBytes,
		OriginalBytes:  originalBytes,
		TrampolineView: trampolineView,
		CallStubView:   callStubView,
		applied:        false,
	}, nil
}

// requiredPatchSize returns P, the length of assemblePatch's JMP rel32
// (always 5 bytes for this architecture), and validates the
// PatchOutOfRange precondition from spec.md §4.D before the patch and call
// stub are emitted. By then the call-stub slot and trampoline have already
// been written to the heap; on failure those bytes stay reserved.
func requiredPatchSize(target, trampolineAddr uintptr) (int, error) {
	const patchLen = 5
	diff := int64(trampolineAddr) - int64(target)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return 0, ErrPatchOutOfRange
	}
	return patchLen, nil
}

// ApplyHook writes PatchBytes into the target. Calling it when already
// applied is a no-op (spec.md §4.D state machine).
func (h *Hook) ApplyHook() error {
	if h.applied {
		return nil
	}
	if err := patchTarget(h.TargetAddress, h.PatchBytes); err != nil {
		return err
	}
	h.applied = true
	return nil
}

// RemoveHook writes OriginalBytes back into the target, restoring its
// pre-hook behavior. Calling it when not applied is a no-op.
func (h *Hook) RemoveHook() error {
	if !h.applied {
		return nil
	}
	if err := patchTarget(h.TargetAddress, h.OriginalBytes); err != nil {
		return err
	}
	h.applied = false
	return nil
}

// Applied reports whether the hook's patch is currently installed.
func (h *Hook) Applied() bool { return h.applied }

// patchTarget flips the target's page to ReadWrite, copies patch into it,
// and restores the page's previous protection - spec.md §4.D's
// apply_hook/remove_hook body, shared since both directions are "copy P
// bytes under a scoped RW guard".
func patchTarget(target uintptr, patch []byte) error {
	guard, err := defaultMemoryController.ProtectionGuardForPage(target, ProtReadWrite, nil)
	if err != nil {
		return err
	}
	defer guard.Release()

	writeMemory(target, patch)
	return nil
}
