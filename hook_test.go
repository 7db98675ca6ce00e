package hooking

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withFakeMemory swaps the package-level heap/controller singletons for
// fakes backed by plain Go memory, restoring the originals on cleanup. Tests
// that exercise Create/ApplyHook/RemoveHook need this since the real
// controllers mmap/VirtualAlloc actual OS pages.
func withFakeMemory(t *testing.T, heapSize int) *fakeController {
	t.Helper()
	ctl := newFakeController(heapSize)

	origCtl := defaultMemoryController
	origHeap := globalHeap
	defaultMemoryController = ctl
	globalHeap = &hookHeap{ctl: ctl}
	t.Cleanup(func() {
		defaultMemoryController = origCtl
		globalHeap = origHeap
	})
	return ctl
}

func makeNopTarget(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

func TestCreateApplyRemoveHook(t *testing.T) {
	withFakeMemory(t, 256)

	target := makeNopTarget(16)
	targetAddr := addrOf(target)
	var destSite byte
	destination := uintptr(unsafe.Pointer(&destSite))

	t.Cleanup(func() {
		hookedTargets.mu.Lock()
		delete(hookedTargets.m, targetAddr)
		hookedTargets.mu.Unlock()
	})

	hook, err := Create(targetAddr, destination)
	require.NoError(t, err)
	assert.False(t, hook.Applied())
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, hook.OriginalBytes)

	require.NoError(t, hook.ApplyHook())
	assert.True(t, hook.Applied())
	assert.Equal(t, byte(0xE9), target[0], "target must now start with JMP rel32")

	// Idempotent re-apply is a no-op, not a double patch.
	require.NoError(t, hook.ApplyHook())
	assert.Equal(t, byte(0xE9), target[0])

	require.NoError(t, hook.RemoveHook())
	assert.False(t, hook.Applied())
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, target[:5])

	// Idempotent remove.
	require.NoError(t, hook.RemoveHook())
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, target[:5])
}

func TestCreateRejectsDoubleHook(t *testing.T) {
	withFakeMemory(t, 256)

	target := makeNopTarget(16)
	targetAddr := addrOf(target)
	var destSite byte
	destination := uintptr(unsafe.Pointer(&destSite))

	t.Cleanup(func() {
		hookedTargets.mu.Lock()
		delete(hookedTargets.m, targetAddr)
		hookedTargets.mu.Unlock()
	})

	_, err := Create(targetAddr, destination)
	require.NoError(t, err)

	_, err = Create(targetAddr, destination)
	assert.ErrorIs(t, err, ErrAlreadyHooked)
}

func TestCreateRejectsNullAddresses(t *testing.T) {
	withFakeMemory(t, 256)

	_, err := Create(0, 0x1000)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	var x byte
	_, err = Create(uintptr(unsafe.Pointer(&x)), 0)
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestCreateFailsWhenHeapTooSmall(t *testing.T) {
	withFakeMemory(t, 4) // too small for a call-stub slot alone

	target := makeNopTarget(16)
	targetAddr := addrOf(target)
	var destSite byte
	destination := uintptr(unsafe.Pointer(&destSite))

	t.Cleanup(func() {
		hookedTargets.mu.Lock()
		delete(hookedTargets.m, targetAddr)
		hookedTargets.mu.Unlock()
	})

	_, err := Create(targetAddr, destination)
	var outOfHeap *OutOfHeap
	assert.ErrorAs(t, err, &outOfHeap)
}
