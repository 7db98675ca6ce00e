package hooking

import "testing"

// callRawFunc is implemented in callraw_amd64_test.s.
func callRawFunc(addr uintptr) uintptr

// allocExecutableCode copies code into a fresh page from the real,
// OS-backed default memory controller and flips it to ReadExecute, for
// tests that need to actually run relocated or hand-assembled machine
// code rather than just inspect its emitted bytes.
func allocExecutableCode(t *testing.T, code []byte) uintptr {
	t.Helper()
	info, err := defaultMemoryController.Allocate(len(code))
	if err != nil {
		t.Fatalf("allocate executable page: %v", err)
	}
	writeMemory(info.Start, code)
	if _, err := defaultMemoryController.SetProtection(info.Start, info.AllocationSize, ProtReadExecute); err != nil {
		t.Fatalf("set executable protection: %v", err)
	}
	return info.Start
}
