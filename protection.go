package hooking

// MemoryProtection is the platform-neutral protection enum from spec.md §3.
// The zero value is ProtNoAccess so an unset field never accidentally reads
// as something executable or writable.
type MemoryProtection struct {
	kind protKind
	// native carries a platform protection constant verbatim when kind ==
	// protNative, so a guard can restore exactly what it observed on entry
	// (spec.md §3: "Native preserves a platform-specific value").
	native uint32
}

type protKind uint8

const (
	protNoAccess protKind = iota
	protReadWrite
	protReadExecute
	protNative
)

var (
	ProtNoAccess    = MemoryProtection{kind: protNoAccess}
	ProtReadWrite   = MemoryProtection{kind: protReadWrite}
	ProtReadExecute = MemoryProtection{kind: protReadExecute}
)

// ProtNative wraps a raw, OS-specific protection value (e.g. a Windows
// MEMORY_BASIC_INFORMATION.Protect constant) so it round-trips unchanged.
func ProtNative(raw uint32) MemoryProtection {
	return MemoryProtection{kind: protNative, native: raw}
}

func (p MemoryProtection) String() string {
	switch p.kind {
	case protNoAccess:
		return "NoAccess"
	case protReadWrite:
		return "ReadWrite"
	case protReadExecute:
		return "ReadExecute"
	default:
		return "Native"
	}
}

// MemoryProtectionGuard is a scoped protection change over [addr, addr+size).
// Construct with a MemoryController's ProtectionGuardForPage and release with Release (idiomatically via defer), mirroring the Rust
// source's Drop-based guard with an explicit call since Go has no
// destructors.
type MemoryProtectionGuard struct {
	ctl      MemoryController
	addr     uintptr
	size     int
	onExit   MemoryProtection
	released bool
}

func newProtectionGuard(ctl MemoryController, addr uintptr, size int, onEnter, onExit MemoryProtection) (*MemoryProtectionGuard, error) {
	if _, err := ctl.SetProtection(addr, size, onEnter); err != nil {
		return nil, err
	}
	return &MemoryProtectionGuard{ctl: ctl, addr: addr, size: size, onExit: onExit}, nil
}

// Release restores the protection captured (or specified) at construction
// time. Failing to restore protection is treated as a program-fatal
// condition per spec.md §7: leaving a page writable-and-executable, or an
// executable page unreadable, is not a state this library can safely
// continue from, so Release panics instead of returning an error. Callers
// should invoke it via defer immediately after a successful guard
// construction.
func (g *MemoryProtectionGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	if _, err := g.ctl.SetProtection(g.addr, g.size, g.onExit); err != nil {
		panic(&CantSetProtection{Addr: g.addr, Err: err})
	}
}

func (g *MemoryProtectionGuard) Addr() uintptr { return g.addr }
