package hooking

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsMemoryController implements MemoryController with
// VirtualAlloc/VirtualProtect/VirtualQuery/GetModuleHandleEx/GetProcAddress
// via golang.org/x/sys/windows, mirroring the teacher's direct
// syscall.NewLazyDLL("kernel32.dll") calls but through the higher-level,
// typed wrappers the rest of the ecosystem (e.g. the retrieved
// DarkiT-wireguard memmod_windows.go) reaches for instead of hand-rolled
// syscall.Proc.Call.
type windowsMemoryController struct {
	pageSize int

	protMu  sync.Mutex
	protMap map[uintptr]MemoryProtection
}

func newDefaultMemoryController() MemoryController {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return &windowsMemoryController{
		pageSize: int(info.PageSize),
		protMap:  make(map[uintptr]MemoryProtection),
	}
}

func (c *windowsMemoryController) PageSize() int { return c.pageSize }

// referenceCodeAddr returns the entry address of a function inside this
// package, used as the anchor the near-allocation policy probes outward
// from (spec.md §9: "a function in the controller's own code").
func referenceCodeAddr() uintptr {
	return reflect.ValueOf(referenceCodeAddr).Pointer()
}

func (c *windowsMemoryController) Allocate(minSize int) (AllocationInfo, error) {
	size := minSize
	if size <= 0 {
		size = c.pageSize
	}
	size = alignUp(c.pageSize, size)

	start, err := c.allocateNear(size)
	if err != nil {
		return AllocationInfo{}, err
	}

	c.protMu.Lock()
	c.protMap[alignDown(c.pageSize, start)] = ProtReadWrite
	c.protMu.Unlock()

	return AllocationInfo{PageSize: c.pageSize, AllocationSize: size, Start: start}, nil
}

// allocateNear implements the Windows near-allocation policy from
// spec.md §4.A/§9: probe sequential pages starting just past a reference
// code address, up to cfg.WindowsAllocRetries attempts, falling back to
// an OS-chosen address if every probe fails. The 5-byte JMP rel32 patch
// written into the hooked function needs the trampoline within +-2GiB, and
// the default VirtualAlloc placement on 64-bit Windows is commonly far
// outside that range from loaded module code.
func (c *windowsMemoryController) allocateNear(size int) (uintptr, error) {
	anchor := referenceCodeAddr()
	addr := alignUp(c.pageSize, int(anchor)) + c.pageSize

	for i := 0; i < cfg.WindowsAllocRetries; i++ {
		start, err := windows.VirtualAlloc(uintptr(addr), uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
		if err == nil && start != 0 {
			return start, nil
		}
		addr += c.pageSize * cfg.WindowsAllocPageStride
	}

	start, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil || start == 0 {
		return 0, fmt.Errorf("%w: VirtualAlloc: %v", ErrCantAllocate, err)
	}
	return start, nil
}

func (c *windowsMemoryController) nativeFlags(prot MemoryProtection) uint32 {
	switch prot.kind {
	case protNoAccess:
		return windows.PAGE_NOACCESS
	case protReadWrite:
		return windows.PAGE_READWRITE
	case protReadExecute:
		return windows.PAGE_EXECUTE_READ
	default:
		return prot.native
	}
}

func nativeToProtection(raw uint32) MemoryProtection {
	switch raw {
	case windows.PAGE_READWRITE:
		return ProtReadWrite
	case windows.PAGE_EXECUTE_READ:
		return ProtReadExecute
	case windows.PAGE_NOACCESS:
		return ProtNoAccess
	default:
		return ProtNative(raw)
	}
}

func (c *windowsMemoryController) SetProtection(addr uintptr, size int, prot MemoryProtection) (MemoryProtection, error) {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(size), c.nativeFlags(prot), &oldProtect); err != nil {
		return MemoryProtection{}, &CantSetProtection{Addr: addr, Err: err}
	}
	return nativeToProtection(oldProtect), nil
}

func (c *windowsMemoryController) ProtectionGuardForPage(ptr uintptr, onEnter MemoryProtection, onExit *MemoryProtection) (*MemoryProtectionGuard, error) {
	page := alignDown(c.pageSize, ptr)

	var exit MemoryProtection
	if onExit != nil {
		exit = *onExit
	} else {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(page, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return nil, fmt.Errorf("%w: VirtualQuery: %v", ErrBadAddress, err)
		}
		// MEMORY_BASIC_INFORMATION.Protect is preserved verbatim via
		// ProtNative so the guard restores exactly what Windows reported,
		// per spec.md §3.
		exit = ProtNative(mbi.Protect)
	}
	return newProtectionGuard(c, page, c.pageSize, onEnter, exit)
}

// ResolveSymbol looks up module (or the current process's own executable
// when module is empty) via GetModuleHandleEx - golang.org/x/sys/windows
// does not expose a string-taking GetModuleHandle, only the Ex form, which
// wants the module name as a UTF-16 pointer and writes the handle out
// through a pointer argument rather than returning it.
func (c *windowsMemoryController) ResolveSymbol(module, symbol string) (uintptr, error) {
	var namePtr *uint16
	if module != "" {
		p, err := windows.UTF16PtrFromString(module)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, module, err)
		}
		namePtr = p
	}

	var handle windows.Handle
	if err := windows.GetModuleHandleEx(0, namePtr, &handle); err != nil {
		if module != "" {
			return 0, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, module, err)
		}
		return 0, fmt.Errorf("%w: current process: %v", ErrModuleNotFound, err)
	}

	addr, err := windows.GetProcAddress(handle, symbol)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("%w: %s: %v", ErrSymbolNotFound, symbol, err)
	}
	return addr, nil
}
