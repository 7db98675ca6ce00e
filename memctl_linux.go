package hooking

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// linuxMemoryController implements MemoryController with mmap/mprotect via
// golang.org/x/sys/unix, the same role golang.org/x/sys/unix plays in the
// retrieved tinyrange-cc assembler package for its own executable-memory
// allocator.
type linuxMemoryController struct {
	pageSize int

	protMu  sync.Mutex
	protMap map[uintptr]MemoryProtection // page addr -> last protection this controller set
}

func newDefaultMemoryController() MemoryController {
	return &linuxMemoryController{
		pageSize: unix.Getpagesize(),
		protMap:  make(map[uintptr]MemoryProtection),
	}
}

func (c *linuxMemoryController) PageSize() int { return c.pageSize }

func (c *linuxMemoryController) Allocate(minSize int) (AllocationInfo, error) {
	size := minSize
	if size <= 0 {
		size = c.pageSize
	}
	size = alignUp(c.pageSize, size)

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return AllocationInfo{}, fmt.Errorf("%w: mmap: %v", ErrCantAllocate, err)
	}

	start := uintptr(unsafeSliceAddr(data))
	c.protMu.Lock()
	c.protMap[alignDown(c.pageSize, start)] = ProtReadWrite
	c.protMu.Unlock()

	return AllocationInfo{
		PageSize:       c.pageSize,
		AllocationSize: size,
		Start:          start,
	}, nil
}

func (c *linuxMemoryController) nativeFlags(prot MemoryProtection) int {
	switch prot.kind {
	case protNoAccess:
		return unix.PROT_NONE
	case protReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case protReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return int(prot.native)
	}
}

func (c *linuxMemoryController) SetProtection(addr uintptr, size int, prot MemoryProtection) (MemoryProtection, error) {
	page := alignDown(c.pageSize, addr)
	pageEnd := alignUp(c.pageSize, int(addr-page)+size)

	buf := rawMemoryView(page, pageEnd)
	if err := unix.Mprotect(buf, c.nativeFlags(prot)); err != nil {
		return MemoryProtection{}, &CantSetProtection{Addr: addr, Err: err}
	}

	c.protMu.Lock()
	previous, ok := c.protMap[page]
	c.protMap[page] = prot
	c.protMu.Unlock()
	if !ok {
		// We never touched this page before; the Rust source has the same
		// blind spot (mprotect has no "tell me the old value" form) and
		// always restores ReadExecute on its Linux guard. Preserve that.
		previous = ProtReadExecute
	}
	return previous, nil
}

func (c *linuxMemoryController) ProtectionGuardForPage(ptr uintptr, onEnter MemoryProtection, onExit *MemoryProtection) (*MemoryProtectionGuard, error) {
	page := alignDown(c.pageSize, ptr)

	var exit MemoryProtection
	if onExit != nil {
		exit = *onExit
	} else {
		c.protMu.Lock()
		previous, ok := c.protMap[page]
		c.protMu.Unlock()
		if ok {
			exit = previous
		} else {
			exit = ProtReadExecute
		}
	}
	return newProtectionGuard(c, page, c.pageSize, onEnter, exit)
}

// ResolveSymbol finds an exported symbol in the current process. When module
// is empty this behaves like dlsym(RTLD_DEFAULT, symbol): every ELF object
// currently mapped into the process (read from /proc/self/maps) is scanned.
// When module is non-empty only objects whose mapped path matches are
// scanned - unlike dlopen this never loads a module that is not already
// mapped (see SPEC_FULL.md §4.A, a deliberately recorded platform
// asymmetry versus Windows' GetModuleHandle/GetProcAddress pair, since this
// module stays cgo-free and has no dlopen available without cgo).
func (c *linuxMemoryController) ResolveSymbol(module, symbol string) (uintptr, error) {
	mappings, err := readSelfMappings()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSymbolNotFound, err)
	}

	found := false
	for _, m := range mappings {
		if module != "" && !strings.HasSuffix(m.path, module) && !strings.Contains(m.path, module) {
			continue
		}
		if m.path == "" {
			continue
		}
		if module != "" {
			found = true
		}
		addr, err := resolveSymbolInObject(m, symbol)
		if err == nil {
			return addr, nil
		}
	}
	if module != "" && !found {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}

type selfMapping struct {
	start, end uintptr
	fileOffset uintptr
	path       string
}

func readSelfMappings() ([]selfMapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []selfMapping
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if path == "" || seen[path] || !strings.HasPrefix(path, "/") {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrs[0], 16, 64)
		end, err2 := strconv.ParseUint(addrs[1], 16, 64)
		offset, err3 := strconv.ParseUint(fields[2], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		seen[path] = true
		out = append(out, selfMapping{start: uintptr(start), end: uintptr(end), fileOffset: uintptr(offset), path: path})
	}
	return out, sc.Err()
}

// resolveSymbolInObject opens the ELF file behind a mapping and computes the
// runtime address of symbol using the standard "load bias" technique: the
// difference between the mapping's start address and the file's first
// PT_LOAD segment's vaddr is added to the symbol's file-relative value.
func resolveSymbolInObject(m selfMapping, symbol string) (uintptr, error) {
	f, err := elf.Open(m.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var firstLoadVAddr uint64
	haveLoad := false
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			firstLoadVAddr = prog.Vaddr
			haveLoad = true
			break
		}
	}
	if !haveLoad {
		return 0, ErrSymbolNotFound
	}

	bias := int64(m.start) - int64(firstLoadVAddr)

	for _, symSource := range [][]elf.Symbol{mustSyms(f.DynamicSymbols), mustSyms(f.Symbols)} {
		for _, s := range symSource {
			if s.Name == symbol && s.Value != 0 {
				return uintptr(int64(s.Value) + bias), nil
			}
		}
	}
	return 0, ErrSymbolNotFound
}

func mustSyms(fn func() ([]elf.Symbol, error)) []elf.Symbol {
	syms, err := fn()
	if err != nil {
		return nil
	}
	return syms
}
