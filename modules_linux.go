//go:build linux && (amd64 || arm64)

package inproc

import (
	"debug/elf"
	"strings"
	"sync"
	"unsafe"

	"gitlab.com/tozd/go/errors"
)

// Linker gives access to the host's runtime linker. A Go process has no
// guaranteed dlopen/dl_iterate_phdr, so linker-assisted enumeration and
// symbol resolution are optional: a host embedding this library next to
// cgo (or next to a native Android linker adapter) can install an
// implementation and the enumerator and resolver will prefer it. Without
// one, enumeration scans /proc/self/maps and resolution parses each
// module's dynamic symbol table.
type Linker interface {
	// IteratePhdr invokes fn once per loaded object with the object's
	// reported name and the address and count of its program headers,
	// like dl_iterate_phdr. Iteration stops when fn returns false.
	IteratePhdr(fn func(name string, phdrs uintptr, phdrCount int) bool)
	// FindSymbol resolves symbol in the module mapped from modulePath,
	// or in the global scope when modulePath is empty. The module must
	// not be loaded as a side effect.
	FindSymbol(modulePath, symbol string) (uintptr, bool)
	// EnsureInitialized takes and drops a lazy-load reference on the
	// module, forcing constructors to run.
	EnsureInitialized(modulePath string) bool
}

var (
	linkerMutex     sync.Mutex
	installedLinker Linker
)

// InstallLinker installs a runtime-linker adapter. Pass nil to remove it.
func InstallLinker(l Linker) {
	linkerMutex.Lock()
	defer linkerMutex.Unlock()
	installedLinker = l
}

func currentLinker() Linker {
	linkerMutex.Lock()
	defer linkerMutex.Unlock()
	return installedLinker
}

// EnumerateModules invokes fn for every loaded module. The set is a
// snapshot: modules loaded after the first callback may or may not be
// reported. Returning false from fn stops the enumeration. For a static
// binary only the program and the vDSO are reported, program first.
func EnumerateModules(fn func(m *Module) bool) errors.E {
	pm := QueryProgramModules()

	if pm.RTLD == RTLDNone {
		program := pm.Program
		if !fn(&program) {
			return nil
		}
		if pm.VDSO.Range.Base != 0 {
			vdso := pm.VDSO
			fn(&vdso)
		}
		return nil
	}

	if l := currentLinker(); l != nil {
		enumerateModulesUsingLinker(l, fn)
		return nil
	}

	return enumerateModulesUsingProcMaps(fn)
}

func enumerateModulesUsingLinker(l Linker, fn func(m *Module) bool) {
	namedRanges := collectNamedRanges()

	l.IteratePhdr(func(name string, phdrs uintptr, phdrCount int) bool {
		r := computeELFRangeFromPhdrs(phdrs, int(unsafe.Sizeof(elfPhdr{})), phdrCount, 0) //nolint:exhaustruct

		// The linker reports an empty name for the main program;
		// substitute the path recorded in the maps side-table.
		path := name
		if named, ok := namedRanges[r.Base]; ok {
			path = named.name
		}

		m := Module{
			Name:  pathBasename(path),
			Path:  path,
			Range: r,
		}
		return fn(&m)
	})
}

type namedRange struct {
	name string
	base uintptr
	size uintptr
}

// collectNamedRanges builds a base-address-keyed table of the named
// mappings of this process, merging consecutive sub-ranges that belong to
// the same path.
func collectNamedRanges() map[uintptr]namedRange {
	result := make(map[uintptr]namedRange)

	iter := newProcMapsIterForSelf()
	defer iter.destroy()

	var current *namedRange
	for {
		line, ok := iter.next()
		if !ok {
			break
		}
		record, ok := parseMapsLine(line)
		if !ok || record.Path == "" {
			continue
		}

		name := record.Path
		if name == "[vdso]" {
			name = vdsoModuleName
		}

		if current != nil && name == current.name {
			current.size = record.End - current.base
			continue
		}
		if current != nil {
			result[current.base] = *current
		}
		current = &namedRange{
			name: name,
			base: record.Start,
			size: record.End - record.Start,
		}
	}
	if current != nil {
		result[current.base] = *current
	}

	return result
}

func hasELFMagic(address uintptr) bool {
	return *(*[4]byte)(unsafe.Pointer(address)) == elfMagic
}

func enumerateModulesUsingProcMaps(fn func(m *Module) bool) errors.E {
	iter := newProcMapsIterForSelf()
	if iter.fd == -1 {
		return errors.WithStack(ErrNotFound)
	}
	defer iter.destroy()

	var pending *mapsRecord
	for {
		var record mapsRecord
		if pending != nil {
			record = *pending
			pending = nil
		} else {
			line, ok := iter.next()
			if !ok {
				return nil
			}
			record, ok = parseMapsLine(line)
			if !ok {
				continue
			}
		}

		path := record.Path
		isVdso := path == "[vdso]"
		if isVdso {
			path = vdsoModuleName
		}

		readable := record.Perms[0] == 'r'
		shared := record.Perms[3] == 's'
		switch {
		case !readable || shared:
			continue
		case (path == "" || path[0] != '/') && !isVdso:
			continue
		case strings.HasPrefix(path, "/dev/"):
			continue
		case !hasELFMagic(record.Start):
			continue
		}

		end := record.End
		for {
			line, ok := iter.next()
			if !ok {
				break
			}
			next, ok := parseMapsLine(line)
			if !ok || next.Path == "" {
				// Unnamed sub-ranges in between do not extend the module.
				continue
			}
			nextPath := next.Path
			if nextPath == "[vdso]" {
				nextPath = vdsoModuleName
			} else if nextPath[0] == '[' {
				continue
			}
			if nextPath == path {
				end = next.End
				continue
			}
			pending = &next
			break
		}

		m := Module{
			Name:  pathBasename(path),
			Path:  path,
			Range: MemoryRange{Base: record.Start, Size: end - record.Start},
		}
		if !fn(&m) {
			return nil
		}
	}
}

func pathBasename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// modulePathMatches compares a mapped path against a module reference:
// absolute references compare whole, anything else compares against the
// basename.
func modulePathMatches(path, nameOrPath string) bool {
	if nameOrPath == "" {
		return false
	}
	if nameOrPath[0] == '/' {
		return nameOrPath == path
	}
	return nameOrPath == pathBasename(path)
}

// ResolveModuleName maps a module name or path to the path and base
// address it is mapped at.
func ResolveModuleName(name string) (string, uintptr, errors.E) {
	var path string
	var base uintptr
	found := false

	errE := EnumerateModules(func(m *Module) bool {
		if modulePathMatches(m.Path, name) {
			path = m.Path
			base = m.Range.Base
			found = true
			return false
		}
		return true
	})
	if errE != nil {
		return "", 0, errE
	}
	if !found {
		return "", 0, errors.WithDetails(ErrNotFound, "module", name)
	}
	return path, base, nil
}

// FindExportByName resolves an exported symbol. With an empty module name
// the symbol is resolved in the global scope, scanning modules in
// enumeration order. The result is an absolute address, 0 together with
// ErrNotFound when the symbol cannot be resolved.
func FindExportByName(moduleName, symbolName string) (uintptr, errors.E) {
	if l := currentLinker(); l != nil {
		modulePath := ""
		if moduleName != "" {
			var errE errors.E
			modulePath, _, errE = ResolveModuleName(moduleName)
			if errE != nil {
				return 0, errE
			}
		}
		if address, ok := l.FindSymbol(modulePath, symbolName); ok {
			return address, nil
		}
		return 0, errors.WithDetails(ErrNotFound, "module", moduleName, "symbol", symbolName)
	}

	if moduleName != "" {
		path, base, errE := ResolveModuleName(moduleName)
		if errE != nil {
			return 0, errE
		}
		if address, ok := elfFindExport(path, base, symbolName); ok {
			return address, nil
		}
		return 0, errors.WithDetails(ErrNotFound, "module", moduleName, "symbol", symbolName)
	}

	var address uintptr
	found := false
	errE := EnumerateModules(func(m *Module) bool {
		if m.Path == "" || m.Path[0] != '/' {
			return true
		}
		if a, ok := elfFindExport(m.Path, m.Range.Base, symbolName); ok {
			address = a
			found = true
			return false
		}
		return true
	})
	if errE != nil {
		return 0, errE
	}
	if !found {
		return 0, errors.WithDetails(ErrNotFound, "symbol", symbolName)
	}
	return address, nil
}

// EnsureModuleInitialized forces the module's constructors to run. This
// needs a real linker handle, so it requires an installed Linker.
func EnsureModuleInitialized(moduleName string) errors.E {
	l := currentLinker()
	if l == nil {
		return errors.WithDetails(ErrNotSupported, "module", moduleName)
	}
	path, _, errE := ResolveModuleName(moduleName)
	if errE != nil {
		return errE
	}
	if !l.EnsureInitialized(path) {
		return errors.WithDetails(ErrNotFound, "module", moduleName)
	}
	return nil
}

// elfFindExport looks a dynamic symbol up in the module mapped from path
// at base. Addresses of ET_DYN objects are rebased.
func elfFindExport(path string, base uintptr, symbolName string) (uintptr, bool) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	symbols, err := f.DynamicSymbols()
	if err != nil {
		return 0, false
	}
	for _, sym := range symbols {
		if sym.Name != symbolName || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if f.Type == elf.ET_DYN {
			return base + uintptr(sym.Value), true
		}
		return uintptr(sym.Value), true
	}
	return 0, false
}

var (
	libcNameOnce  sync.Once
	libcNameValue string
)

// QueryLibcName returns the path of the C library mapped into this
// process. It panics when no module defines __libc_start_main or exit:
// such a host is fundamentally unsupported.
func QueryLibcName() string {
	libcNameOnce.Do(func() {
		libcNameValue = tryInitLibcName()
	})
	if libcNameValue == "" {
		panic("inproc: unable to locate the C library")
	}
	return libcNameValue
}

func tryInitLibcName() string {
	for _, anchor := range []string{"__libc_start_main", "exit"} {
		var path string
		_ = EnumerateModules(func(m *Module) bool {
			if m.Path == "" || m.Path[0] != '/' {
				return true
			}
			if _, ok := elfFindExport(m.Path, m.Range.Base, anchor); ok {
				path = m.Path
				return false
			}
			return true
		})
		if path != "" {
			return path
		}
	}
	return ""
}
