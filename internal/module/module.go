// Package module implements the ELF-like module loader and linker:
// two-pass loading of a bundle of relocatable modules delivered by
// firmware, an open-chained global symbol table, and init/fini
// invocation.
//
// Grounded on original_source/Interface/Module/ModuleRecord.h's
// ModuleRecord/DynamicLink shape and SymbolLookup.hpp's djb2-style
// internal hash table (renamed here, keeping the djb2-on-symbol-name
// hash exactly).
package module

import (
	"corex/internal/kernerr"
	"corex/internal/klog"
	"sync"
	"unsafe"
)

// SymbolType mirrors original_source's SymbolicDefinition.Type.
type SymbolType int

const (
	SymFunc SymbolType = iota
	SymObject
	SymOther
)

// SymbolicDefinition is one entry of the global symbol lookup table.
type SymbolicDefinition struct {
	Name    string
	Address uint64
	Type    SymbolType
	Owner   *Record // nil only for orphaned (boot) symbols

	next, prev *SymbolicDefinition
}

// RelocType enumerates the supported R_386_* relocation types.
type RelocType int

const (
	R386None RelocType = iota
	R386_32
	R386PC32
	R386PLT32
	R386GlobDat
	R386JmpSlot
	R386Relative
)

// Relocation is one entry from a module's REL/RELA/PLT table.
type Relocation struct {
	Offset     uint64 // site VA, relative to the module's segment
	Type       RelocType
	SymbolName string
	Addend     int64
}

// Segment is one PT_LOAD/PT_DYNAMIC region copied from the raw module
// image into kernel virtual memory.
type Segment struct {
	VirtualOffset uint64 // offset from the module's base
	Data          []byte // file bytes, already copied
	MemSize       uint64 // >= len(Data); the remainder is the zero-filled BSS tail
}

// RawModule is the firmware-delivered input to Pass 1: a module's bytes
// plus the pre-parsed dynamic-section contents names
// (symbol table, relocation table, init/fini arrays).
type RawModule struct {
	Magic       [4]byte
	BuildName   string
	BuildVersion uint64
	Segments    []Segment

	DynSymbols []SymbolicDefinition // exported symbols, address relative to base
	Relocs     []Relocation

	PreInit []func()
	Init    func()
	InitArr []func()
	Fini    func()
	FiniArr []func()

	CmdLine string
}

var expectedMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// Record is the runtime module record: immutable base/symbol-lookup
// container once registered.
type Record struct {
	BuildName    string
	BuildVersion uint64
	ABI          string
	Base         uint64
	PhysicalLoad uint64

	preInit []func()
	init    func()
	initArr []func()
	fini    func()
	finiArr []func()

	exported []*SymbolicDefinition
}

// FiniFuncs returns the saved shutdown hooks, run in reverse of init
// order by convention.
func (r *Record) FiniFuncs() (fini func(), finiArr []func()) { return r.fini, r.finiArr }

const hashInitialBuckets = 1024
const hashMaxBuckets = 16384
const hashLoadFactorPercent = 50

// djb2 is the hash function names explicitly.
func djb2(name string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + uint64(name[i])
	}
	return h
}

// SymbolTable is the open-chained global symbol lookup: at most one
// definition per name, resized up to 16384 buckets at a 50% load
// factor, guarded by a reader-writer lock.
type SymbolTable struct {
	mu      sync.RWMutex
	buckets []*SymbolicDefinition
	count   int
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{buckets: make([]*SymbolicDefinition, hashInitialBuckets)}
}

func (t *SymbolTable) bucketFor(name string, numBuckets int) int {
	return int(djb2(name) % uint64(numBuckets))
}

// maybeGrow doubles the bucket count (up to hashMaxBuckets) once the
// load factor exceeds 50%
func (t *SymbolTable) maybeGrow() {
	if len(t.buckets) >= hashMaxBuckets {
		return
	}
	if t.count*100 < len(t.buckets)*hashLoadFactorPercent {
		return
	}
	newSize := len(t.buckets) * 2
	if newSize > hashMaxBuckets {
		newSize = hashMaxBuckets
	}
	newBuckets := make([]*SymbolicDefinition, newSize)
	for _, head := range t.buckets {
		for s := head; s != nil; {
			next := s.next
			idx := t.bucketFor(s.Name, newSize)
			s.next = newBuckets[idx]
			s.prev = nil
			if newBuckets[idx] != nil {
				newBuckets[idx].prev = s
			}
			newBuckets[idx] = s
			s = next
		}
	}
	t.buckets = newBuckets
}

// Insert adds a definition, failing if the name is already defined
//.
func (t *SymbolTable) Insert(def *SymbolicDefinition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketFor(def.Name, len(t.buckets))
	for s := t.buckets[idx]; s != nil; s = s.next {
		if s.Name == def.Name {
			return kernerr.ErrUsed
		}
	}

	def.next = t.buckets[idx]
	def.prev = nil
	if t.buckets[idx] != nil {
		t.buckets[idx].prev = def
	}
	t.buckets[idx] = def
	t.count++

	t.maybeGrow()
	return nil
}

// Lookup returns (value, owner) for name
func (t *SymbolTable) Lookup(name string) (value uint64, owner *Record, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := t.bucketFor(name, len(t.buckets))
	for s := t.buckets[idx]; s != nil; s = s.next {
		if s.Name == name {
			return s.Address, s.Owner, true
		}
	}
	return 0, nil, false
}

// Loader drives the two-pass bundle-loading sequence
type Loader struct {
	Symbols *SymbolTable

	mu      sync.Mutex
	loaded  []*Record
}

func NewLoader(symbols *SymbolTable) *Loader {
	return &Loader{Symbols: symbols}
}

// LoadBundle runs Pass 1 (globalize) over every module, then Pass 2
// (link), then invokes each module's init chain in order.
func (l *Loader) LoadBundle(raws []RawModule) ([]*Record, error) {
	records := make([]*Record, 0, len(raws))
	for i := range raws {
		rec, err := l.globalize(&raws[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	for i := range raws {
		if err := l.link(&raws[i], records[i]); err != nil {
			return nil, err
		}
	}

	for i, rec := range records {
		l.runInit(&raws[i], rec)
	}

	l.mu.Lock()
	l.loaded = append(l.loaded, records...)
	l.mu.Unlock()

	return records, nil
}

// globalize is Pass 1: validate the module, export its dynamic symbols
// into the global lookup with the module's base address added.
func (l *Loader) globalize(raw *RawModule) (*Record, error) {
	if raw.Magic != expectedMagic {
		return nil, kernerr.ErrBadMagic
	}
	if raw.DynSymbols == nil {
		return nil, kernerr.ErrMissingSymtab
	}

	rec := &Record{
		BuildName:    raw.BuildName,
		BuildVersion: raw.BuildVersion,
		ABI:          "ELF",
		preInit:      raw.PreInit,
		init:         raw.Init,
		initArr:      raw.InitArr,
		fini:         raw.Fini,
		finiArr:      raw.FiniArr,
	}

	for i := range raw.DynSymbols {
		sym := raw.DynSymbols[i]
		def := &SymbolicDefinition{
			Name:    sym.Name,
			Address: sym.Address + rec.Base,
			Type:    sym.Type,
			Owner:   rec,
		}
		if err := l.Symbols.Insert(def); err != nil {
			klog.Warn("module %s: duplicate symbol %s ignored", rec.BuildName, sym.Name)
			continue
		}
		rec.exported = append(rec.exported, def)
	}

	return rec, nil
}

// link is Pass 2: walk the module's relocation table, resolving each
// symbol against the global lookup and patching the site using the
// R_386_* formulas named in
func (l *Loader) link(raw *RawModule, rec *Record) error {
	for _, reloc := range raw.Relocs {
		P := rec.Base + reloc.Offset
		A := reloc.Addend
		B := int64(rec.Base)

		var S int64
		haveSymbol := reloc.Type == R386Relative // RELATIVE needs no symbol
		if !haveSymbol {
			val, _, ok := l.Symbols.Lookup(reloc.SymbolName)
			if !ok {
				klog.Warn("unresolved symbol %q in module %s; site poisoned", reloc.SymbolName, rec.BuildName)
				writeSite(uintptr(P), unresolvedSymbolStub)
				continue
			}
			S = int64(val)
		}

		var result int64
		switch reloc.Type {
		case R386None:
			continue
		case R386_32:
			result = S + A
		case R386PC32:
			result = S + A - int64(P)
		case R386PLT32:
			result = S + A - int64(P) // L (PLT stub address) collapses to S in this design: no separate PLT stub table
		case R386GlobDat:
			result = S
		case R386JmpSlot:
			result = S
		case R386Relative:
			result = B + A
		default:
			continue
		}

		writeSite(uintptr(P), uint32(result))
	}
	return nil
}

// unresolvedSymbolStub is written over a relocation site whose symbol
// never resolved, rather than leaving the raw pre-relocation bytes in
// place: 0xDEADC0DE, an invalid code address on IA-32 that faults
// loudly if ever executed or dereferenced instead of silently running
// on garbage.
const unresolvedSymbolStub uint32 = 0xDEADC0DE

// writeSite patches a relocation site; isolated so tests can override
// addressing without touching real memory.
var writeSite = func(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

func (l *Loader) runInit(raw *RawModule, rec *Record) {
	for _, fn := range rec.preInit {
		fn()
	}
	if rec.init != nil {
		rec.init()
	}
	for _, fn := range rec.initArr {
		fn()
	}
}

// Shutdown runs every loaded module's fini chain, most-recently-loaded
// first.
func (l *Loader) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.loaded) - 1; i >= 0; i-- {
		rec := l.loaded[i]
		for j := len(rec.finiArr) - 1; j >= 0; j-- {
			rec.finiArr[j]()
		}
		if rec.fini != nil {
			rec.fini()
		}
	}
}
