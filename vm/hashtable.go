package vm

import (
	"unsafe"
)

// Open-addressed hash tables keyed by interned strings.
//
// Two payload variants exist: valueTable maps names to Values (class method
// tables, the module registry, the string intern pool) and indexTable maps
// names to int offsets (class field indexes, module global indexes). Both
// use linear probing with tombstones and grow at a fixed load factor.
//
// Tables embedded in heap records account their backing array through the
// owning record so the GC byte counter stays exact. Tables owned by the VM
// itself (intern pool, module registry) pass a nil owner and account against
// the VM directly.

const (
	tableInitialCapacity = 8
	tableGrowRate        = 2

	// load factor numerator/denominator: grow when entries exceed 3/4 of
	// capacity, tombstones included
	tableLoadNum = 3
	tableLoadDen = 4
)

// ---------------------------------------------------------------------------
// valueTable
// ---------------------------------------------------------------------------

type valueEntry struct {
	key *String
	val Value
}

const valueEntrySize = int(unsafe.Sizeof(valueEntry{}))

type valueTable struct {
	sizeMask   int
	numEntries int // live entries plus tombstones
	entries    []valueEntry
}

// findValueEntry locates the slot for key: either the entry holding it, the
// first tombstone passed on the way, or the empty slot where it belongs.
func findValueEntry(entries []valueEntry, sizeMask int, key *String) *valueEntry {
	i := int(key.hash) & sizeMask
	var tomb *valueEntry
	for {
		e := &entries[i]
		if e.key == nil {
			if e.val == Null {
				if tomb != nil {
					return tomb
				}
				return e
			}
			if tomb == nil {
				tomb = e
			}
		} else if e.key == key {
			return e
		}
		i = (i + 1) & sizeMask
	}
}

func (t *valueTable) grow(vm *VM, owner *Obj) {
	oldEntries := t.entries
	newCap := tableInitialCapacity
	if t.entries != nil {
		newCap = (t.sizeMask + 1) * tableGrowRate
	}

	t.account(vm, owner, len(oldEntries)*valueEntrySize, newCap*valueEntrySize)

	t.entries = make([]valueEntry, newCap)
	for i := range t.entries {
		t.entries[i] = valueEntry{key: nil, val: Null}
	}
	t.sizeMask = newCap - 1
	t.numEntries = 0

	for i := range oldEntries {
		if oldEntries[i].key != nil {
			dst := findValueEntry(t.entries, t.sizeMask, oldEntries[i].key)
			*dst = oldEntries[i]
			t.numEntries++
		}
	}
}

func (t *valueTable) account(vm *VM, owner *Obj, oldBytes, newBytes int) {
	if owner != nil {
		vm.resizeObj(owner, oldBytes, newBytes)
	} else {
		vm.gcTrack(oldBytes, newBytes)
	}
}

// put inserts or updates key. Returns true if the key was new.
func (t *valueTable) put(vm *VM, owner *Obj, key *String, val Value) bool {
	if t.entries == nil || (t.numEntries+1)*tableLoadDen > (t.sizeMask+1)*tableLoadNum {
		t.grow(vm, owner)
	}
	e := findValueEntry(t.entries, t.sizeMask, key)
	isNew := e.key == nil
	if isNew && e.val == Null {
		t.numEntries++
	}
	e.key = key
	e.val = val
	return isNew
}

// get returns the value bound to key.
func (t *valueTable) get(key *String) (Value, bool) {
	if t.entries == nil {
		return Null, false
	}
	e := findValueEntry(t.entries, t.sizeMask, key)
	if e.key == nil {
		return Null, false
	}
	return e.val, true
}

// remove deletes key, leaving a tombstone.
func (t *valueTable) remove(key *String) bool {
	if t.entries == nil {
		return false
	}
	e := findValueEntry(t.entries, t.sizeMask, key)
	if e.key == nil {
		return false
	}
	e.key = nil
	e.val = True // tombstone
	return true
}

// merge copies every entry of other into t.
func (t *valueTable) merge(vm *VM, owner *Obj, other *valueTable) {
	for i := range other.entries {
		if other.entries[i].key != nil {
			t.put(vm, owner, other.entries[i].key, other.entries[i].val)
		}
	}
}

// getString searches the table for an interned string with the given bytes.
// Unlike get, which compares keys by identity, this compares contents. Used
// only by the intern pool.
func (t *valueTable) getString(data string, hash uint32) *String {
	if t.entries == nil {
		return nil
	}
	i := int(hash) & t.sizeMask
	for {
		e := &t.entries[i]
		if e.key == nil {
			if e.val == Null {
				return nil
			}
		} else if e.key.hash == hash && e.key.Data == data {
			return e.key
		}
		i = (i + 1) & t.sizeMask
	}
}

// removeUnreached tombstones every entry whose key was not marked during the
// current collection. Run on the intern pool before sweeping so unreferenced
// interned strings are reclaimed.
func (t *valueTable) removeUnreached() {
	for i := range t.entries {
		e := &t.entries[i]
		if e.key != nil && !e.key.reached {
			e.key = nil
			e.val = True
		}
	}
}

// ---------------------------------------------------------------------------
// indexTable
// ---------------------------------------------------------------------------

type indexEntry struct {
	key    *String
	offset int
	used   bool // distinguishes tombstones from empty slots
}

const indexEntrySize = int(unsafe.Sizeof(indexEntry{}))

// indexTable maps names to stable int offsets. The size field counts live
// entries and doubles as the next offset to assign for class field indexes.
type indexTable struct {
	sizeMask   int
	numEntries int
	size       int
	entries    []indexEntry
}

func findIndexEntry(entries []indexEntry, sizeMask int, key *String) *indexEntry {
	i := int(key.hash) & sizeMask
	var tomb *indexEntry
	for {
		e := &entries[i]
		if e.key == nil {
			if !e.used {
				if tomb != nil {
					return tomb
				}
				return e
			}
			if tomb == nil {
				tomb = e
			}
		} else if e.key == key {
			return e
		}
		i = (i + 1) & sizeMask
	}
}

func (t *indexTable) grow(vm *VM, owner *Obj) {
	oldEntries := t.entries
	newCap := tableInitialCapacity
	if t.entries != nil {
		newCap = (t.sizeMask + 1) * tableGrowRate
	}

	if owner != nil {
		vm.resizeObj(owner, len(oldEntries)*indexEntrySize, newCap*indexEntrySize)
	} else {
		vm.gcTrack(len(oldEntries)*indexEntrySize, newCap*indexEntrySize)
	}

	t.entries = make([]indexEntry, newCap)
	t.sizeMask = newCap - 1
	t.numEntries = 0

	for i := range oldEntries {
		if oldEntries[i].key != nil {
			dst := findIndexEntry(t.entries, t.sizeMask, oldEntries[i].key)
			*dst = oldEntries[i]
			t.numEntries++
		}
	}
}

// put binds key to offset. Returns true if the key was new.
func (t *indexTable) put(vm *VM, owner *Obj, key *String, offset int) bool {
	if t.entries == nil || (t.numEntries+1)*tableLoadDen > (t.sizeMask+1)*tableLoadNum {
		t.grow(vm, owner)
	}
	e := findIndexEntry(t.entries, t.sizeMask, key)
	isNew := e.key == nil
	if isNew && !e.used {
		t.numEntries++
	}
	if isNew {
		t.size++
	}
	e.key = key
	e.offset = offset
	e.used = true
	return isNew
}

// get returns the offset bound to key, or -1.
func (t *indexTable) get(key *String) int {
	if t.entries == nil {
		return -1
	}
	e := findIndexEntry(t.entries, t.sizeMask, key)
	if e.key == nil {
		return -1
	}
	return e.offset
}

// merge copies every entry of other into t.
func (t *indexTable) merge(vm *VM, owner *Obj, other *indexTable) {
	for i := range other.entries {
		if other.entries[i].key != nil {
			t.put(vm, owner, other.entries[i].key, other.entries[i].offset)
		}
	}
}
