package vm

// Script Table operations.
//
// Keys hash and compare by value identity: numbers, booleans and null by
// their bits, strings by content (interning makes identity and content
// equality coincide), everything else by record identity. A null key is
// rejected. Tombstones left by deletions are reused on insertion and counted
// against the load factor, so lookups stay bounded.

// hashTableKey hashes a table key. The 64-bit value representation already
// identifies every key kind, so a bit mixer over it suffices.
func hashTableKey(key Value) uint32 {
	if isString(key) {
		return asString(key.Object()).hash
	}
	x := uint64(key)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x)
}

func isTombstone(e *tableEntry) bool {
	return e.key.IsNull() && e.val == True
}

// findTableEntry probes for key, returning its entry or the slot where it
// would be inserted. The first tombstone seen is preferred as an insertion
// slot.
func findTableEntry(entries []tableEntry, mask int, key Value) *tableEntry {
	var tombstone *tableEntry
	for i := int(hashTableKey(key)) & mask; ; i = (i + 1) & mask {
		e := &entries[i]
		if e.key.IsNull() {
			if !isTombstone(e) {
				if tombstone != nil {
					return tombstone
				}
				return e
			}
			if tombstone == nil {
				tombstone = e
			}
		} else if ValueEquals(e.key, key) {
			return e
		}
	}
}

func (vm *VM) tableGrow(t *Table) {
	newCap := tableInitialCapacity
	if t.entries != nil {
		newCap = len(t.entries) * tableGrowRate
	}

	grown := make([]tableEntry, newCap)
	for i := range grown {
		grown[i] = tableEntry{key: Null, val: Null}
	}

	for i := range t.entries {
		e := &t.entries[i]
		if !e.key.IsNull() {
			*findTableEntry(grown, newCap-1, e.key) = *e
		}
	}

	const entrySize = 2 * valueSize
	vm.resizeObj(&t.Obj, len(t.entries)*entrySize, newCap*entrySize)

	t.entries = grown
	t.capacityMask = newCap - 1
	t.numEntries = t.size
}

// tablePut assigns key in the table, creating the entry if needed.
func (vm *VM) tablePut(t *Table, key, val Value) {
	if (t.numEntries+1)*tableLoadDen > len(t.entries)*tableLoadNum {
		vm.tableGrow(t)
	}

	e := findTableEntry(t.entries, t.capacityMask, key)
	if e.key.IsNull() {
		t.size++
		if !isTombstone(e) {
			t.numEntries++
		}
	}
	e.key = key
	e.val = val
}

func tableGet(t *Table, key Value) (Value, bool) {
	if t.size == 0 {
		return Null, false
	}
	e := findTableEntry(t.entries, t.capacityMask, key)
	if e.key.IsNull() {
		return Null, false
	}
	return e.val, true
}

// tableDel removes key, leaving a tombstone. Reports whether it was present.
func tableDel(t *Table, key Value) bool {
	if t.size == 0 {
		return false
	}
	e := findTableEntry(t.entries, t.capacityMask, key)
	if e.key.IsNull() {
		return false
	}
	e.key = Null
	e.val = True
	t.size--
	return true
}

// tableNextEntry returns the index of the first live entry at or after from,
// or -1 when iteration is over. Drives the Table iteration protocol.
func tableNextEntry(t *Table, from int) int {
	for i := from; i < len(t.entries); i++ {
		if !t.entries[i].key.IsNull() {
			return i
		}
	}
	return -1
}
