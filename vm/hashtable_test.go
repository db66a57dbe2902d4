package vm

import (
	"fmt"
	"testing"
)

func TestValueTablePutGet(t *testing.T) {
	vm := testVM(t)

	var tbl valueTable
	key := vm.internString("alpha")

	if _, ok := tbl.get(key); ok {
		t.Fatal("empty table reports a hit")
	}
	if !tbl.put(vm, nil, key, NumVal(1)) {
		t.Error("first put should report a new key")
	}
	if tbl.put(vm, nil, key, NumVal(2)) {
		t.Error("update should not report a new key")
	}
	v, ok := tbl.get(key)
	if !ok || v.Num() != 2 {
		t.Errorf("get = %v, %v; want 2, true", v, ok)
	}
}

func TestValueTableGrowKeepsEntries(t *testing.T) {
	vm := testVM(t)

	var tbl valueTable
	keys := make([]*String, 64)
	for i := range keys {
		keys[i] = vm.internString(fmt.Sprintf("key%d", i))
		tbl.put(vm, nil, keys[i], NumVal(float64(i)))
	}
	for i, k := range keys {
		v, ok := tbl.get(k)
		if !ok || v.Num() != float64(i) {
			t.Fatalf("key%d = %v, %v after growth", i, v, ok)
		}
	}
}

func TestValueTableRemoveLeavesTombstone(t *testing.T) {
	vm := testVM(t)

	var tbl valueTable
	a := vm.internString("a")
	b := vm.internString("b")
	tbl.put(vm, nil, a, NumVal(1))
	tbl.put(vm, nil, b, NumVal(2))

	if !tbl.remove(a) {
		t.Fatal("remove of present key failed")
	}
	if tbl.remove(a) {
		t.Error("remove of absent key succeeded")
	}
	if _, ok := tbl.get(a); ok {
		t.Error("removed key still found")
	}
	// Probing past the tombstone still finds live keys.
	if v, ok := tbl.get(b); !ok || v.Num() != 2 {
		t.Error("live key lost after removal")
	}

	// Re-inserting reuses the tombstone slot without growing numEntries.
	before := tbl.numEntries
	tbl.put(vm, nil, a, NumVal(3))
	if tbl.numEntries != before {
		t.Errorf("numEntries = %d after tombstone reuse, want %d", tbl.numEntries, before)
	}
}

func TestValueTableGetStringByContent(t *testing.T) {
	vm := testVM(t)

	key := vm.internString("content")
	var tbl valueTable
	tbl.put(vm, nil, key, True)

	// A content lookup with a non-identical string finds the interned key.
	data := "con" + "tent"
	if got := tbl.getString(data, hashBytes(data)); got != key {
		t.Errorf("getString = %p, want %p", got, key)
	}
	if got := tbl.getString("missing", hashBytes("missing")); got != nil {
		t.Errorf("getString of absent content = %v, want nil", got)
	}
}

func TestIndexTableOffsets(t *testing.T) {
	vm := testVM(t)

	var tbl indexTable
	x := vm.internString("x")
	y := vm.internString("y")

	if tbl.get(x) != -1 {
		t.Fatal("empty table returned an offset")
	}
	tbl.put(vm, nil, x, 0)
	tbl.put(vm, nil, y, 1)
	if tbl.get(x) != 0 || tbl.get(y) != 1 {
		t.Error("offsets not preserved")
	}
	if tbl.size != 2 {
		t.Errorf("size = %d, want 2", tbl.size)
	}

	// Rebinding an existing key does not bump size.
	tbl.put(vm, nil, x, 5)
	if tbl.get(x) != 5 || tbl.size != 2 {
		t.Errorf("after rebind: offset = %d, size = %d", tbl.get(x), tbl.size)
	}
}

// ---------------------------------------------------------------------------
// Script Table
// ---------------------------------------------------------------------------

func TestTablePutGetDel(t *testing.T) {
	vm := testVM(t)

	tbl := vm.newTable()
	vm.PushValue(ObjVal(&tbl.Obj))
	defer vm.Pop()

	key := ObjVal(&vm.internString("name").Obj)
	vm.tablePut(tbl, key, NumVal(1))
	vm.tablePut(tbl, NumVal(42), True)

	if v, ok := tableGet(tbl, key); !ok || v.Num() != 1 {
		t.Errorf("tbl[name] = %v, %v", v, ok)
	}
	// An identical interned key finds the same entry.
	if v, ok := tableGet(tbl, ObjVal(&vm.internString("name").Obj)); !ok || v.Num() != 1 {
		t.Errorf("re-interned key lookup = %v, %v", v, ok)
	}
	if v, ok := tableGet(tbl, NumVal(42)); !ok || v != True {
		t.Errorf("tbl[42] = %v, %v", v, ok)
	}
	if tbl.Size() != 2 {
		t.Errorf("size = %d, want 2", tbl.Size())
	}

	if !tableDel(tbl, key) {
		t.Fatal("delete of present key failed")
	}
	if tableDel(tbl, key) {
		t.Error("delete of absent key succeeded")
	}
	if _, ok := tableGet(tbl, key); ok {
		t.Error("deleted key still present")
	}
	if tbl.Size() != 1 {
		t.Errorf("size = %d after delete, want 1", tbl.Size())
	}
}

func TestTableUpdateKeepsSize(t *testing.T) {
	vm := testVM(t)

	tbl := vm.newTable()
	vm.PushValue(ObjVal(&tbl.Obj))
	defer vm.Pop()

	vm.tablePut(tbl, NumVal(1), NumVal(10))
	vm.tablePut(tbl, NumVal(1), NumVal(20))
	if tbl.Size() != 1 {
		t.Errorf("size = %d, want 1", tbl.Size())
	}
	if v, _ := tableGet(tbl, NumVal(1)); v.Num() != 20 {
		t.Errorf("value = %v, want 20", v)
	}
}

func TestTableGrowKeepsEntries(t *testing.T) {
	vm := testVM(t)

	tbl := vm.newTable()
	vm.PushValue(ObjVal(&tbl.Obj))
	defer vm.Pop()

	for i := 0; i < 100; i++ {
		vm.tablePut(tbl, NumVal(float64(i)), NumVal(float64(i*i)))
	}
	if tbl.Size() != 100 {
		t.Fatalf("size = %d, want 100", tbl.Size())
	}
	for i := 0; i < 100; i++ {
		v, ok := tableGet(tbl, NumVal(float64(i)))
		if !ok || v.Num() != float64(i*i) {
			t.Fatalf("tbl[%d] = %v, %v after growth", i, v, ok)
		}
	}
}

func TestTableIteration(t *testing.T) {
	vm := testVM(t)

	tbl := vm.newTable()
	vm.PushValue(ObjVal(&tbl.Obj))
	defer vm.Pop()

	want := map[float64]bool{1: true, 2: true, 3: true}
	for k := range want {
		vm.tablePut(tbl, NumVal(k), True)
	}
	// A tombstone in the middle must be skipped.
	vm.tablePut(tbl, NumVal(99), True)
	tableDel(tbl, NumVal(99))

	seen := map[float64]bool{}
	for i := tableNextEntry(tbl, 0); i != -1; i = tableNextEntry(tbl, i+1) {
		seen[tbl.entries[i].key.Num()] = true
	}
	if len(seen) != len(want) {
		t.Fatalf("iterated %d keys, want %d", len(seen), len(want))
	}
	for k := range want {
		if !seen[k] {
			t.Errorf("key %g not seen during iteration", k)
		}
	}
}
