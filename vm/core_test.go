package vm

import (
	"strings"
	"testing"
)

// coreGlobal fetches a builtin from the core module.
func coreGlobal(t *testing.T, vm *VM, name string) Value {
	t.Helper()
	off := vm.moduleGlobalOffset(vm.core, vm.internString(name))
	if off == -1 {
		t.Fatalf("core global %q not defined", name)
	}
	return vm.core.Globals[off]
}

func TestCoreGlobalsVisibleInModules(t *testing.T) {
	vm := testVM(t)

	// Every module sees the core builtins without importing anything.
	mod := mainModule(vm)
	for _, name := range []string{"print", "str", "len", "type", "assert",
		"Object", "Class", "String", "List", "Table", "Exception", "TypeException"} {
		if vm.moduleGlobalOffset(mod, vm.internString(name)) == -1 {
			t.Errorf("builtin %q not visible in the main module", name)
		}
	}
}

func TestStrBuiltin(t *testing.T) {
	vm := testVM(t)
	str := coreGlobal(t, vm, "str")

	lst := makeList(vm, NumVal(1), ObjVal(&vm.internString("a").Obj), Null)
	tup := vm.newTuple(2)
	vm.PushValue(ObjVal(&tup.Obj))
	tup.Items[0] = NumVal(1)
	tup.Items[1] = NumVal(2)
	vm.Pop()

	for _, tc := range []struct {
		in   Value
		want string
	}{
		{NumVal(3.5), "3.5"},
		{NumVal(42), "42"},
		{Null, "null"},
		{True, "true"},
		{False, "false"},
		{ObjVal(&vm.internString("plain").Obj), "plain"},
		{ObjVal(&lst.Obj), "[1, a, null]"},
		{ObjVal(&tup.Obj), "(1, 2)"},
		{ObjVal(&vm.strClass.Obj), "<Class String>"},
		{ObjVal(&vm.core.Obj), "<module " + CoreModule + ">"},
	} {
		res, err := call(t, vm, str, tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if !isString(res) || asString(res.Object()).Data != tc.want {
			t.Errorf("str(%v) = %v, want %q", tc.in, res, tc.want)
		}
	}
}

func TestStrOnInstanceUsesDefaultString(t *testing.T) {
	vm := testVM(t)
	str := coreGlobal(t, vm, "str")

	// An Exception instance inherits Object's __string__.
	vm.PushValue(coreGlobal(t, vm, "Exception"))
	vm.PushString("msg")
	if err := vm.Call(1); err != nil {
		t.Fatal(err)
	}
	exc := vm.Pop()

	vm.PushValue(exc) // keep it rooted across the reentrant call
	res, err := call(t, vm, str, exc)
	vm.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(asString(res.Object()).Data, "Exception@") {
		t.Errorf("str(exception) = %v, want the default instance rendering", res)
	}
}

func TestTypeBuiltin(t *testing.T) {
	vm := testVM(t)
	typ := coreGlobal(t, vm, "type")

	for _, tc := range []struct {
		in  Value
		cls *Class
	}{
		{NumVal(1), vm.numClass},
		{True, vm.boolClass},
		{Null, vm.nullClass},
		{ObjVal(&vm.internString("s").Obj), vm.strClass},
	} {
		res, err := call(t, vm, typ, tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if res.Object() != &tc.cls.Obj {
			t.Errorf("type(%v) = %v, want %s", tc.in, res, tc.cls.Name.Data)
		}
	}
}

func TestLenBuiltin(t *testing.T) {
	vm := testVM(t)
	length := coreGlobal(t, vm, "len")

	lst := makeList(vm, NumVal(1), NumVal(2))
	tbl := vm.newTable()
	vm.PushValue(ObjVal(&tbl.Obj))
	vm.tablePut(tbl, NumVal(1), True)
	vm.Pop()

	for _, tc := range []struct {
		in   Value
		want float64
	}{
		{ObjVal(&vm.internString("abc").Obj), 3},
		{ObjVal(&lst.Obj), 2},
		{ObjVal(&tbl.Obj), 1},
	} {
		res, err := call(t, vm, length, tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if res.Num() != tc.want {
			t.Errorf("len(%v) = %v, want %g", tc.in, res, tc.want)
		}
	}

	// No __len__ anywhere: a number has no length.
	_, err := call(t, vm, length, NumVal(42))
	if asRuntimeError(t, err).ClassName != "MethodException" {
		t.Error("len(42) did not fail with MethodException")
	}
}

func TestAssertBuiltin(t *testing.T) {
	vm := testVM(t)
	assert := coreGlobal(t, vm, "assert")

	if _, err := call(t, vm, assert, True); err != nil {
		t.Fatal(err)
	}

	_, err := call(t, vm, assert, False)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "AssertException" || rtErr.Message != "assertion failed" {
		t.Errorf("assert(false) = %v", rtErr)
	}

	_, err = call(t, vm, assert, False, ObjVal(&vm.internString("custom").Obj))
	rtErr = asRuntimeError(t, err)
	if rtErr.Message != "custom" {
		t.Errorf("message = %q, want %q", rtErr.Message, "custom")
	}
}

func TestTableMethods(t *testing.T) {
	vm := testVM(t)

	tbl := vm.newTable()
	tblVal := ObjVal(&tbl.Obj)
	vm.PushValue(tblVal)
	defer vm.Pop()

	invoke := func(name string, args ...Value) (Value, error) {
		t.Helper()
		vm.PushValue(tblVal)
		for _, a := range args {
			vm.PushValue(a)
		}
		if err := vm.CallMethod(name, len(args)); err != nil {
			vm.Pop()
			return Null, err
		}
		return vm.Pop(), nil
	}

	key := ObjVal(&vm.internString("k").Obj)
	if _, err := invoke("__set__", key, NumVal(7)); err != nil {
		t.Fatal(err)
	}
	if res, err := invoke("__get__", key); err != nil || res.Num() != 7 {
		t.Errorf("__get__ = %v, %v", res, err)
	}
	if res, err := invoke("contains", key); err != nil || res != True {
		t.Errorf("contains = %v, %v", res, err)
	}
	if res, err := invoke("__len__"); err != nil || res.Num() != 1 {
		t.Errorf("__len__ = %v, %v", res, err)
	}
	if res, err := invoke("keys"); err != nil {
		t.Fatal(err)
	} else {
		keys := asList(res.Object())
		if len(keys.Items) != 1 || keys.Items[0] != key {
			t.Errorf("keys = %v", keys.Items)
		}
	}
	if res, err := invoke("delete", key); err != nil || res != True {
		t.Errorf("delete = %v, %v", res, err)
	}
	if res, err := invoke("contains", key); err != nil || res != False {
		t.Errorf("contains after delete = %v, %v", res, err)
	}
	if res, err := invoke("__get__", key); err != nil || !res.IsNull() {
		t.Errorf("__get__ after delete = %v, %v", res, err)
	}

	_, err := invoke("__set__", Null, NumVal(1))
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "TypeException" {
		t.Errorf("null key: class = %s, want TypeException", rtErr.ClassName)
	}
}

func TestExceptionAccessors(t *testing.T) {
	vm := testVM(t)

	// new(err, cause) binds both fields.
	vm.PushValue(coreGlobal(t, vm, "TypeException"))
	vm.PushString("inner")
	if err := vm.Call(1); err != nil {
		t.Fatal(err)
	}
	causeExc := vm.Pop()

	vm.PushValue(coreGlobal(t, vm, "Exception"))
	vm.PushString("outer")
	vm.PushValue(causeExc)
	if err := vm.Call(2); err != nil {
		t.Fatal(err)
	}
	exc := vm.Pop()
	vm.PushValue(exc)
	defer vm.Pop()

	vm.PushValue(exc)
	if err := vm.CallMethod("err", 0); err != nil {
		t.Fatal(err)
	}
	if res := vm.Pop(); !isString(res) || asString(res.Object()).Data != "outer" {
		t.Errorf("err() = %v, want %q", res, "outer")
	}

	vm.PushValue(exc)
	if err := vm.CallMethod("cause", 0); err != nil {
		t.Fatal(err)
	}
	if res := vm.Pop(); res != causeExc {
		t.Errorf("cause() = %v, want the causing exception", res)
	}

	// err must be a string or null.
	vm.PushValue(coreGlobal(t, vm, "Exception"))
	vm.PushNumber(42)
	err := vm.Call(1)
	if asRuntimeError(t, err).ClassName != "TypeException" {
		t.Error("non-string err accepted by Exception.new")
	}
	vm.Pop()
}

func TestStringIteration(t *testing.T) {
	vm := testVM(t)

	// for c in "ab" collects single-character strings.
	fn := makeFunction(vm, "chars", 0, func(_ *Function, a *asm) {
		a.op(OpNewList) // slot 1: result
		a.op(OpNull)    // slot 2: scratch for the element
		a.str(vm, "ab") // slot 3: seq
		a.op(OpNull)    // slot 4: iter
		a.op(OpForPrep)

		loop := a.here()
		a.op(OpForIter)
		exit := a.jump(OpForNext)
		// stash the element, then invoke result.add(element)
		a.opByte(OpSetLocal, 2)
		a.op(OpPop)
		a.opByte(OpGetLocal, 1)
		a.opByte(OpGetLocal, 2)
		a.invoke(vm, "add", 1)
		a.op(OpPop)
		a.jumpBack(OpJump, loop)

		a.patch(exit)
		a.opByte(OpPopN, 4)
		a.opByte(OpGetLocal, 1)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	lst := asList(res.Object())
	if len(lst.Items) != 2 {
		t.Fatalf("collected %d elements, want 2", len(lst.Items))
	}
	if asString(lst.Items[0].Object()).Data != "a" || asString(lst.Items[1].Object()).Data != "b" {
		t.Errorf("collected %v, want [a, b]", lst.Items)
	}
}

func TestGarbageCollectBuiltin(t *testing.T) {
	vm := testVM(t)
	gc := coreGlobal(t, vm, "garbageCollect")

	vm.newList(128) // unrooted garbage
	before := vm.allocated
	res, err := call(t, vm, gc)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNull() {
		t.Errorf("garbageCollect() = %v, want null", res)
	}
	if vm.allocated >= before {
		t.Error("collection did not reclaim the unrooted list")
	}
}
