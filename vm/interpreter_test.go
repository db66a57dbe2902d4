package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers shared by the package tests
// ---------------------------------------------------------------------------

func testVM(t *testing.T) *VM {
	t.Helper()
	machine := NewVM(Config{})
	t.Cleanup(machine.Free)
	return machine
}

func mainModule(vm *VM) *Module {
	return vm.getModule(vm.internString(MainModule))
}

// makeFunction assembles a bytecode function living in the main module.
func makeFunction(vm *VM, name string, arity uint8, build func(fn *Function, a *asm)) Value {
	fn := vm.newFunction(mainModule(vm), vm.internString(name), arity, 0, false)
	build(fn, &asm{c: &fn.Code})
	vm.accountFunctionCode(fn)
	c := vm.newClosure(fn)
	return ObjVal(&c.Obj)
}

// call pushes fn and args, runs the call and pops the result.
func call(t *testing.T, vm *VM, fn Value, args ...Value) (Value, error) {
	t.Helper()
	vm.PushValue(fn)
	for _, a := range args {
		vm.PushValue(a)
	}
	if err := vm.Call(len(args)); err != nil {
		vm.Pop() // the exception
		return Null, err
	}
	return vm.Pop(), nil
}

func makeList(vm *VM, items ...Value) *List {
	lst := vm.newList(len(items))
	vm.PushValue(ObjVal(&lst.Obj))
	for _, it := range items {
		vm.listAppend(lst, it)
	}
	vm.Pop()
	return lst
}

// asm is a minimal bytecode assembler with jump patching.
type asm struct {
	c *Code
}

func (a *asm) op(op Opcode) { a.c.Emit(op, 1) }

func (a *asm) opByte(op Opcode, b byte) {
	a.c.Emit(op, 1)
	a.c.EmitByte(b, 1)
}

func (a *asm) konst(v Value) {
	idx := a.c.AddConst(v)
	a.c.Emit(OpGetConst, 1)
	a.c.EmitShort(idx, 1)
}

func (a *asm) num(n float64) { a.konst(NumVal(n)) }

func (a *asm) str(vm *VM, s string) {
	a.konst(ObjVal(&vm.internString(s).Obj))
}

// opConst emits op with the constant-pool index of v as its operand.
func (a *asm) opConst(op Opcode, v Value) {
	idx := a.c.AddConst(v)
	a.c.Emit(op, 1)
	a.c.EmitShort(idx, 1)
}

// sym emits op with a fresh symbol operand for name.
func (a *asm) sym(vm *VM, op Opcode, name string) {
	constIdx := a.c.AddConst(ObjVal(&vm.internString(name).Obj))
	symIdx := a.c.AddSymbol(constIdx)
	a.c.Emit(op, 1)
	a.c.EmitShort(symIdx, 1)
}

// invoke emits OpInvoke with an argument count and a method symbol.
func (a *asm) invoke(vm *VM, name string, argc byte) {
	constIdx := a.c.AddConst(ObjVal(&vm.internString(name).Obj))
	symIdx := a.c.AddSymbol(constIdx)
	a.c.Emit(OpInvoke, 1)
	a.c.EmitByte(argc, 1)
	a.c.EmitShort(symIdx, 1)
}

// jump emits a forward jump and returns the patch position.
func (a *asm) jump(op Opcode) int {
	a.c.Emit(op, 1)
	pos := len(a.c.Bytecode)
	a.c.EmitShort(0, 1)
	return pos
}

// patch points a forward jump at the current position.
func (a *asm) patch(pos int) {
	off := len(a.c.Bytecode) - (pos + 2)
	a.c.Bytecode[pos] = byte(uint16(off) >> 8)
	a.c.Bytecode[pos+1] = byte(uint16(off))
}

// here returns the current bytecode position, a target for jumpBack.
func (a *asm) here() int { return len(a.c.Bytecode) }

// jumpBack emits a backward jump to target.
func (a *asm) jumpBack(op Opcode, target int) {
	a.c.Emit(op, 1)
	off := target - (len(a.c.Bytecode) + 2)
	a.c.EmitShort(uint16(int16(off)), 1)
}

func asRuntimeError(t *testing.T, err error) *RuntimeError {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("expected *RuntimeError, got %T: %v", err, err)
	}
	return rtErr
}

// ---------------------------------------------------------------------------
// Arithmetic and control flow
// ---------------------------------------------------------------------------

func TestArithmetic(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "arith", 0, func(_ *Function, a *asm) {
		a.num(2)
		a.num(3)
		a.op(OpMul)
		a.num(1)
		a.op(OpAdd)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Num(); got != 7 {
		t.Errorf("2*3+1 = %g, want 7", got)
	}
}

func TestStringConcatInterns(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "concat", 0, func(_ *Function, a *asm) {
		a.str(vm, "foo")
		a.str(vm, "bar")
		a.op(OpAdd)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Object() != &vm.internString("foobar").Obj {
		t.Error("concatenation result is not the interned string")
	}
}

func TestNumericComparison(t *testing.T) {
	vm := testVM(t)

	// abs(x): x < 0 ? -x : x
	abs := makeFunction(vm, "abs", 1, func(_ *Function, a *asm) {
		a.opByte(OpGetLocal, 1)
		a.num(0)
		a.op(OpLt)
		toElse := a.jump(OpJumpIfFalse)
		a.opByte(OpGetLocal, 1)
		a.op(OpNeg)
		a.op(OpReturn)
		a.patch(toElse)
		a.opByte(OpGetLocal, 1)
		a.op(OpReturn)
	})

	for _, tc := range []struct{ in, want float64 }{
		{-3, 3}, {4, 4}, {0, 0},
	} {
		res, err := call(t, vm, abs, NumVal(tc.in))
		if err != nil {
			t.Fatal(err)
		}
		if got := res.Num(); got != tc.want {
			t.Errorf("abs(%g) = %g, want %g", tc.in, got, tc.want)
		}
	}
}

func TestOperatorNotDefined(t *testing.T) {
	vm := testVM(t)

	// Adding a number and a string has no overload on either side.
	fn := makeFunction(vm, "badAdd", 0, func(_ *Function, a *asm) {
		a.num(1)
		a.str(vm, "x")
		a.op(OpAdd)
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "TypeException" {
		t.Errorf("class = %s, want TypeException", rtErr.ClassName)
	}
	if !strings.Contains(rtErr.Message, "Number") || !strings.Contains(rtErr.Message, "String") {
		t.Errorf("message %q does not name both operand classes", rtErr.Message)
	}
}

func TestBuiltinEquality(t *testing.T) {
	vm := testVM(t)

	eq := func(build func(a *asm)) Value {
		t.Helper()
		fn := makeFunction(vm, "eq", 0, func(_ *Function, a *asm) {
			build(a)
			a.op(OpEq)
			a.op(OpReturn)
		})
		res, err := call(t, vm, fn)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	// Strings inherit Object's __eq__; interning makes equal content
	// identical.
	if res := eq(func(a *asm) { a.str(vm, "a"); a.str(vm, "a") }); res != True {
		t.Errorf(`"a" == "a" = %v, want true`, res)
	}
	if res := eq(func(a *asm) { a.str(vm, "a"); a.str(vm, "b") }); res != False {
		t.Errorf(`"a" == "b" = %v, want false`, res)
	}

	// Lists compare by identity.
	lst := makeList(vm, NumVal(1))
	same := ObjVal(&lst.Obj)
	if res := eq(func(a *asm) { a.konst(same); a.konst(same) }); res != True {
		t.Errorf("list == itself = %v, want true", res)
	}
	other := makeList(vm, NumVal(1))
	if res := eq(func(a *asm) { a.konst(same); a.konst(ObjVal(&other.Obj)) }); res != False {
		t.Errorf("list == distinct list = %v, want false", res)
	}
}

func TestBitwiseRequiresInteger(t *testing.T) {
	vm := testVM(t)

	band := func(x, y float64) error {
		t.Helper()
		fn := makeFunction(vm, "band", 0, func(_ *Function, a *asm) {
			a.num(x)
			a.num(y)
			a.op(OpBand)
			a.op(OpReturn)
		})
		_, err := call(t, vm, fn)
		return err
	}

	rtErr := asRuntimeError(t, band(1.5, 3))
	if !strings.Contains(rtErr.Message, "integer representation") {
		t.Errorf("message = %q", rtErr.Message)
	}

	// 1<<63 is an exact float64 but overflows int64.
	rtErr = asRuntimeError(t, band(float64(1<<62)*2, 1))
	if !strings.Contains(rtErr.Message, "integer representation") {
		t.Errorf("message for 2^63 = %q", rtErr.Message)
	}

	if err := band(6, 3); err != nil {
		t.Errorf("6 & 3 failed: %v", err)
	}
}

func TestArityError(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "twoArgs", 2, func(_ *Function, a *asm) {
		a.op(OpNull)
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn, NumVal(1))
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "TypeException" {
		t.Errorf("class = %s, want TypeException", rtErr.ClassName)
	}
	if !strings.Contains(rtErr.Message, "exactly 2 arguments, 1 supplied") {
		t.Errorf("message = %q", rtErr.Message)
	}
}

func TestDefaultArguments(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "withDefault", 2, func(fnRec *Function, a *asm) {
		fnRec.Proto.Defaults = []Value{NumVal(10)}
		a.opByte(OpGetLocal, 1)
		a.opByte(OpGetLocal, 2)
		a.op(OpAdd)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn, NumVal(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 11 {
		t.Errorf("withDefault(1) = %g, want 11", res.Num())
	}

	res, err = call(t, vm, fn, NumVal(1), NumVal(2))
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 3 {
		t.Errorf("withDefault(1, 2) = %g, want 3", res.Num())
	}
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func TestGlobalDefineAndGet(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "globals", 0, func(_ *Function, a *asm) {
		a.num(42)
		a.sym(vm, OpDefineGlobal, "answer")
		a.sym(vm, OpGetGlobal, "answer")
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 42 {
		t.Errorf("global = %g, want 42", res.Num())
	}

	// The global is visible in the module afterwards.
	mod := mainModule(vm)
	off := vm.moduleGlobalOffset(mod, vm.internString("answer"))
	if off == -1 || mod.Globals[off].Num() != 42 {
		t.Error("global `answer` not defined in the main module")
	}
}

func TestUndefinedGlobal(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "missing", 0, func(_ *Function, a *asm) {
		a.sym(vm, OpGetGlobal, "nope")
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "NameException" {
		t.Errorf("class = %s, want NameException", rtErr.ClassName)
	}
}

// ---------------------------------------------------------------------------
// Closures and upvalues
// ---------------------------------------------------------------------------

func TestClosureCapturesLocal(t *testing.T) {
	vm := testVM(t)

	inner := vm.newFunction(mainModule(vm), vm.internString("inner"), 0, 0, false)
	inner.UpvalueCount = 1
	{
		a := &asm{c: &inner.Code}
		a.opByte(OpGetUpvalue, 0)
		a.num(5)
		a.op(OpAdd)
		a.op(OpReturn)
	}
	vm.accountFunctionCode(inner)

	outer := makeFunction(vm, "outer", 0, func(_ *Function, a *asm) {
		a.num(10) // local slot 1
		a.opConst(OpClosure, ObjVal(&inner.Obj))
		a.c.EmitByte(1, 1) // isLocal
		a.c.EmitByte(1, 1) // slot 1
		a.opByte(OpCall, 0)
		a.op(OpReturn)
	})

	res, err := call(t, vm, outer)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 15 {
		t.Errorf("closure result = %g, want 15", res.Num())
	}
}

// ---------------------------------------------------------------------------
// Method invocation and subscripts
// ---------------------------------------------------------------------------

func TestInvokeBuiltinMethod(t *testing.T) {
	vm := testVM(t)
	lst := makeList(vm, NumVal(1), NumVal(2), NumVal(3))

	fn := makeFunction(vm, "listLen", 0, func(_ *Function, a *asm) {
		a.konst(ObjVal(&lst.Obj))
		a.invoke(vm, "__len__", 0)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 3 {
		t.Errorf("len = %g, want 3", res.Num())
	}
}

func TestListSubscript(t *testing.T) {
	vm := testVM(t)
	lst := makeList(vm, NumVal(10), NumVal(20), NumVal(30))

	fn := makeFunction(vm, "subscr", 1, func(_ *Function, a *asm) {
		a.konst(ObjVal(&lst.Obj))
		a.opByte(OpGetLocal, 1)
		a.op(OpSubscrGet)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn, NumVal(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 20 {
		t.Errorf("lst[1] = %g, want 20", res.Num())
	}

	_, err = call(t, vm, fn, NumVal(7))
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "IndexOutOfBoundException" {
		t.Errorf("class = %s, want IndexOutOfBoundException", rtErr.ClassName)
	}
}

func TestStringSliceSubscript(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "slice", 0, func(_ *Function, a *asm) {
		a.str(vm, "quill")
		a.num(1)
		a.num(4)
		a.opByte(OpNewTuple, 2)
		a.op(OpSubscrGet)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !isString(res) || asString(res.Object()).Data != "uil" {
		t.Errorf("slice = %v, want %q", res, "uil")
	}
}

func TestListSubscriptAssign(t *testing.T) {
	vm := testVM(t)
	lst := makeList(vm, NumVal(1), NumVal(2))

	// lst[0] = 99; stack layout for subscr_set is (value, index, target).
	fn := makeFunction(vm, "assign", 0, func(_ *Function, a *asm) {
		a.num(99)
		a.num(0)
		a.konst(ObjVal(&lst.Obj))
		a.op(OpSubscrSet)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 99 {
		t.Errorf("assignment result = %g, want 99", res.Num())
	}
	if lst.Items[0].Num() != 99 {
		t.Errorf("lst[0] = %v, want 99", lst.Items[0])
	}
}

// ---------------------------------------------------------------------------
// for-in loops
// ---------------------------------------------------------------------------

func TestForLoopOverList(t *testing.T) {
	vm := testVM(t)
	lst := makeList(vm, NumVal(1), NumVal(2), NumVal(3))

	// sum = 0; for e in lst { sum += e }; return sum
	fn := makeFunction(vm, "sum", 0, func(_ *Function, a *asm) {
		a.num(0)                  // slot 1: sum
		a.konst(ObjVal(&lst.Obj)) // slot 2: seq
		a.op(OpNull)              // slot 3: iter
		a.op(OpForPrep)           // slots 4, 5: __iter__, __next__

		loop := a.here()
		a.op(OpForIter)
		exit := a.jump(OpForNext)
		// body: the element is on top of the stack
		a.opByte(OpGetLocal, 1)
		a.op(OpAdd)
		a.opByte(OpSetLocal, 1)
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
	if res.Num() != 6 {
		t.Errorf("sum = %g, want 6", res.Num())
	}
}

func TestForLoopRequiresIterable(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "badFor", 0, func(_ *Function, a *asm) {
		a.num(42)
		a.op(OpNull)
		a.op(OpForPrep)
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "MethodException" {
		t.Errorf("class = %s, want MethodException", rtErr.ClassName)
	}
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

func TestClassDeclarationAndInstance(t *testing.T) {
	vm := testVM(t)

	ctor := vm.newFunction(mainModule(vm), vm.internString("new"), 0, 0, false)
	{
		a := &asm{c: &ctor.Code}
		a.num(7)
		a.opByte(OpGetLocal, 0) // this
		a.sym(vm, OpSetField, "x")
		a.op(OpPop)
		a.opByte(OpGetLocal, 0)
		a.op(OpReturn)
	}
	vm.accountFunctionCode(ctor)

	getX := vm.newFunction(mainModule(vm), vm.internString("getX"), 0, 0, false)
	{
		a := &asm{c: &getX.Code}
		a.opByte(OpGetLocal, 0)
		a.sym(vm, OpGetField, "x")
		a.op(OpReturn)
	}
	vm.accountFunctionCode(getX)

	// class Point { new() { this.x = 7 } getX() { return this.x } }
	fn := makeFunction(vm, "declare", 0, func(_ *Function, a *asm) {
		a.op(OpGetBase) // implicit Object superclass
		a.opConst(OpNewClass, ObjVal(&vm.internString("Point").Obj))
		a.op(OpSubclass)

		a.opConst(OpClosure, ObjVal(&ctor.Obj))
		a.opConst(OpDefMethod, ObjVal(&vm.internString("new").Obj))
		a.opConst(OpClosure, ObjVal(&getX.Obj))
		a.opConst(OpDefMethod, ObjVal(&vm.internString("getX").Obj))

		// Instantiate and read the field back through the getter.
		a.opByte(OpCall, 0)
		a.invoke(vm, "getX", 0)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 7 {
		t.Errorf("point.getX() = %g, want 7", res.Num())
	}
}

func TestCannotSubclassBuiltin(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "badSubclass", 0, func(_ *Function, a *asm) {
		a.sym(vm, OpGetGlobal, "List")
		a.opConst(OpNewClass, ObjVal(&vm.internString("MyList").Obj))
		a.op(OpSubclass)
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "TypeException" {
		t.Errorf("class = %s, want TypeException", rtErr.ClassName)
	}
	if !strings.Contains(rtErr.Message, "builtin class List") {
		t.Errorf("message = %q", rtErr.Message)
	}
}

// ---------------------------------------------------------------------------
// Imports
// ---------------------------------------------------------------------------

func TestImportName(t *testing.T) {
	vm := testVM(t)
	vm.RegisterNative("geo", "area", 2, func(vm *VM) bool {
		w, _ := vm.GetNumber(1)
		h, _ := vm.GetNumber(2)
		vm.PushNumber(w * h)
		return true
	})

	fn := makeFunction(vm, "useImport", 0, func(fnRec *Function, a *asm) {
		modIdx := fnRec.Code.AddConst(ObjVal(&vm.internString("geo").Obj))
		nameIdx := fnRec.Code.AddConst(ObjVal(&vm.internString("area").Obj))
		a.c.Emit(OpImportName, 1)
		a.c.EmitShort(modIdx, 1)
		a.c.EmitShort(nameIdx, 1)
		a.num(3)
		a.num(4)
		a.opByte(OpCall, 2)
		a.op(OpReturn)
	})

	res, err := call(t, vm, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Num() != 12 {
		t.Errorf("area = %g, want 12", res.Num())
	}
}

func TestImportUnknownModule(t *testing.T) {
	vm := testVM(t)

	fn := makeFunction(vm, "badImport", 0, func(_ *Function, a *asm) {
		a.opConst(OpImport, ObjVal(&vm.internString("nowhere").Obj))
		a.op(OpReturn)
	})

	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "ImportException" {
		t.Errorf("class = %s, want ImportException", rtErr.ClassName)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestInterruptStopsLoop(t *testing.T) {
	vm := testVM(t)

	// An infinite loop; the interrupt flag is already set, so the first
	// backward jump raises.
	fn := makeFunction(vm, "spin", 0, func(_ *Function, a *asm) {
		loop := a.here()
		a.jumpBack(OpJump, loop)
	})

	vm.Interrupt()
	_, err := call(t, vm, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "ProgramInterrupt" {
		t.Errorf("class = %s, want ProgramInterrupt", rtErr.ClassName)
	}
}
