package vm

import (
	"strings"
	"testing"
)

func TestRegisterNativeAndCall(t *testing.T) {
	vm := testVM(t)
	vm.RegisterNative("math", "double", 1, func(vm *VM) bool {
		n, ok := vm.GetNumber(1)
		if !ok {
			vm.Raise("TypeException", "double() expects a number")
			return false
		}
		vm.PushNumber(n * 2)
		return true
	})

	mod := vm.getModule(vm.internString("math"))
	if mod == nil {
		t.Fatal("module not registered")
	}
	off := vm.moduleGlobalOffset(mod, vm.internString("double"))
	if off == -1 {
		t.Fatal("native not bound as a module global")
	}

	vm.PushValue(mod.Globals[off])
	vm.PushNumber(21)
	if err := vm.Call(1); err != nil {
		t.Fatal(err)
	}
	if res := vm.Pop(); res.Num() != 42 {
		t.Errorf("double(21) = %v, want 42", res)
	}
}

func TestNativeRaisePropagates(t *testing.T) {
	vm := testVM(t)
	vm.RegisterNative("math", "fail", 0, func(vm *VM) bool {
		vm.Raise("InvalidArgException", "always fails")
		return false
	})

	mod := vm.getModule(vm.internString("math"))
	off := vm.moduleGlobalOffset(mod, vm.internString("fail"))

	vm.PushValue(mod.Globals[off])
	err := vm.Call(0)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "InvalidArgException" || rtErr.Message != "always fails" {
		t.Errorf("error = %v", rtErr)
	}

	// The exception instance is left at the result slot.
	exc := vm.Pop()
	if !vm.isInstanceOf(exc, vm.excClass) {
		t.Error("result slot does not hold the exception instance")
	}
}

func TestNativeReentrantCall(t *testing.T) {
	vm := testVM(t)

	// A native that calls a bytecode function passed to it.
	vm.RegisterNative("fns", "apply", 2, func(vm *VM) bool {
		vm.EnsureStack(2)
		vm.PushValue(vm.Peek(1))
		vm.PushValue(vm.Peek(2))
		return vm.completeCall(1)
	})

	addOne := makeFunction(vm, "addOne", 1, func(_ *Function, a *asm) {
		a.opByte(OpGetLocal, 1)
		a.num(1)
		a.op(OpAdd)
		a.op(OpReturn)
	})

	mod := vm.getModule(vm.internString("fns"))
	off := vm.moduleGlobalOffset(mod, vm.internString("apply"))

	vm.PushValue(mod.Globals[off])
	vm.PushValue(addOne)
	vm.PushNumber(41)
	if err := vm.Call(2); err != nil {
		t.Fatal(err)
	}
	if res := vm.Pop(); res.Num() != 42 {
		t.Errorf("apply(addOne, 41) = %v, want 42", res)
	}
}

func TestCallMethodOnBuiltin(t *testing.T) {
	vm := testVM(t)

	vm.PushString("hello")
	if err := vm.CallMethod("__len__", 0); err != nil {
		t.Fatal(err)
	}
	if res := vm.Pop(); res.Num() != 5 {
		t.Errorf(`"hello".__len__() = %v, want 5`, res)
	}

	vm.PushString("hello")
	err := vm.CallMethod("nope", 0)
	rtErr := asRuntimeError(t, err)
	vm.Pop()
	if rtErr.ClassName != "MethodException" {
		t.Errorf("class = %s, want MethodException", rtErr.ClassName)
	}
}

func TestStackAccessors(t *testing.T) {
	vm := testVM(t)

	vm.PushNumber(1.5)
	vm.PushBoolean(true)
	vm.PushString("text")
	vm.PushNull()

	if !vm.Peek(-1).IsNull() {
		t.Error("Peek(-1) is not null")
	}
	if s, ok := vm.GetString(-2); !ok || s != "text" {
		t.Errorf("GetString(-2) = %q, %v", s, ok)
	}
	if b, ok := vm.GetBoolean(-3); !ok || !b {
		t.Errorf("GetBoolean(-3) = %v, %v", b, ok)
	}
	if n, ok := vm.GetNumber(-4); !ok || n != 1.5 {
		t.Errorf("GetNumber(-4) = %g, %v", n, ok)
	}

	// Type mismatches report failure without panicking.
	if _, ok := vm.GetNumber(-1); ok {
		t.Error("GetNumber on null succeeded")
	}
	if _, ok := vm.GetString(-4); ok {
		t.Error("GetString on a number succeeded")
	}

	for i := 0; i < 4; i++ {
		vm.Pop()
	}
}

func TestEvalCode(t *testing.T) {
	vm := testVM(t)

	fn := vm.newFunction(mainModule(vm), vm.internString("main"), 0, 0, false)
	a := &asm{c: &fn.Code}
	a.num(10)
	a.num(32)
	a.op(OpAdd)
	a.sym(vm, OpDefineGlobal, "total")
	a.op(OpNull)
	a.op(OpReturn)
	vm.accountFunctionCode(fn)

	sp := vm.sp
	if err := vm.EvalCode("script", &fn.Code); err != nil {
		t.Fatal(err)
	}
	if vm.sp != sp {
		t.Errorf("sp = %d after EvalCode, want %d", vm.sp, sp)
	}

	mod := vm.getModule(vm.internString("script"))
	if mod == nil {
		t.Fatal("module not created")
	}
	off := vm.moduleGlobalOffset(mod, vm.internString("total"))
	if off == -1 || mod.Globals[off].Num() != 42 {
		t.Error("script global not defined")
	}
}

func TestEvalCodeFailure(t *testing.T) {
	vm := testVM(t)

	fn := vm.newFunction(mainModule(vm), vm.internString("main"), 0, 0, false)
	a := &asm{c: &fn.Code}
	a.sym(vm, OpGetGlobal, "undefined")
	a.op(OpReturn)
	vm.accountFunctionCode(fn)

	sp := vm.sp
	err := vm.EvalCode("failing", &fn.Code)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "NameException" {
		t.Errorf("class = %s, want NameException", rtErr.ClassName)
	}
	if !strings.Contains(rtErr.Trace, "failing") {
		t.Errorf("trace %q does not name the module", rtErr.Trace)
	}
	if vm.sp != sp {
		t.Errorf("sp = %d after failed EvalCode, want %d", vm.sp, sp)
	}
}

func TestInterruptIsSafeWhenIdle(t *testing.T) {
	vm := testVM(t)

	// An interrupt with no evaluation running is consumed by the next call.
	vm.Interrupt()

	fn := makeFunction(vm, "noop", 0, func(_ *Function, a *asm) {
		loop := a.here()
		a.jumpBack(OpJump, loop)
	})
	_, err := call(t, vm, fn)
	if asRuntimeError(t, err).ClassName != "ProgramInterrupt" {
		t.Error("pending interrupt not consumed by the next evaluation")
	}
}
