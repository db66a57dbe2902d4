package vm

// Embedding API.
//
// The embedder and native functions see a window of the value stack: slot 0
// is the window base (the receiver, inside a native call), positive slots
// address upwards, negative slots address from the top of the stack down.
// On entry to a native at least minNativeStack free slots are guaranteed;
// use EnsureStack before pushing more.

// RuntimeError is returned when evaluation fails with an unhandled script
// exception.
type RuntimeError struct {
	ClassName string
	Message   string
	Trace     string
}

func (e *RuntimeError) Error() string {
	if e.Message == "" {
		return e.ClassName
	}
	return e.ClassName + ": " + e.Message
}

// apiStackSlot resolves an API window slot to a stack value.
func (vm *VM) apiStackSlot(slot int) Value {
	if slot < 0 {
		return vm.stack[vm.sp+slot]
	}
	return vm.stack[vm.apiStack+slot]
}

// completeCall calls the value argc slots below the top with the argc values
// above it, running bytecode to completion. The result (or the raised
// exception) ends up on top of the stack.
func (vm *VM) completeCall(argc int) bool {
	depth := vm.frameCount
	if !vm.callValue(vm.peekn(argc), argc) {
		if vm.frameCount > depth {
			// The callee got a frame before failing (a resumed generator
			// throw); unwind it, resuming if a handler catches.
			if !vm.unwindFrames(depth) {
				return false
			}
			return vm.runEval(depth)
		}
		return false
	}
	if vm.frameCount > depth {
		return vm.runEval(depth)
	}
	return true
}

// invokeReentrant invokes a method on the receiver argc slots below the top,
// running bytecode to completion.
func (vm *VM) invokeReentrant(name *String, argc int) bool {
	depth := vm.frameCount
	var sym symbolCache
	if !vm.invokeValue(name, argc, &sym) {
		if vm.frameCount > depth {
			if !vm.unwindFrames(depth) {
				return false
			}
			return vm.runEval(depth)
		}
		return false
	}
	if vm.frameCount > depth {
		return vm.runEval(depth)
	}
	return true
}

// runtimeError builds a RuntimeError from the exception on top of the stack,
// leaving it there.
func (vm *VM) runtimeError() error {
	exception := asInstance(vm.peek().Object())
	err := &RuntimeError{
		ClassName: exception.cls.Name.Data,
		Message:   vm.exceptionError(exception),
		Trace:     vm.formatStacktrace(exception),
	}
	log.Errorf("vm %s unhandled exception: %s", vm.id, err.Error())
	return err
}

// normalizeFailure cuts the stack back to the result slot of a failed call,
// leaving the exception there.
func (vm *VM) normalizeFailure(resultSlot int) {
	exc := vm.pop()
	vm.sp = resultSlot
	vm.push(exc)
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// EvalCode runs a compiled code object as the body of the named module,
// creating and registering the module on first use. On failure the unhandled
// exception is reported as a RuntimeError; nothing is left on the stack
// either way.
func (vm *VM) EvalCode(moduleName string, code *Code) error {
	name := vm.internString(moduleName)
	vm.push(ObjVal(&name.Obj))
	module := vm.getModule(name)
	if module == nil {
		module = vm.newModule(moduleName, name)
		vm.push(ObjVal(&module.Obj))
		vm.setModule(name, module)
		vm.pop()
	}

	// Pin the chunk's object constants: until the function owns the chunk,
	// nothing else roots them.
	base := vm.sp - 1
	vm.reserveStack(len(code.Consts) + 2)
	for _, c := range code.Consts {
		if c.IsObj() {
			vm.push(c)
		}
	}

	fnName := vm.internString("main")
	vm.push(ObjVal(&fnName.Obj))
	fn := vm.newFunction(module, fnName, 0, 0, false)
	vm.push(ObjVal(&fn.Obj))
	fn.Code = *code
	vm.accountFunctionCode(fn)
	closure := vm.newClosure(fn)

	vm.sp = base
	vm.reserveStack(1)
	vm.push(ObjVal(&closure.Obj))

	if !vm.completeCall(0) {
		err := vm.runtimeError()
		vm.pop()
		return err
	}
	vm.pop()
	return nil
}

// Call calls the value argc slots below the top of the stack with the argc
// values above it. The callee and arguments are replaced by the call result;
// on failure, by the unhandled exception.
func (vm *VM) Call(argc int) error {
	resultSlot := vm.sp - argc - 1
	if vm.completeCall(argc) {
		return nil
	}
	vm.normalizeFailure(resultSlot)
	return vm.runtimeError()
}

// CallMethod invokes the named method on the receiver argc slots below the
// top of the stack. Stack contract as Call.
func (vm *VM) CallMethod(name string, argc int) error {
	resultSlot := vm.sp - argc - 1
	if vm.invokeReentrant(vm.internString(name), argc) {
		return nil
	}
	vm.normalizeFailure(resultSlot)
	return vm.runtimeError()
}

// Raise creates an instance of the named core exception class with a
// formatted message and leaves it on top of the stack. Natives raise and
// then return false.
func (vm *VM) Raise(clsName, format string, args ...any) {
	vm.raise(clsName, format, args...)
}

// RegisterNative binds a native function as a global of the named module,
// creating and registering the module on first use. The native receives
// exactly arity arguments.
func (vm *VM) RegisterNative(moduleName, name string, arity uint8, fn NativeFn) {
	modName := vm.internString(moduleName)
	vm.push(ObjVal(&modName.Obj))
	module := vm.getModule(modName)
	if module == nil {
		module = vm.newModule(moduleName, modName)
		vm.push(ObjVal(&module.Obj))
		vm.setModule(modName, module)
		vm.pop()
	}

	n := vm.internString(name)
	vm.push(ObjVal(&n.Obj))
	native := vm.newNative(module, n, arity, 0, false, fn)
	vm.push(ObjVal(&native.Obj))
	vm.moduleSetGlobal(module, n, ObjVal(&native.Obj))
	vm.pop()
	vm.pop()
	vm.pop()
}

// ---------------------------------------------------------------------------
// Stack window accessors
// ---------------------------------------------------------------------------

// EnsureStack guarantees room for n more pushes.
func (vm *VM) EnsureStack(n int) {
	vm.reserveStack(n)
}

// PushValue pushes a raw value.
func (vm *VM) PushValue(v Value) {
	vm.reserveStack(1)
	vm.push(v)
}

func (vm *VM) PushNull()            { vm.PushValue(Null) }
func (vm *VM) PushNumber(n float64) { vm.PushValue(NumVal(n)) }
func (vm *VM) PushBoolean(b bool)   { vm.PushValue(BoolVal(b)) }

// PushString pushes an interned string.
func (vm *VM) PushString(s string) {
	str := vm.internString(s)
	vm.PushValue(ObjVal(&str.Obj))
}

// Pop removes and returns the value on top of the stack.
func (vm *VM) Pop() Value {
	return vm.pop()
}

// Peek returns the value in an API window slot: negative slots address from
// the top of the stack down.
func (vm *VM) Peek(slot int) Value {
	return vm.apiStackSlot(slot)
}

// GetNumber returns the number in a slot.
func (vm *VM) GetNumber(slot int) (float64, bool) {
	v := vm.apiStackSlot(slot)
	if !v.IsNum() {
		return 0, false
	}
	return v.Num(), true
}

// GetBoolean returns the boolean in a slot.
func (vm *VM) GetBoolean(slot int) (bool, bool) {
	v := vm.apiStackSlot(slot)
	if !v.IsBool() {
		return false, false
	}
	return v.Bool(), true
}

// GetString returns the string in a slot.
func (vm *VM) GetString(slot int) (string, bool) {
	v := vm.apiStackSlot(slot)
	if !isString(v) {
		return "", false
	}
	return asString(v.Object()).Data, true
}
