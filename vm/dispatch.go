package vm

// Call machinery and value operations shared by the eval loop and the
// embedding API.

func (vm *VM) checkStackOverflow() bool {
	if vm.frameCount+1 >= vm.config.MaxRecursionDepth {
		vm.raise("StackOverflowException", "Exceeded maximum recursion depth")
		return false
	}
	return true
}

func (vm *VM) argumentError(proto *Prototype, expected, supplied int, quantity string) {
	vm.raise("TypeException", "Function `%s.%s` takes %s %d arguments, %d supplied.",
		proto.Module.Name.Data, proto.Name.Data, quantity, expected, supplied)
}

// packVarargs collects the top count arguments into a tuple.
func (vm *VM) packVarargs(count int) {
	args := vm.newTuple(count)
	for i := count - 1; i >= 0; i-- {
		args.Items[i] = vm.pop()
	}
	vm.push(ObjVal(&args.Obj))
}

// adjustArguments validates the supplied argument count against a prototype
// and normalizes the stack: missing optionals take their defaults and extra
// arguments of a vararg function are packed into a tuple.
func (vm *VM) adjustArguments(p *Prototype, argc int) bool {
	most := int(p.Arity)
	least := most - len(p.Defaults)

	if !p.Vararg && argc > most {
		quantity := "at most"
		if most == least {
			quantity = "exactly"
		}
		vm.argumentError(p, most, argc, quantity)
		return false
	} else if argc < least {
		quantity := "at least"
		if most == least && !p.Vararg {
			quantity = "exactly"
		}
		vm.argumentError(p, least, argc, quantity)
		return false
	}

	for i := argc - least; i < len(p.Defaults); i++ {
		vm.push(p.Defaults[i])
	}

	if p.Vararg {
		extra := 0
		if argc > most {
			extra = argc - most
		}
		vm.packVarargs(extra)
	}

	return true
}

func (vm *VM) callFunction(closure *Closure, argc int) bool {
	if !vm.checkStackOverflow() {
		return false
	}
	if !vm.adjustArguments(&closure.Fn.Proto, argc) {
		return false
	}

	vm.reserveStack(maxLocals)
	vm.appendCallFrame(closure)
	vm.module = closure.Fn.Proto.Module
	return true
}

// callNative runs a native inline, giving it a frame and an API stack window
// based at the receiver slot. The window base is saved as an offset so stack
// growth inside the native cannot invalidate it.
func (vm *VM) callNative(native *Native, argc int) bool {
	if !vm.checkStackOverflow() {
		return false
	}
	if !vm.adjustArguments(&native.Proto, argc) {
		return false
	}

	vm.reserveStack(minNativeStack)
	frame := vm.appendNativeFrame(native)

	oldModule := vm.module
	oldAPIStack := vm.apiStack

	vm.module = native.Proto.Module
	vm.apiStack = frame.stackBase

	if !native.Fn(vm) {
		vm.module = oldModule
		vm.apiStack = oldAPIStack
		return false
	}

	ret := vm.pop()
	vm.frameCount--
	vm.sp = vm.apiStack
	vm.push(ret)

	vm.module = oldModule
	vm.apiStack = oldAPIStack
	return true
}

// callValue sets up the call of any callable value with argc arguments on
// the stack. Calling a class instantiates it, calling a generator resumes
// it.
func (vm *VM) callValue(callee Value, argc int) bool {
	if callee.IsObj() {
		switch callee.Object().kind {
		case KindClosure:
			return vm.callFunction(asClosure(callee.Object()), argc)

		case KindNative:
			return vm.callNative(asNative(callee.Object()), argc)

		case KindGenerator:
			return vm.resumeGenerator(asGenerator(callee.Object()), argc)

		case KindBoundMethod:
			m := asBoundMethod(callee.Object())
			vm.stack[vm.sp-argc-1] = m.Receiver
			switch m.Method.kind {
			case KindClosure:
				return vm.callFunction(asClosure(m.Method), argc)
			case KindNative:
				return vm.callNative(asNative(m.Method), argc)
			default:
				panic("callValue: bound method is not a Closure or Native")
			}

		case KindClass:
			cls := asClass(callee.Object())

			if vm.isNonInstantiableBuiltin(cls) {
				vm.raise("Exception", "class %s can't be directly instantiated",
					cls.Name.Data)
				return false
			}

			if vm.isInstantiableBuiltin(cls) {
				vm.stack[vm.sp-argc-1] = Null
			} else {
				vm.stack[vm.sp-argc-1] = ObjVal(&vm.newInstance(cls).Obj)
			}

			if ctor, ok := cls.Methods.get(vm.specialMethods[methCtor]); ok {
				switch ctor.Object().kind {
				case KindClosure:
					return vm.callFunction(asClosure(ctor.Object()), argc)
				case KindNative:
					return vm.callNative(asNative(ctor.Object()), argc)
				default:
					panic("callValue: constructor is not a Closure or Native")
				}
			} else if argc != 0 {
				vm.raise("TypeException",
					"Function %s.new() Expected 0 args, but instead `%d` supplied.",
					cls.Name.Data, argc)
				return false
			}
			return true
		}
	}

	vm.raise("TypeException", "Object %s is not a callable.", vm.ClassOf(callee).Name.Data)
	return false
}

// ---------------------------------------------------------------------------
// Method invocation and inline caches
// ---------------------------------------------------------------------------

func isSymbolCached(key *Obj, sym *symbolCache) bool {
	return sym.key == key && key != nil
}

// getCachedSymbol resolves a cached symbol lookup against val, the object
// the symbol was resolved on.
func (vm *VM) getCachedSymbol(key, val *Obj, sym *symbolCache) (Value, bool) {
	if !isSymbolCached(key, sym) {
		return Null, false
	}

	switch sym.kind {
	case symbolMethod:
		return sym.method, true
	case symbolBoundMethod:
		bound := vm.newBoundMethod(ObjVal(val), sym.method.Object())
		return ObjVal(&bound.Obj), true
	case symbolField:
		return instanceFieldAt(asInstance(val), sym.offset)
	case symbolGlobal:
		return asModule(key).Globals[sym.offset], true
	default:
		panic("getCachedSymbol: empty symbol cache")
	}
}

func (vm *VM) invokeMethod(cls *Class, name *String, argc int) bool {
	method, ok := cls.Methods.get(name)
	if !ok {
		vm.raise("MethodException", "Method %s.%s() doesn't exists", cls.Name.Data, name.Data)
		return false
	}
	return vm.callValue(method, argc)
}

func (vm *VM) invokeMethodCached(cls *Class, name *String, argc int, sym *symbolCache) bool {
	if isSymbolCached(&cls.Obj, sym) {
		return vm.callValue(sym.method, argc)
	}

	method, ok := cls.Methods.get(name)
	if !ok {
		vm.raise("MethodException", "Method %s.%s() doesn't exists", cls.Name.Data, name.Data)
		return false
	}

	sym.kind = symbolMethod
	sym.key = &cls.Obj
	sym.method = method

	return vm.callValue(method, argc)
}

// bindMethod replaces the receiver on top of the stack with a bound method.
func (vm *VM) bindMethod(cls *Class, name *String) bool {
	method, ok := cls.Methods.get(name)
	if !ok {
		return false
	}
	bound := vm.newBoundMethod(vm.peek(), method.Object())
	vm.pop()
	vm.push(ObjVal(&bound.Obj))
	return true
}

func (vm *VM) bindMethodCached(cls *Class, name *String, sym *symbolCache) bool {
	if isSymbolCached(&cls.Obj, sym) {
		bound := vm.newBoundMethod(vm.peek(), sym.method.Object())
		vm.pop()
		vm.push(ObjVal(&bound.Obj))
		return true
	}

	method, ok := cls.Methods.get(name)
	if !ok {
		return false
	}

	sym.kind = symbolBoundMethod
	sym.key = &cls.Obj
	sym.method = method

	bound := vm.newBoundMethod(vm.peek(), method.Object())
	vm.pop()
	vm.push(ObjVal(&bound.Obj))
	return true
}

// invokeValue invokes name on the receiver argc slots below the top.
// Instances try methods first, then callable fields; modules try module
// methods, then global functions.
func (vm *VM) invokeValue(name *String, argc int, sym *symbolCache) bool {
	val := vm.peekn(argc)
	if val.IsObj() {
		switch val.Object().kind {
		case KindInstance:
			inst := asInstance(val.Object())
			cls := inst.cls

			if method, ok := vm.getCachedSymbol(&cls.Obj, &inst.Obj, sym); ok {
				return vm.callValue(method, argc)
			}

			if method, ok := cls.Methods.get(name); ok {
				sym.kind = symbolMethod
				sym.key = &cls.Obj
				sym.method = method
				return vm.callValue(method, argc)
			}

			// No method: a field holding a callable works too.
			if off := vm.instanceFieldOffset(cls, name); off != -1 {
				sym.kind = symbolField
				sym.key = &cls.Obj
				sym.offset = off
				field, _ := instanceFieldAt(inst, off)
				return vm.callValue(field, argc)
			}

			vm.raise("MethodException", "Method %s.%s() doesn't exists",
				cls.Name.Data, name.Data)
			return false

		case KindModule:
			mod := asModule(val.Object())

			if fn, ok := vm.getCachedSymbol(&mod.Obj, &mod.Obj, sym); ok {
				if sym.kind != symbolMethod {
					// A function call: the function replaces the module as
					// the receiver slot.
					vm.stack[vm.sp-argc-1] = fn
				}
				return vm.callValue(fn, argc)
			}

			// A Module method shadows same-named globals.
			if fn, ok := vm.modClass.Methods.get(name); ok {
				sym.kind = symbolMethod
				sym.key = &mod.Obj
				sym.method = fn
				return vm.callValue(fn, argc)
			}

			if off := vm.moduleGlobalOffset(mod, name); off != -1 {
				sym.kind = symbolGlobal
				sym.key = &mod.Obj
				sym.offset = off

				fn := mod.Globals[off]
				vm.stack[vm.sp-argc-1] = fn
				return vm.callValue(fn, argc)
			}

			vm.raise("NameException", "Name `%s` is not defined in module %s.",
				name.Data, mod.Name.Data)
			return false
		}
	}

	return vm.invokeMethodCached(vm.ClassOf(val), name, argc, sym)
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// getValueField replaces the value on top of the stack with its field name.
// Instances resolve fields then bound methods, modules resolve globals then
// Module methods, everything else binds a method of its class.
func (vm *VM) getValueField(name *String, sym *symbolCache) bool {
	val := vm.peek()
	if val.IsObj() {
		switch val.Object().kind {
		case KindInstance:
			inst := asInstance(val.Object())
			cls := inst.cls

			if isSymbolCached(&cls.Obj, sym) && sym.kind == symbolField {
				if field, ok := instanceFieldAt(inst, sym.offset); ok {
					vm.pop()
					vm.push(field)
					return true
				}
			}

			if off := vm.instanceFieldOffset(cls, name); off != -1 {
				sym.kind = symbolField
				sym.key = &cls.Obj
				sym.offset = off

				field, _ := instanceFieldAt(inst, off)
				vm.pop()
				vm.push(field)
				return true
			}

			// Fallback, not cached: the field may be assigned later.
			if vm.bindMethod(cls, name) {
				return true
			}

			vm.raise("FieldException", "Object %s doesn't have field `%s`.",
				cls.Name.Data, name.Data)
			return false

		case KindModule:
			mod := asModule(val.Object())

			if isSymbolCached(&mod.Obj, sym) && sym.kind == symbolGlobal {
				vm.pop()
				vm.push(mod.Globals[sym.offset])
				return true
			}

			if off := vm.moduleGlobalOffset(mod, name); off != -1 {
				sym.kind = symbolGlobal
				sym.key = &mod.Obj
				sym.offset = off

				vm.pop()
				vm.push(mod.Globals[off])
				return true
			}

			// Fallback, not cached: the global may be defined later.
			if vm.bindMethod(mod.cls, name) {
				return true
			}

			vm.raise("NameException", "Name `%s` is not defined in module %s",
				name.Data, mod.Name.Data)
			return false
		}
	}

	cls := vm.ClassOf(val)
	if vm.bindMethodCached(cls, name, sym) {
		return true
	}

	vm.raise("FieldException", "Object %s doesn't have field `%s`.", cls.Name.Data, name.Data)
	return false
}

// setValueField pops the target value and assigns field name, leaving the
// assigned value on top. Assigning a new field name to an instance creates
// the field; likewise for module globals.
func (vm *VM) setValueField(name *String, sym *symbolCache) bool {
	val := vm.pop()
	if val.IsObj() {
		switch val.Object().kind {
		case KindInstance:
			inst := asInstance(val.Object())
			cls := inst.cls

			if isSymbolCached(&cls.Obj, sym) && sym.kind == symbolField &&
				sym.offset < len(inst.FieldValues) {
				inst.FieldValues[sym.offset] = vm.peek()
				return true
			}

			off := vm.instanceSetField(cls, inst, name, vm.peek())
			sym.kind = symbolField
			sym.key = &cls.Obj
			sym.offset = off
			return true

		case KindModule:
			mod := asModule(val.Object())

			if isSymbolCached(&mod.Obj, sym) && sym.kind == symbolGlobal {
				mod.Globals[sym.offset] = vm.peek()
				return true
			}

			off := vm.moduleSetGlobal(mod, name, vm.peek())
			sym.kind = symbolGlobal
			sym.key = &mod.Obj
			sym.offset = off
			return true
		}
	}

	vm.raise("FieldException", "Object %s doesn't have field `%s`.",
		vm.ClassOf(val).Name.Data, name.Data)
	return false
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func (vm *VM) setGlobalName(mod *Module, name *String, sym *symbolCache) {
	if isSymbolCached(&mod.Obj, sym) {
		mod.Globals[sym.offset] = vm.peek()
		return
	}
	off := vm.moduleSetGlobal(mod, name, vm.peek())
	sym.kind = symbolGlobal
	sym.key = &mod.Obj
	sym.offset = off
}

func (vm *VM) getGlobalName(mod *Module, name *String, sym *symbolCache) bool {
	if isSymbolCached(&mod.Obj, sym) {
		vm.push(mod.Globals[sym.offset])
		return true
	}

	off := vm.moduleGlobalOffset(mod, name)
	if off == -1 {
		vm.raise("NameException", "Name `%s` is not defined in module `%s`.",
			name.Data, mod.Name.Data)
		return false
	}

	sym.kind = symbolGlobal
	sym.key = &mod.Obj
	sym.offset = off

	vm.push(mod.Globals[off])
	return true
}

// ---------------------------------------------------------------------------
// Subscripts
// ---------------------------------------------------------------------------

// checkIndex validates a numeric index against a size, raising
// IndexOutOfBoundException. Returns -1 on failure.
func (vm *VM) checkIndex(i float64, max int) int {
	if i >= 0 && int(i) < max {
		return int(i)
	}
	vm.raise("IndexOutOfBoundException", "%g.", i)
	return -1
}

// checkSliceIndex validates a 2-tuple slice index against a size.
func (vm *VM) checkSliceIndex(slice *Tuple, size int) (low, high int, ok bool) {
	if len(slice.Items) != 2 {
		vm.raise("TypeException", "Slice index must have two elements.")
		return 0, 0, false
	}
	if !slice.Items[0].IsInt() || !slice.Items[1].IsInt() {
		vm.raise("TypeException", "Slice index must be two integers.")
		return 0, 0, false
	}

	a := vm.checkIndex(slice.Items[0].Num(), size+1)
	if a == -1 {
		return 0, 0, false
	}
	b := vm.checkIndex(slice.Items[1].Num(), size+1)
	if b == -1 {
		return 0, 0, false
	}
	if a > b {
		vm.raise("InvalidArgException",
			"Invalid slice indices (%g, %g), first must be <= than second",
			slice.Items[0].Num(), slice.Items[1].Num())
		return 0, 0, false
	}
	return a, b, true
}

// subscriptValues handles the integer and slice fast path for List and
// Tuple.
func (vm *VM) subscriptValues(items []Value, makeSlice func(vs []Value) Value, what string) bool {
	arg := vm.peek()

	if arg.IsInt() {
		idx := vm.checkIndex(arg.Num(), len(items))
		if idx == -1 {
			return false
		}
		vm.pop()
		vm.pop()
		vm.push(items[idx])
		return true
	}
	if isTuple(arg) {
		low, high, ok := vm.checkSliceIndex(asTuple(arg.Object()), len(items))
		if !ok {
			return false
		}
		sliced := makeSlice(items[low:high])
		vm.pop()
		vm.pop()
		vm.push(sliced)
		return true
	}

	vm.raise("TypeException", "Index of %s subscript must be an integer or a Tuple", what)
	return false
}

func (vm *VM) getStringSubscript() bool {
	str := asString(vm.peek2().Object())
	arg := vm.peek()

	if arg.IsInt() {
		idx := vm.checkIndex(arg.Num(), len(str.Data))
		if idx == -1 {
			return false
		}
		ret := vm.internString(str.Data[idx : idx+1])
		vm.pop()
		vm.pop()
		vm.push(ObjVal(&ret.Obj))
		return true
	}
	if isTuple(arg) {
		low, high, ok := vm.checkSliceIndex(asTuple(arg.Object()), len(str.Data))
		if !ok {
			return false
		}
		ret := vm.internString(str.Data[low:high])
		vm.pop()
		vm.pop()
		vm.push(ObjVal(&ret.Obj))
		return true
	}

	vm.raise("TypeException", "Index of String subscript must be an integer or a Tuple")
	return false
}

// getValueSubscript implements target[index] with the target two slots below
// the top. Lists, tuples and strings get fast paths; everything else goes
// through the __get__ overload.
func (vm *VM) getValueSubscript() bool {
	operand := vm.peek2()
	if operand.IsObj() {
		switch operand.Object().kind {
		case KindList:
			return vm.subscriptValues(asList(operand.Object()).Items, func(vs []Value) Value {
				ret := vm.newList(len(vs))
				ret.Items = ret.Items[:len(vs)]
				copy(ret.Items, vs)
				return ObjVal(&ret.Obj)
			}, "List")
		case KindTuple:
			return vm.subscriptValues(asTuple(operand.Object()).Items, func(vs []Value) Value {
				ret := vm.newTuple(len(vs))
				copy(ret.Items, vs)
				return ObjVal(&ret.Obj)
			}, "Tuple")
		case KindString:
			return vm.getStringSubscript()
		}
	}

	return vm.invokeMethod(vm.ClassOf(operand), vm.specialMethods[methGet], 1)
}

// setValueSubscript implements target[index] = value with the stack layout
// (value, index, target). Lists with integer indexes get a fast path,
// everything else goes through the __set__ overload.
func (vm *VM) setValueSubscript() bool {
	if isList(vm.peek()) {
		operand := vm.pop()
		arg := vm.pop()
		val := vm.peek()

		if !arg.IsInt() {
			vm.raise("TypeException", "Index of List subscript access must be an integer.")
			return false
		}

		list := asList(operand.Object())
		index := vm.checkIndex(arg.Num(), len(list.Items))
		if index == -1 {
			return false
		}

		list.Items[index] = val
		return true
	}

	// Swap value and target to set up the method call.
	vm.swapStackSlots(-1, -3)
	return vm.invokeMethod(vm.ClassOf(vm.peekn(2)), vm.specialMethods[methSet], 2)
}

// ---------------------------------------------------------------------------
// Operator overloads
// ---------------------------------------------------------------------------

// concatStrings replaces the two strings on top of the stack with their
// concatenation.
func (vm *VM) concatStrings() {
	s1 := asString(vm.peek2().Object())
	s2 := asString(vm.peek().Object())
	conc := vm.internString(s1.Data + s2.Data)
	vm.pop()
	vm.pop()
	vm.push(ObjVal(&conc.Obj))
}

// binOverload dispatches a binary operator to the left operand's overload
// method or, failing that, to the right operand's reverse method with the
// operands swapped. Raises TypeException naming both classes when neither
// exists.
func (vm *VM) binOverload(op string, overload, reverse specialMethod) bool {
	cls1 := vm.ClassOf(vm.peek2())
	if method, ok := cls1.Methods.get(vm.specialMethods[overload]); ok {
		return vm.callValue(method, 1)
	}

	cls2 := vm.ClassOf(vm.peek())
	if reverse != methSize {
		vm.swapStackSlots(-1, -2)
		if method, ok := cls2.Methods.get(vm.specialMethods[reverse]); ok {
			return vm.callValue(method, 1)
		}
	}

	vm.raise("TypeException", "Operator %s not defined for types %s, %s",
		op, cls1.Name.Data, cls2.Name.Data)
	return false
}

func (vm *VM) unaryOverload(op string, overload specialMethod) bool {
	cls := vm.ClassOf(vm.peek())
	if method, ok := cls.Methods.get(vm.specialMethods[overload]); ok {
		return vm.callValue(method, 0)
	}

	vm.raise("TypeException", "Unary operator %s not defined for type %s", op, cls.Name.Data)
	return false
}

// ---------------------------------------------------------------------------
// Unpacking
// ---------------------------------------------------------------------------

// unpackArgs spreads the list on top of the stack into call arguments,
// returning the resulting argument count.
func (vm *VM) unpackArgs() (int, bool) {
	if !isList(vm.peek()) {
		vm.raise("TypeException", "Can only unpack a List as call arguments")
		return 0, false
	}
	args := asList(vm.pop().Object())
	argc := len(args.Items)

	if argc >= 255 {
		vm.raise("TypeException", "Too many arguments for function call: %d", argc)
		return 0, false
	}

	vm.reserveStack(argc + 1)
	for _, arg := range args.Items {
		vm.push(arg)
	}
	return argc, true
}

// unpackObject spreads the first n values of a list or tuple on the stack.
func (vm *VM) unpackObject(o *Obj, n int) bool {
	values := getValues(o)
	if n > len(values) {
		vm.raise("TypeException", "Too few values to unpack: expected %d, got %d",
			n, len(values))
		return false
	}
	vm.reserveStack(n)
	for i := 0; i < n; i++ {
		vm.push(values[i])
	}
	return true
}
