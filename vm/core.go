package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Core module bootstrap.
//
// The core module hosts the built-in classes, the exception hierarchy and
// the built-in functions. Every other module starts out with the core
// globals merged into its own namespace.
//
// Class and Object have to pull themselves up by their bootstraps: Object is
// created without a class, Class is created as a subclass of Object, then
// both headers are patched to point at Class. Records allocated before their
// class existed (interned strings above all) are backpatched by walking the
// allocation list.

// CoreModule is the name of the module hosting the built-ins.
const CoreModule = "__core__"

// defineCoreClass creates a built-in class and binds it as a core global.
func (vm *VM) defineCoreClass(name string, super *Class) *Class {
	n := vm.internString(name)
	vm.push(ObjVal(&n.Obj))
	cls := vm.newClass(n, super)
	vm.push(ObjVal(&cls.Obj))
	vm.moduleSetGlobal(vm.core, n, ObjVal(&cls.Obj))
	vm.pop()
	vm.pop()
	return cls
}

// defineMethod registers a native method on a class.
func (vm *VM) defineMethod(cls *Class, name string, arity uint8, defaults int, vararg bool, fn NativeFn) {
	n := vm.internString(name)
	vm.push(ObjVal(&n.Obj))
	native := vm.newNative(vm.core, n, arity, defaults, vararg, fn)
	vm.push(ObjVal(&native.Obj))
	cls.Methods.put(vm, &cls.Obj, n, ObjVal(&native.Obj))
	vm.pop()
	vm.pop()
}

// defineFunction registers a native function as a core global.
func (vm *VM) defineFunction(name string, arity uint8, defaults int, vararg bool, fn NativeFn) {
	n := vm.internString(name)
	vm.push(ObjVal(&n.Obj))
	native := vm.newNative(vm.core, n, arity, defaults, vararg, fn)
	vm.push(ObjVal(&native.Obj))
	vm.moduleSetGlobal(vm.core, n, ObjVal(&native.Obj))
	vm.pop()
	vm.pop()
}

func initCoreModule(vm *VM) {
	coreName := vm.internString(CoreModule)
	vm.push(ObjVal(&coreName.Obj))
	core := vm.newModule(CoreModule, coreName)
	vm.core = core
	vm.module = core
	vm.setModule(coreName, core)
	vm.pop()

	// Object and Class reference each other. Object's methods must exist
	// before any other class is derived from it: deriving a class snapshots
	// the super's method table.
	vm.objClass = vm.defineCoreClass("Object", nil)
	registerObjectMethods(vm)
	vm.clsClass = vm.defineCoreClass("Class", vm.objClass)
	vm.objClass.Obj.cls = vm.clsClass
	vm.clsClass.Obj.cls = vm.clsClass

	vm.strClass = vm.defineCoreClass("String", vm.objClass)
	vm.boolClass = vm.defineCoreClass("Boolean", vm.objClass)
	vm.lstClass = vm.defineCoreClass("List", vm.objClass)
	vm.numClass = vm.defineCoreClass("Number", vm.objClass)
	vm.funClass = vm.defineCoreClass("Function", vm.objClass)
	vm.genClass = vm.defineCoreClass("Generator", vm.objClass)
	vm.modClass = vm.defineCoreClass("Module", vm.objClass)
	vm.nullClass = vm.defineCoreClass("Null", vm.objClass)
	vm.stClass = vm.defineCoreClass("StackTrace", vm.objClass)
	vm.tupClass = vm.defineCoreClass("Tuple", vm.objClass)
	vm.tableClass = vm.defineCoreClass("Table", vm.objClass)
	vm.udataClass = vm.defineCoreClass("Userdata", vm.objClass)

	// Records allocated before their class existed get it now.
	for o := vm.objects; o != nil; o = o.next {
		if o.cls != nil {
			continue
		}
		switch o.kind {
		case KindString:
			o.cls = vm.strClass
		case KindClass:
			o.cls = vm.clsClass
		case KindModule:
			o.cls = vm.modClass
		case KindNative:
			o.cls = vm.funClass
		}
	}

	registerClassMethods(vm)
	registerStringMethods(vm)
	registerListMethods(vm)
	registerTupleMethods(vm)
	registerTableMethods(vm)
	registerGeneratorMethods(vm)
	registerCoreFunctions(vm)
	initExceptionClasses(vm)

	log.Debugf("vm %s core module initialized, %d globals", vm.id, core.GlobalNames.size)
}

// initExceptionClasses builds the built-in exception hierarchy.
func initExceptionClasses(vm *VM) {
	vm.excClass = vm.defineCoreClass("Exception", vm.objClass)

	// _err and _cause are optional constructor arguments.
	vm.defineMethod(vm.excClass, "new", 2, 2, false, excNew)
	vm.defineMethod(vm.excClass, "err", 0, 0, false, excErr)
	vm.defineMethod(vm.excClass, "cause", 0, 0, false, excCause)
	vm.defineMethod(vm.excClass, "getStacktrace", 0, 0, false, excGetStacktrace)
	vm.defineMethod(vm.excClass, "printStacktrace", 0, 0, false, excPrintStacktrace)

	subclasses := []string{
		"TypeException",
		"NameException",
		"FieldException",
		"MethodException",
		"ImportException",
		"StackOverflowException",
		"SyntaxException",
		"InvalidArgException",
		"GeneratorException",
		"IndexOutOfBoundException",
		"AssertException",
		"NotImplementedException",
		"ProgramInterrupt",
	}
	for _, name := range subclasses {
		vm.defineCoreClass(name, vm.excClass)
	}
}

// ---------------------------------------------------------------------------
// Native argument helpers
// ---------------------------------------------------------------------------

// arg returns the native API slot i: slot 0 is the receiver (or the callee,
// for plain function calls), arguments follow.
func (vm *VM) arg(i int) Value {
	return vm.stack[vm.apiStack+i]
}

func (vm *VM) returnValue(v Value) bool {
	vm.reserveStack(1)
	vm.push(v)
	return true
}

func (vm *VM) returnString(s string) bool {
	str := vm.internString(s)
	return vm.returnValue(ObjVal(&str.Obj))
}

// checkIntArg validates that slot i holds an integer-valued number.
func (vm *VM) checkIntArg(i int, name string) (int, bool) {
	v := vm.arg(i)
	if !v.IsInt() {
		vm.raise("TypeException", "%s must be an integer.", name)
		return 0, false
	}
	return int(v.Num()), true
}

// ---------------------------------------------------------------------------
// Value stringification
// ---------------------------------------------------------------------------

// stringifyValue renders a value for str() and print(). Built-in kinds are
// rendered directly; instances go through their __string__ method, which any
// class inherits from Object.
func (vm *VM) stringifyValue(v Value) (string, bool) {
	if v.IsNum() {
		return strconv.FormatFloat(v.Num(), 'g', -1, 64), true
	}
	if v.IsNull() {
		return "null", true
	}
	if v.IsBool() {
		return strconv.FormatBool(v.Bool()), true
	}
	if v.IsHandle() {
		return "<handle>", true
	}

	o := v.Object()
	switch o.kind {
	case KindString:
		return asString(o).Data, true

	case KindList:
		return vm.stringifyValues(asList(o).Items, "[", "]")

	case KindTuple:
		return vm.stringifyValues(asTuple(o).Items, "(", ")")

	case KindTable:
		t := asTable(o)
		var buf strings.Builder
		buf.WriteByte('{')
		first := true
		for i := tableNextEntry(t, 0); i != -1; i = tableNextEntry(t, i+1) {
			if !first {
				buf.WriteString(", ")
			}
			first = false
			k, ok := vm.stringifyValue(t.entries[i].key)
			if !ok {
				return "", false
			}
			val, ok := vm.stringifyValue(t.entries[i].val)
			if !ok {
				return "", false
			}
			buf.WriteString(k)
			buf.WriteString(" : ")
			buf.WriteString(val)
		}
		buf.WriteByte('}')
		return buf.String(), true

	case KindClass:
		return fmt.Sprintf("<Class %s>", asClass(o).Name.Data), true

	case KindModule:
		return fmt.Sprintf("<module %s>", asModule(o).Name.Data), true

	case KindFunction, KindNative, KindClosure, KindBoundMethod:
		proto := functionProto(o)
		return fmt.Sprintf("<fun %s.%s>", proto.Module.Name.Data, proto.Name.Data), true

	case KindGenerator:
		return fmt.Sprintf("<generator %p>", o), true

	case KindUserdata:
		return fmt.Sprintf("<userdata %p>", o), true

	case KindStackTrace:
		return fmt.Sprintf("<stacktrace %p>", o), true

	case KindInstance:
		vm.reserveStack(1)
		vm.push(v)
		if !vm.invokeReentrant(vm.specialMethods[methString], 0) {
			return "", false
		}
		res := vm.pop()
		if !isString(res) {
			vm.raise("TypeException", "__string__ must return a String")
			return "", false
		}
		return asString(res.Object()).Data, true

	default:
		panic("stringifyValue: invalid object kind")
	}
}

func (vm *VM) stringifyValues(items []Value, open, close string) (string, bool) {
	var buf strings.Builder
	buf.WriteString(open)
	for i, item := range items {
		if i > 0 {
			buf.WriteString(", ")
		}
		s, ok := vm.stringifyValue(item)
		if !ok {
			return "", false
		}
		buf.WriteString(s)
	}
	buf.WriteString(close)
	return buf.String(), true
}

// functionProto returns the prototype behind any function-like record,
// unwrapping bound methods.
func functionProto(o *Obj) *Prototype {
	if o.kind == KindBoundMethod {
		return functionProto(asBoundMethod(o).Method)
	}
	return getPrototype(o)
}

// ---------------------------------------------------------------------------
// Object and Class
// ---------------------------------------------------------------------------

func registerObjectMethods(vm *VM) {
	vm.defineMethod(vm.objClass, "__eq__", 1, 0, false, func(vm *VM) bool {
		return vm.returnValue(BoolVal(ValueEquals(vm.arg(0), vm.arg(1))))
	})
	vm.defineMethod(vm.objClass, "__hash__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(hashTableKey(vm.arg(0)))))
	})
	vm.defineMethod(vm.objClass, "__string__", 0, 0, false, func(vm *VM) bool {
		v := vm.arg(0)
		return vm.returnString(fmt.Sprintf("<%s@%p>", vm.ClassOf(v).Name.Data, v.Object()))
	})
}

func registerClassMethods(vm *VM) {
	vm.defineMethod(vm.clsClass, "getName", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(ObjVal(&asClass(vm.arg(0).Object()).Name.Obj))
	})
	vm.defineMethod(vm.clsClass, "__string__", 0, 0, false, func(vm *VM) bool {
		return vm.returnString(fmt.Sprintf("<Class %s>", asClass(vm.arg(0).Object()).Name.Data))
	})
}

// ---------------------------------------------------------------------------
// Sequence iteration
//
// The for-in protocol: __iter__(state) returns the next iteration state, or
// a falsy value to stop; __next__(state) returns the element at that state.
// Sequences use the integer index as the state.
// ---------------------------------------------------------------------------

func iterNextIndex(iter Value, size int) Value {
	if iter.IsNull() {
		if size > 0 {
			return NumVal(0)
		}
		return False
	}
	next := int(iter.Num()) + 1
	if next < size {
		return NumVal(float64(next))
	}
	return False
}

func registerStringMethods(vm *VM) {
	vm.defineMethod(vm.strClass, "__len__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(len(asString(vm.arg(0).Object()).Data))))
	})
	vm.defineMethod(vm.strClass, "__hash__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(asString(vm.arg(0).Object()).hash)))
	})
	vm.defineMethod(vm.strClass, "__iter__", 1, 0, false, func(vm *VM) bool {
		s := asString(vm.arg(0).Object())
		return vm.returnValue(iterNextIndex(vm.arg(1), len(s.Data)))
	})
	vm.defineMethod(vm.strClass, "__next__", 1, 0, false, func(vm *VM) bool {
		s := asString(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Iteration state")
		if !ok {
			return false
		}
		return vm.returnString(s.Data[i : i+1])
	})
}

func registerListMethods(vm *VM) {
	vm.defineMethod(vm.lstClass, "add", 1, 0, false, func(vm *VM) bool {
		vm.listAppend(asList(vm.arg(0).Object()), vm.arg(1))
		return vm.returnValue(Null)
	})
	vm.defineMethod(vm.lstClass, "insert", 2, 0, false, func(vm *VM) bool {
		lst := asList(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Insertion index")
		if !ok {
			return false
		}
		// Inserting at size appends.
		if idx := vm.checkIndex(float64(i), len(lst.Items)+1); idx == -1 {
			return false
		}
		vm.listInsert(lst, i, vm.arg(2))
		return vm.returnValue(Null)
	})
	vm.defineMethod(vm.lstClass, "removeAt", 1, 0, false, func(vm *VM) bool {
		lst := asList(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Removal index")
		if !ok {
			return false
		}
		if idx := vm.checkIndex(float64(i), len(lst.Items)); idx == -1 {
			return false
		}
		removed := lst.Items[i]
		vm.listRemove(lst, i)
		return vm.returnValue(removed)
	})
	vm.defineMethod(vm.lstClass, "clear", 0, 0, false, func(vm *VM) bool {
		lst := asList(vm.arg(0).Object())
		lst.Items = lst.Items[:0]
		return vm.returnValue(Null)
	})
	vm.defineMethod(vm.lstClass, "__len__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(len(asList(vm.arg(0).Object()).Items))))
	})
	vm.defineMethod(vm.lstClass, "__iter__", 1, 0, false, func(vm *VM) bool {
		lst := asList(vm.arg(0).Object())
		return vm.returnValue(iterNextIndex(vm.arg(1), len(lst.Items)))
	})
	vm.defineMethod(vm.lstClass, "__next__", 1, 0, false, func(vm *VM) bool {
		lst := asList(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Iteration state")
		if !ok {
			return false
		}
		return vm.returnValue(lst.Items[i])
	})
}

func registerTupleMethods(vm *VM) {
	vm.defineMethod(vm.tupClass, "__len__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(len(asTuple(vm.arg(0).Object()).Items))))
	})
	vm.defineMethod(vm.tupClass, "__iter__", 1, 0, false, func(vm *VM) bool {
		tup := asTuple(vm.arg(0).Object())
		return vm.returnValue(iterNextIndex(vm.arg(1), len(tup.Items)))
	})
	vm.defineMethod(vm.tupClass, "__next__", 1, 0, false, func(vm *VM) bool {
		tup := asTuple(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Iteration state")
		if !ok {
			return false
		}
		return vm.returnValue(tup.Items[i])
	})
}

func registerTableMethods(vm *VM) {
	checkKey := func(vm *VM, key Value) bool {
		if key.IsNull() {
			vm.raise("TypeException", "Table key cannot be null.")
			return false
		}
		return true
	}

	vm.defineMethod(vm.tableClass, "__get__", 1, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		if !checkKey(vm, vm.arg(1)) {
			return false
		}
		val, _ := tableGet(t, vm.arg(1))
		return vm.returnValue(val)
	})
	vm.defineMethod(vm.tableClass, "__set__", 2, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		if !checkKey(vm, vm.arg(1)) {
			return false
		}
		vm.tablePut(t, vm.arg(1), vm.arg(2))
		return vm.returnValue(Null)
	})
	vm.defineMethod(vm.tableClass, "delete", 1, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		if !checkKey(vm, vm.arg(1)) {
			return false
		}
		return vm.returnValue(BoolVal(tableDel(t, vm.arg(1))))
	})
	vm.defineMethod(vm.tableClass, "contains", 1, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		if !checkKey(vm, vm.arg(1)) {
			return false
		}
		_, ok := tableGet(t, vm.arg(1))
		return vm.returnValue(BoolVal(ok))
	})
	vm.defineMethod(vm.tableClass, "keys", 0, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		lst := vm.newList(t.size)
		vm.push(ObjVal(&lst.Obj))
		for i := tableNextEntry(t, 0); i != -1; i = tableNextEntry(t, i+1) {
			vm.listAppend(lst, t.entries[i].key)
		}
		return true
	})
	vm.defineMethod(vm.tableClass, "__len__", 0, 0, false, func(vm *VM) bool {
		return vm.returnValue(NumVal(float64(asTable(vm.arg(0).Object()).size)))
	})
	vm.defineMethod(vm.tableClass, "__iter__", 1, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		from := 0
		if !vm.arg(1).IsNull() {
			from = int(vm.arg(1).Num()) + 1
		}
		next := tableNextEntry(t, from)
		if next == -1 {
			return vm.returnValue(False)
		}
		return vm.returnValue(NumVal(float64(next)))
	})
	vm.defineMethod(vm.tableClass, "__next__", 1, 0, false, func(vm *VM) bool {
		t := asTable(vm.arg(0).Object())
		i, ok := vm.checkIntArg(1, "Iteration state")
		if !ok {
			return false
		}
		return vm.returnValue(t.entries[i].key)
	})
}

// ---------------------------------------------------------------------------
// Generator methods
//
// send, throw and close are implemented on top of generator calls: calling a
// generator resumes it, and calls made from within the core module may pass
// an extra action selector.
// ---------------------------------------------------------------------------

func registerGeneratorMethods(vm *VM) {
	resume := func(vm *VM, gen Value, action genAction, arg Value) bool {
		vm.reserveStack(3)
		vm.push(gen)
		vm.push(arg)
		vm.push(NumVal(float64(action)))
		return vm.completeCall(2)
	}

	vm.defineMethod(vm.genClass, "send", 1, 1, false, func(vm *VM) bool {
		return resume(vm, vm.arg(0), genSend, vm.arg(1))
	})
	vm.defineMethod(vm.genClass, "throw", 1, 0, false, func(vm *VM) bool {
		return resume(vm, vm.arg(0), genThrow, vm.arg(1))
	})
	vm.defineMethod(vm.genClass, "close", 0, 0, false, func(vm *VM) bool {
		return resume(vm, vm.arg(0), genClose, Null)
	})
	vm.defineMethod(vm.genClass, "isDone", 0, 0, false, func(vm *VM) bool {
		gen := asGenerator(vm.arg(0).Object())
		return vm.returnValue(BoolVal(gen.State == GenDone))
	})
	vm.defineMethod(vm.genClass, "__iter__", 1, 0, false, func(vm *VM) bool {
		gen := asGenerator(vm.arg(0).Object())
		if gen.State == GenDone {
			return vm.returnValue(False)
		}
		if !resume(vm, vm.arg(0), genSend, Null) {
			return false
		}
		vm.pop()
		return vm.returnValue(BoolVal(gen.State != GenDone))
	})
	vm.defineMethod(vm.genClass, "__next__", 1, 0, false, func(vm *VM) bool {
		gen := asGenerator(vm.arg(0).Object())
		return vm.returnValue(gen.LastYield)
	})
}

// ---------------------------------------------------------------------------
// Exception methods
// ---------------------------------------------------------------------------

func excNew(vm *VM) bool {
	inst := asInstance(vm.arg(0).Object())
	cls := inst.cls

	errVal := vm.arg(1)
	if !errVal.IsNull() && !isString(errVal) {
		vm.raise("TypeException", "err must be a String or null.")
		return false
	}

	vm.instanceSetField(cls, inst, vm.excErr, errVal)
	vm.instanceSetField(cls, inst, vm.excCause, vm.arg(2))

	st := vm.newStackTrace()
	vm.reserveStack(1)
	vm.push(ObjVal(&st.Obj))
	vm.instanceSetField(cls, inst, vm.excTrace, ObjVal(&st.Obj))
	vm.pop()

	return vm.returnValue(vm.arg(0))
}

func excErr(vm *VM) bool {
	inst := asInstance(vm.arg(0).Object())
	errVal, _ := vm.instanceGetField(inst.cls, inst, vm.excErr)
	return vm.returnValue(errVal)
}

func excCause(vm *VM) bool {
	inst := asInstance(vm.arg(0).Object())
	causeVal, _ := vm.instanceGetField(inst.cls, inst, vm.excCause)
	return vm.returnValue(causeVal)
}

func excGetStacktrace(vm *VM) bool {
	inst := asInstance(vm.arg(0).Object())
	return vm.returnString(vm.formatStacktrace(inst))
}

func excPrintStacktrace(vm *VM) bool {
	inst := asInstance(vm.arg(0).Object())
	fmt.Fprintln(os.Stderr, vm.formatStacktrace(inst))
	return vm.returnValue(Null)
}

// ---------------------------------------------------------------------------
// Core functions
// ---------------------------------------------------------------------------

func registerCoreFunctions(vm *VM) {
	vm.defineFunction("print", 0, 0, true, func(vm *VM) bool {
		args := asTuple(vm.arg(1).Object())
		var buf strings.Builder
		for i, a := range args.Items {
			if i > 0 {
				buf.WriteByte(' ')
			}
			s, ok := vm.stringifyValue(a)
			if !ok {
				return false
			}
			buf.WriteString(s)
		}
		fmt.Fprintln(os.Stdout, buf.String())
		return vm.returnValue(Null)
	})

	vm.defineFunction("type", 1, 0, false, func(vm *VM) bool {
		return vm.returnValue(ObjVal(&vm.ClassOf(vm.arg(1)).Obj))
	})

	vm.defineFunction("str", 1, 0, false, func(vm *VM) bool {
		s, ok := vm.stringifyValue(vm.arg(1))
		if !ok {
			return false
		}
		return vm.returnString(s)
	})

	vm.defineFunction("len", 1, 0, false, func(vm *VM) bool {
		v := vm.arg(1)
		if v.IsObj() {
			switch v.Object().kind {
			case KindString:
				return vm.returnValue(NumVal(float64(len(asString(v.Object()).Data))))
			case KindList:
				return vm.returnValue(NumVal(float64(len(asList(v.Object()).Items))))
			case KindTuple:
				return vm.returnValue(NumVal(float64(len(asTuple(v.Object()).Items))))
			case KindTable:
				return vm.returnValue(NumVal(float64(asTable(v.Object()).size)))
			}
		}

		vm.reserveStack(1)
		vm.push(v)
		if !vm.invokeReentrant(vm.specialMethods[methLen], 0) {
			return false
		}
		if !vm.peek().IsInt() {
			vm.raise("TypeException", "__len__ must return an integer")
			return false
		}
		return true
	})

	vm.defineFunction("assert", 2, 1, false, func(vm *VM) bool {
		if vm.arg(1).ToBool() {
			return vm.returnValue(Null)
		}
		msg := "assertion failed"
		if isString(vm.arg(2)) {
			msg = asString(vm.arg(2).Object()).Data
		}
		vm.raise("AssertException", "%s", msg)
		return false
	})

	vm.defineFunction("garbageCollect", 0, 0, false, func(vm *VM) bool {
		vm.collectGarbage()
		return vm.returnValue(Null)
	})
}
