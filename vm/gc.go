package vm

// Mark-and-sweep garbage collector.
//
// Allocation sizes are tracked manually through gcTrack: every heap record
// accounts its size (header plus payload) in the VM byte counter, and a
// collection runs whenever the counter crosses the current threshold. The
// mark phase uses an explicit worklist instead of recursion, so arbitrarily
// deep object graphs cannot overflow the Go stack. Records are linked in an
// intrusive allocation list; unlinking an unreached record during the sweep
// is what releases it to the host allocator.

// gcTrack adjusts the allocated byte counter and triggers a collection when
// growth crosses the threshold. Called before the new block is linked in, so
// a collection never observes the half-initialized record.
func (vm *VM) gcTrack(oldSize, newSize int) {
	vm.allocated += newSize - oldSize
	if newSize > oldSize && vm.allocated > vm.nextGC {
		vm.collectGarbage()
	}
}

// reachObject marks a record and schedules it for tracing.
func (vm *VM) reachObject(o *Obj) {
	if o == nil || o.reached {
		return
	}
	o.reached = true
	vm.reachedStack = append(vm.reachedStack, o)
}

func (vm *VM) reachValue(v Value) {
	if v.IsObj() {
		vm.reachObject(v.Object())
	}
}

func (vm *VM) reachValues(vs []Value) {
	for _, v := range vs {
		vm.reachValue(v)
	}
}

// Typed nil-safe helpers. A typed nil pointer would turn into a non-nil *Obj
// when its header address is taken, so each record kind gets its own guard.

func (vm *VM) reachString(s *String) {
	if s != nil {
		vm.reachObject(&s.Obj)
	}
}

func (vm *VM) reachClass(c *Class) {
	if c != nil {
		vm.reachObject(&c.Obj)
	}
}

func (vm *VM) reachModule(m *Module) {
	if m != nil {
		vm.reachObject(&m.Obj)
	}
}

func (vm *VM) reachValueTable(t *valueTable) {
	for i := range t.entries {
		if t.entries[i].key != nil {
			vm.reachObject(&t.entries[i].key.Obj)
			vm.reachValue(t.entries[i].val)
		}
	}
}

func (vm *VM) reachIndexTable(t *indexTable) {
	for i := range t.entries {
		if t.entries[i].key != nil {
			vm.reachObject(&t.entries[i].key.Obj)
		}
	}
}

// traceObject marks everything directly referenced by o.
func (vm *VM) traceObject(o *Obj) {
	vm.reachClass(o.cls)

	switch o.kind {
	case KindNative:
		n := asNative(o)
		vm.reachString(n.Proto.Name)
		vm.reachModule(n.Proto.Module)
		vm.reachValues(n.Proto.Defaults)

	case KindFunction:
		fn := asFunction(o)
		vm.reachString(fn.Proto.Name)
		vm.reachModule(fn.Proto.Module)
		vm.reachValues(fn.Proto.Defaults)
		vm.reachValues(fn.Code.Consts)
		for i := range fn.Code.Symbols {
			vm.reachObject(fn.Code.Symbols[i].cache.key)
		}

	case KindClass:
		cls := asClass(o)
		vm.reachString(cls.Name)
		vm.reachClass(cls.Super)
		vm.reachValueTable(&cls.Methods)
		vm.reachIndexTable(&cls.Fields)

	case KindInstance:
		vm.reachValues(asInstance(o).FieldValues)

	case KindModule:
		m := asModule(o)
		vm.reachString(m.Name)
		vm.reachString(m.Path)
		vm.reachIndexTable(&m.GlobalNames)
		vm.reachValues(m.Globals)

	case KindList:
		vm.reachValues(asList(o).Items)

	case KindTuple:
		vm.reachValues(asTuple(o).Items)

	case KindTable:
		t := asTable(o)
		for i := range t.entries {
			vm.reachValue(t.entries[i].key)
			vm.reachValue(t.entries[i].val)
		}

	case KindBoundMethod:
		b := asBoundMethod(o)
		vm.reachValue(b.Receiver)
		vm.reachObject(b.Method)

	case KindClosure:
		c := asClosure(o)
		vm.reachObject(&c.Fn.Obj)
		for _, upvalue := range c.Upvalues {
			if upvalue != nil {
				vm.reachObject(&upvalue.Obj)
			}
		}

	case KindGenerator:
		gen := asGenerator(o)
		vm.reachObject(&gen.Closure.Obj)
		vm.reachValue(gen.LastYield)
		vm.reachValues(gen.SavedStack[:gen.Frame.stackTop])

	case KindUpvalue:
		u := asUpvalue(o)
		if u.open {
			vm.reachValue(vm.stack[u.slot])
		} else {
			vm.reachValue(u.closed)
		}

	case KindStackTrace:
		st := asStackTrace(o)
		for i := range st.Records {
			vm.reachString(st.Records[i].Path)
			vm.reachString(st.Records[i].ModuleName)
			vm.reachString(st.Records[i].FuncName)
		}

	case KindUserdata, KindString:
		// no outgoing references
	}
}

// sweepObjects walks the allocation list, unlinking unreached records and
// clearing survivor marks. Unlinking removes the only reference the VM holds
// to a record, which is what frees it.
func (vm *VM) sweepObjects() {
	head := &vm.objects
	for *head != nil {
		o := *head
		if !o.reached {
			*head = o.next
			vm.allocated -= o.bytes
			freeObject(o)
		} else {
			o.reached = false
			head = &o.next
		}
	}
}

// freeObject runs per-kind cleanup before a record is released.
func freeObject(o *Obj) {
	if o.kind == KindUserdata {
		u := asUserdata(o)
		if u.Finalize != nil {
			u.Finalize(u.Data)
		}
	}
	o.next = nil
}

// collectGarbage runs a full stop-the-world collection: mark from roots,
// purge unreached interned strings, sweep, then set the next threshold
// proportionally to the surviving heap.
func (vm *VM) collectGarbage() {
	prevAllocated := vm.allocated

	vm.reachClass(vm.clsClass)
	vm.reachClass(vm.objClass)
	vm.reachClass(vm.strClass)
	vm.reachClass(vm.boolClass)
	vm.reachClass(vm.lstClass)
	vm.reachClass(vm.numClass)
	vm.reachClass(vm.funClass)
	vm.reachClass(vm.genClass)
	vm.reachClass(vm.modClass)
	vm.reachClass(vm.nullClass)
	vm.reachClass(vm.stClass)
	vm.reachClass(vm.tupClass)
	vm.reachClass(vm.excClass)
	vm.reachClass(vm.tableClass)
	vm.reachClass(vm.udataClass)

	for _, name := range vm.specialMethods {
		vm.reachString(name)
	}
	vm.reachString(vm.excErr)
	vm.reachString(vm.excTrace)
	vm.reachString(vm.excCause)
	if vm.emptyTup != nil {
		vm.reachObject(&vm.emptyTup.Obj)
	}

	vm.reachValueTable(&vm.modules)

	for i := 0; i < vm.sp; i++ {
		vm.reachValue(vm.stack[i])
	}
	for i := 0; i < vm.frameCount; i++ {
		vm.reachObject(vm.frames[i].fn)
		// A running generator's frame may hold the only reference to it: the
		// resume overwrites the callee stack slot with the saved frame.
		if vm.frames[i].gen != nil {
			vm.reachObject(&vm.frames[i].gen.Obj)
		}
	}
	for upvalue := vm.upvalues; upvalue != nil; upvalue = upvalue.next {
		vm.reachObject(&upvalue.Obj)
	}

	for len(vm.reachedStack) > 0 {
		o := vm.reachedStack[len(vm.reachedStack)-1]
		vm.reachedStack = vm.reachedStack[:len(vm.reachedStack)-1]
		vm.traceObject(o)
	}

	// The intern pool is weak: drop entries for strings nothing else kept.
	vm.stringPool.removeUnreached()
	vm.sweepObjects()

	vm.nextGC = vm.allocated * vm.heapGrowRate

	log.Debugf("vm %s gc: %d -> %d bytes live, next collection at %d",
		vm.id, prevAllocated, vm.allocated, vm.nextGC)
}
