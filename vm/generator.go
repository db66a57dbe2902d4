package vm

// Stackless generators.
//
// A generator owns a private copy of its function's stack segment. Yielding
// snapshots the live segment, the instruction pointer and the active
// handlers into the generator and pops the frame; resuming copies them back
// onto the live stack, so a suspended generator costs no frame and no live
// stack space. Handler stack pointers are saved relative to the frame base:
// the live stack may have been reallocated, or sit at a different height, by
// the time the generator resumes.

// genAction is the operation requested of a resumed generator.
type genAction int

const (
	genSend genAction = iota
	genThrow
	genClose
)

// saveFrame snapshots a running frame into its generator.
func (vm *VM) saveFrame(gen *Generator, ip int, frame *Frame) {
	stackTop := vm.sp - frame.stackBase
	if stackTop > len(gen.SavedStack) {
		panic("saveFrame: insufficient generator stack size")
	}

	gen.Frame.ip = ip
	gen.Frame.stackTop = stackTop
	gen.Frame.handlers = gen.Frame.handlers[:0]

	copy(gen.SavedStack, vm.stack[frame.stackBase:frame.stackBase+stackTop])

	for i := 0; i < frame.handlerCount; i++ {
		h := &frame.handlers[i]
		gen.Frame.handlers = append(gen.Frame.handlers, SavedHandler{
			kind:     h.kind,
			address:  h.address,
			spOffset: h.savedSp - frame.stackBase,
		})
	}
}

// restoreFrame copies a suspended generator back onto the live stack,
// rebuilding the frame at base. Returns the restored stack pointer.
func (vm *VM) restoreFrame(gen *Generator, base int, frame *Frame) int {
	frame.gen = gen
	frame.fn = &gen.Closure.Obj
	frame.ip = gen.Frame.ip
	frame.stackBase = base
	frame.handlerCount = len(gen.Frame.handlers)

	copy(vm.stack[base:base+gen.Frame.stackTop], gen.SavedStack[:gen.Frame.stackTop])

	for i, saved := range gen.Frame.handlers {
		frame.handlers[i] = Handler{
			kind:    saved.kind,
			address: saved.address,
			savedSp: base + saved.spOffset,
		}
	}

	return base + gen.Frame.stackTop
}

// resumeGenerator continues a suspended (or not yet started) generator.
// Script code may pass at most one argument, the value sent to the pending
// yield expression. The core module additionally passes an action selector,
// which implements throw and close.
func (vm *VM) resumeGenerator(gen *Generator, argc int) bool {
	if gen.State == GenDone || gen.State == GenRunning {
		if gen.State == GenDone {
			vm.raise("GeneratorException", "Generator has completed")
		} else {
			vm.raise("GeneratorException", "Generator is already running")
		}
		return false
	}

	inCoreModule := vm.module == vm.core
	if !inCoreModule && argc > 1 {
		vm.raise("TypeException", "Generator takes at most 1 argument, %d supplied", argc)
		return false
	}

	action := genSend
	if inCoreModule && argc > 1 {
		actVal := vm.pop()
		if !actVal.IsNum() {
			panic("resumeGenerator: action is not a number")
		}
		action = genAction(actVal.Num())
		argc--
	}

	arg := Null
	if argc > 0 {
		arg = vm.pop()
	}

	if !vm.checkStackOverflow() {
		return false
	}

	frame := vm.getFrame()
	vm.reserveStack(gen.Frame.stackTop + maxLocals)
	// The generator value sits on top of the stack; its slot becomes the
	// frame base.
	vm.sp = vm.restoreFrame(gen, vm.sp-1, frame)

	oldModule := vm.module
	vm.module = gen.Closure.Fn.Proto.Module

	switch action {
	case genSend:
		if gen.State == GenSuspended {
			vm.push(arg)
		}
		gen.State = GenRunning
		return true

	case genThrow:
		vm.push(arg)
		vm.raiseException(-1)
		gen.State = GenRunning
		return false

	case genClose:
		// Pending ensure handlers run before the generator completes; the
		// handler epilogue finishes the close.
		if vm.unwindHandlers(frame, arg) {
			return true
		}

		vm.closeUpvalues(frame.stackBase)
		vm.sp = frame.stackBase
		vm.push(arg)

		vm.frameCount--
		vm.module = oldModule
		gen.State = GenDone
		return true

	default:
		panic("resumeGenerator: invalid action")
	}
}
