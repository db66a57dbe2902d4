package vm

import (
	"fmt"
	"strings"
)

// Exception machinery.
//
// A raised exception is an Instance of a subclass of the built-in Exception
// class, carrying three well-known fields: the error message (_err), an
// optional causing exception (_cause) and the stack trace accumulated while
// unwinding (_stacktrace). Raising leaves the exception on top of the stack
// and unwinds frames until one with a handler is found; if none is, the
// failure propagates to the embedder.

// unwindCause tells a running ensure handler why it was entered, so that
// OpEndHandler can either resume unwinding or complete the pending return.
type unwindCause int

const (
	causeExcept unwindCause = iota
	causeReturn
)

// raise creates an instance of the named exception class with a formatted
// error message and leaves it on top of the stack.
func (vm *VM) raise(clsName, format string, args ...any) {
	name := vm.internString(clsName)
	off := vm.moduleGlobalOffset(vm.core, name)
	if off == -1 {
		panic("raise: unknown exception class " + clsName)
	}
	v := vm.core.Globals[off]
	if !isClass(v) {
		panic("raise: " + clsName + " is not a class")
	}

	excCls := asClass(v.Object())
	if !isSubClass(excCls, vm.excClass) {
		vm.raise("TypeException", "Can only raise Exception subclasses")
		return
	}

	exception := vm.newInstance(excCls)
	vm.push(ObjVal(&exception.Obj))

	st := vm.newStackTrace()
	vm.push(ObjVal(&st.Obj))
	vm.instanceSetField(excCls, exception, vm.excTrace, ObjVal(&st.Obj))
	vm.pop()

	if format != "" {
		msg := vm.internString(fmt.Sprintf(format, args...))
		vm.push(ObjVal(&msg.Obj))
		vm.instanceSetField(excCls, exception, vm.excErr, ObjVal(&msg.Obj))
		vm.pop()
	}
}

// raiseException raises the exception instance in the given API slot,
// resetting its trace so re-raising accumulates fresh frames. Mirrors the
// OpRaise semantics of script code.
func (vm *VM) raiseException(slot int) {
	excVal := vm.apiStackSlot(slot)
	if !vm.isInstanceOf(excVal, vm.excClass) {
		vm.raise("TypeException", "Can only raise Exception instances")
		return
	}

	exception := asInstance(excVal.Object())
	cls := exception.cls

	traceVal, _ := vm.instanceGetField(cls, exception, vm.excTrace)
	var st *StackTrace
	if isStackTrace(traceVal) {
		st = asStackTrace(traceVal.Object())
	} else {
		st = vm.newStackTrace()
	}
	st.lastTracedFrame = -1
	vm.push(ObjVal(&st.Obj))
	vm.instanceSetField(cls, exception, vm.excTrace, ObjVal(&st.Obj))
	vm.pop()

	if excVal != vm.peek() {
		vm.push(excVal)
	}
}

// stacktraceDump records the frame at the given call depth into the trace.
// A frame is recorded at most once per depth, so an ensure handler that
// re-raises does not duplicate entries.
func (vm *VM) stacktraceDump(st *StackTrace, frame *Frame, depth int) {
	if st.lastTracedFrame == depth {
		return
	}
	st.lastTracedFrame = depth

	var record FrameRecord
	switch frame.fn.kind {
	case KindClosure:
		fn := asClosure(frame.fn).Fn
		op := frame.ip - 1
		if op >= len(fn.Code.Bytecode) {
			op = len(fn.Code.Bytecode) - 1
		}
		record.Line = fn.Code.LineAt(op)
		record.Path = fn.Proto.Module.Path
		record.ModuleName = fn.Proto.Module.Name
		record.FuncName = fn.Proto.Name
	case KindNative:
		native := asNative(frame.fn)
		record.Line = 0
		record.Path = native.Proto.Module.Path
		record.ModuleName = native.Proto.Module.Name
		record.FuncName = native.Proto.Name
	default:
		panic("stacktraceDump: frame function is not a Closure or Native")
	}

	oldCap := cap(st.Records)
	st.Records = append(st.Records, record)
	if cap(st.Records) != oldCap {
		const recordSize = 32
		vm.resizeObj(&st.Obj, oldCap*recordSize, cap(st.Records)*recordSize)
	}
}

// restoreHandler prepares an except or ensure handler for execution: the
// instruction pointer jumps to the handler code, the stack is cut back to
// the height saved when the block was entered, and the exception (or return
// value) and the unwind cause are pushed for the handler epilogue.
func (vm *VM) restoreHandler(frame *Frame, h *Handler, cause unwindCause, val Value) {
	frame.ip = h.address
	vm.sp = h.savedSp
	vm.closeUpvalues(vm.sp)
	vm.push(val)
	vm.push(NumVal(float64(cause)))
}

// unwindHandlers pops the current frame's handlers looking for an ensure
// block to run before a return completes. Reports whether one was entered.
func (vm *VM) unwindHandlers(frame *Frame, retVal Value) bool {
	for frame.handlerCount > 0 {
		frame.handlerCount--
		h := &frame.handlers[frame.handlerCount]
		if h.kind == handlerEnsure {
			vm.restoreHandler(frame, h, causeReturn, retVal)
			return true
		}
	}
	return false
}

// unwindFrames unwinds the call stack after a raise, dumping each popped
// frame into the exception's trace. Stops at the first frame with a pending
// handler, or returns false once depth frames remain, leaving the exception
// on top of the stack for the embedder.
func (vm *VM) unwindFrames(depth int) bool {
	if !vm.isInstanceOf(vm.peek(), vm.excClass) {
		panic("unwindFrames: top of stack is not an Exception")
	}

	exception := asInstance(vm.peek().Object())
	traceVal, _ := vm.instanceGetField(exception.cls, exception, vm.excTrace)
	if !isStackTrace(traceVal) {
		panic("unwindFrames: exception has no stack trace object")
	}
	st := asStackTrace(traceVal.Object())

	var frame *Frame
	for ; vm.frameCount > depth; vm.frameCount-- {
		frame = &vm.frames[vm.frameCount-1]

		switch frame.fn.kind {
		case KindClosure:
			vm.module = asClosure(frame.fn).Fn.Proto.Module
		case KindNative:
			vm.module = asNative(frame.fn).Proto.Module
		default:
			panic("unwindFrames: invalid frame function")
		}

		vm.stacktraceDump(st, frame, vm.frameCount)

		if frame.handlerCount > 0 {
			exc := vm.pop()
			frame.handlerCount--
			h := &frame.handlers[frame.handlerCount]
			vm.restoreHandler(frame, h, causeExcept, exc)
			return true
		}

		if frame.gen != nil {
			frame.gen.State = GenDone
		}

		vm.closeUpvalues(frame.stackBase)
	}

	// End of the unwound region: return to the embedder with the exception
	// on top of the cut-back stack.
	exc := vm.pop()
	vm.sp = frame.stackBase
	vm.push(exc)
	return false
}

// exceptionError extracts the message of an exception instance, or "".
func (vm *VM) exceptionError(exception *Instance) string {
	errVal, _ := vm.instanceGetField(exception.cls, exception, vm.excErr)
	if isString(errVal) {
		return asString(errVal.Object()).Data
	}
	return ""
}

// formatStacktrace renders an exception's accumulated trace the way the
// printStacktrace core method does: most recent call last, with the causing
// exception's trace, if any, rendered above.
func (vm *VM) formatStacktrace(exception *Instance) string {
	var buf strings.Builder

	causeVal, _ := vm.instanceGetField(exception.cls, exception, vm.excCause)
	if vm.isInstanceOf(causeVal, vm.excClass) {
		buf.WriteString(vm.formatStacktrace(asInstance(causeVal.Object())))
		buf.WriteString("\nAbove exception caused:\n")
	}

	traceVal, _ := vm.instanceGetField(exception.cls, exception, vm.excTrace)
	if isStackTrace(traceVal) {
		st := asStackTrace(traceVal.Object())
		if len(st.Records) > 0 {
			buf.WriteString("Traceback (most recent call last):\n")
			for i := len(st.Records) - 1; i >= 0; i-- {
				record := &st.Records[i]
				if record.Line > 0 {
					fmt.Fprintf(&buf, "    %s:%d: in %s.%s()\n", record.Path.Data,
						record.Line, record.ModuleName.Data, record.FuncName.Data)
				} else {
					fmt.Fprintf(&buf, "    %s: in %s.%s()\n", record.Path.Data,
						record.ModuleName.Data, record.FuncName.Data)
				}
			}
		}
	}

	if err := vm.exceptionError(exception); err != "" {
		fmt.Fprintf(&buf, "%s: %s", exception.cls.Name.Data, err)
	} else {
		buf.WriteString(exception.cls.Name.Data)
	}
	return buf.String()
}
