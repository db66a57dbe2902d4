package vm

import (
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("quill.vm")

// Runtime limits.
const (
	// maxLocals is the maximum number of locals of a single function, and
	// therefore the stack space a bytecode function may need on entry.
	maxLocals = 255

	// minNativeStack is the stack space guaranteed to a native on entry.
	minNativeStack = 20

	// maxFrames bounds call recursion depth.
	maxFrames = 100000

	// maxHandlers is the maximum number of nested except/ensure handlers
	// per frame.
	maxHandlers = 6
)

// Special method names resolved at runtime, mainly for operator overloading.
// Cached as interned strings at VM creation so dispatch never re-interns.
type specialMethod int

const (
	methAdd specialMethod = iota
	methRadd
	methSub
	methRsub
	methMul
	methRmul
	methDiv
	methRdiv
	methMod
	methRmod
	methPow
	methRpow
	methEq
	methLt
	methLe
	methGt
	methGe
	methNeg
	methInvert
	methLshift
	methRlshift
	methRshift
	methRrshift
	methBand
	methRband
	methBor
	methRbor
	methXor
	methRxor
	methGet
	methSet
	methIter
	methNext
	methString
	methLen
	methHash
	methCtor
	methSize
)

var specialMethodNames = [methSize]string{
	methAdd: "__add__", methRadd: "__radd__",
	methSub: "__sub__", methRsub: "__rsub__",
	methMul: "__mul__", methRmul: "__rmul__",
	methDiv: "__div__", methRdiv: "__rdiv__",
	methMod: "__mod__", methRmod: "__rmod__",
	methPow: "__pow__", methRpow: "__rpow__",
	methEq: "__eq__",
	methLt: "__lt__", methLe: "__le__",
	methGt: "__gt__", methGe: "__ge__",
	methNeg: "__neg__", methInvert: "__invert__",
	methLshift: "__lshift__", methRlshift: "__rlshift__",
	methRshift: "__rshift__", methRrshift: "__rrshift__",
	methBand: "__band__", methRband: "__rband__",
	methBor: "__bor__", methRbor: "__rbor__",
	methXor: "__xor__", methRxor: "__rxor__",
	methGet: "__get__", methSet: "__set__",
	methIter: "__iter__", methNext: "__next__",
	methString: "__string__", methLen: "__len__", methHash: "__hash__",
	methCtor: "new",
}

// Exception field names.
const (
	excFieldErr   = "_err"
	excFieldCause = "_cause"
	excFieldTrace = "_stacktrace"
)

// MainModule is the name of the module the embedder's code runs in by
// default.
const MainModule = "__main__"

// handlerKind distinguishes except blocks from ensure blocks.
type handlerKind uint8

const (
	handlerExcept handlerKind = iota
	handlerEnsure
)

// Handler stores the info needed to jump to handler code and restore the VM
// state when an except or ensure block triggers. The saved stack pointer is
// an offset so stack reallocation cannot invalidate it.
type Handler struct {
	kind    handlerKind
	address int
	savedSp int
}

// Frame is the activation record of a function executing in the VM. The
// frame base is an offset into the value stack.
type Frame struct {
	ip           int
	stackBase    int
	fn           *Obj // Closure or Native
	gen          *Generator
	handlers     [maxHandlers]Handler
	handlerCount int
}

// VM is a Quill virtual machine. A VM is single-threaded: all methods must
// be called from one goroutine, with the sole exception of Interrupt.
type VM struct {
	// Built-in classes.
	clsClass   *Class
	objClass   *Class
	strClass   *Class
	boolClass  *Class
	lstClass   *Class
	numClass   *Class
	funClass   *Class
	genClass   *Class
	modClass   *Class
	nullClass  *Class
	stClass    *Class
	tupClass   *Class
	excClass   *Class
	tableClass *Class
	udataClass *Class

	// Singletons and cached names.
	emptyTup       *Tuple
	specialMethods [methSize]*String
	excErr         *String
	excTrace       *String
	excCause       *String

	// Loaded modules, current module and the core module.
	modules valueTable
	module  *Module
	core    *Module

	// Value stack. sp and apiStack are offsets into stack.
	stack    []Value
	sp       int
	apiStack int

	// Frame stack.
	frames     []Frame
	frameCount int

	// Number of reentrant eval calls currently active.
	reentrantCalls int

	// Interned string pool. Weak: collection purges unreached entries.
	stringPool valueTable

	// Open upvalues, sorted by descending stack slot.
	upvalues *Upvalue

	// Cancellation flag, set asynchronously by Interrupt.
	evalBreak atomicFlag

	// Memory management.
	objects      *Obj
	allocated    int
	nextGC       int
	heapGrowRate int
	reachedStack []*Obj

	config Config
	id     uuid.UUID
}

// NewVM creates a VM, bootstraps the core module and creates the main
// module. The zero-valued Config fields take their defaults.
func NewVM(config Config) *VM {
	config.applyDefaults()

	vm := &VM{
		config:       config,
		id:           uuid.New(),
		nextGC:       config.FirstGCCollectPoint,
		heapGrowRate: config.HeapGrowRate,
	}

	stackSize := roundUp(config.StartingStackSize, maxLocals+1)
	vm.stack = make([]Value, stackSize)
	vm.frames = make([]Frame, stackSize/(maxLocals+1))

	for i := range vm.specialMethods {
		vm.specialMethods[i] = vm.internString(specialMethodNames[i])
	}

	initCoreModule(vm)

	mainName := vm.internString(MainModule)
	vm.push(ObjVal(&mainName.Obj))
	vm.setModule(mainName, vm.newModule(MainModule, mainName))
	vm.pop()

	vm.emptyTup = vm.newTuple(0)
	vm.excErr = vm.internString(excFieldErr)
	vm.excTrace = vm.internString(excFieldTrace)
	vm.excCause = vm.internString(excFieldCause)

	log.Debugf("vm %s created, first GC at %d bytes", vm.id, vm.nextGC)
	return vm
}

// Free releases the VM heap, running userdata finalizers. The VM must not be
// used afterwards.
func (vm *VM) Free() {
	vm.sp = 0
	vm.apiStack = 0
	vm.frameCount = 0
	vm.module = nil
	vm.core = nil
	vm.modules = valueTable{}
	vm.stringPool = valueTable{}
	vm.upvalues = nil

	for o := vm.objects; o != nil; {
		next := o.next
		freeObject(o)
		o = next
	}
	vm.objects = nil

	log.Debugf("vm %s freed, %d bytes tracked at exit", vm.id, vm.allocated)
}

func roundUp(num, multiple int) int {
	return ((num + multiple - 1) / multiple) * multiple
}

func powerOf2Ceil(n int) int {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

// ---------------------------------------------------------------------------
// Value stack
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek() Value {
	return vm.stack[vm.sp-1]
}

func (vm *VM) peek2() Value {
	return vm.stack[vm.sp-2]
}

func (vm *VM) peekn(n int) Value {
	return vm.stack[vm.sp-n-1]
}

// swapStackSlots swaps the slots at negative offsets a and b from the stack
// pointer.
func (vm *VM) swapStackSlots(a, b int) {
	vm.stack[vm.sp+a], vm.stack[vm.sp+b] = vm.stack[vm.sp+b], vm.stack[vm.sp+a]
}

// reserveStack ensures at least needed free slots above the stack pointer,
// growing the stack geometrically. Every stack reference held elsewhere is
// an offset, so growth preserves logical slot identity.
func (vm *VM) reserveStack(needed int) {
	if vm.sp+needed < len(vm.stack) {
		return
	}
	newSize := powerOf2Ceil(len(vm.stack) + needed)
	grown := make([]Value, newSize)
	copy(grown, vm.stack)
	vm.stack = grown
}

// ---------------------------------------------------------------------------
// Frame stack
// ---------------------------------------------------------------------------

func (vm *VM) getFrame() *Frame {
	if vm.frameCount+1 == len(vm.frames) {
		grown := make([]Frame, len(vm.frames)*2)
		copy(grown, vm.frames)
		vm.frames = grown
	}
	vm.frameCount++
	return &vm.frames[vm.frameCount-1]
}

func (vm *VM) initFrame(proto *Prototype) *Frame {
	frame := vm.getFrame()
	frame.stackBase = vm.sp - (int(proto.Arity) + 1) - boolToInt(proto.Vararg)
	frame.handlerCount = 0
	frame.gen = nil
	return frame
}

func (vm *VM) appendCallFrame(closure *Closure) *Frame {
	frame := vm.initFrame(&closure.Fn.Proto)
	frame.fn = &closure.Obj
	frame.ip = 0
	return frame
}

func (vm *VM) appendNativeFrame(native *Native) *Frame {
	frame := vm.initFrame(&native.Proto)
	frame.fn = &native.Obj
	frame.ip = -1
	return frame
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for a stack slot, creating it and
// linking it into the sorted open-upvalue list on first capture.
func (vm *VM) captureUpvalue(slot int) *Upvalue {
	if vm.upvalues == nil {
		vm.upvalues = vm.newUpvalue(slot)
		return vm.upvalues
	}

	var prev *Upvalue
	upvalue := vm.upvalues
	for upvalue != nil && upvalue.slot > slot {
		prev = upvalue
		upvalue = upvalue.next
	}
	if upvalue != nil && upvalue.open && upvalue.slot == slot {
		return upvalue
	}

	created := vm.newUpvalue(slot)
	if prev == nil {
		vm.upvalues = created
	} else {
		prev.next = created
	}
	created.next = upvalue
	return created
}

// closeUpvalues closes every open upvalue at or above the given slot.
func (vm *VM) closeUpvalues(last int) {
	for vm.upvalues != nil && vm.upvalues.slot >= last {
		upvalue := vm.upvalues
		upvalue.closed = vm.stack[upvalue.slot]
		upvalue.open = false
		vm.upvalues = upvalue.next
		upvalue.next = nil
	}
}

// ---------------------------------------------------------------------------
// Classes of values
// ---------------------------------------------------------------------------

// ClassOf returns the class of any value.
func (vm *VM) ClassOf(v Value) *Class {
	if v.IsObj() {
		return v.Object().cls
	}
	if v.IsNum() {
		return vm.numClass
	}
	switch uint64(v) & tagMask {
	case handleBits, nullBits:
		return vm.nullClass
	default:
		return vm.boolClass
	}
}

func isSubClass(sub, super *Class) bool {
	for c := sub; c != nil; c = c.Super {
		if c == super {
			return true
		}
	}
	return false
}

// isInstanceOf reports whether v is an instance of cls or of a subclass.
func (vm *VM) isInstanceOf(v Value, cls *Class) bool {
	return isSubClass(vm.ClassOf(v), cls)
}

func (vm *VM) isNonInstantiableBuiltin(cls *Class) bool {
	return cls == vm.nullClass || cls == vm.funClass || cls == vm.modClass ||
		cls == vm.stClass || cls == vm.clsClass || cls == vm.udataClass ||
		cls == vm.genClass
}

func (vm *VM) isInstantiableBuiltin(cls *Class) bool {
	return cls == vm.lstClass || cls == vm.tupClass || cls == vm.numClass ||
		cls == vm.boolClass || cls == vm.strClass || cls == vm.tableClass
}

func (vm *VM) isBuiltinClass(cls *Class) bool {
	return vm.isNonInstantiableBuiltin(cls) || vm.isInstantiableBuiltin(cls)
}

// ---------------------------------------------------------------------------
// Module registry
// ---------------------------------------------------------------------------

func (vm *VM) getModule(name *String) *Module {
	if v, ok := vm.modules.get(name); ok {
		return asModule(v.Object())
	}
	return nil
}

func (vm *VM) setModule(name *String, module *Module) {
	vm.modules.put(vm, nil, name, ObjVal(&module.Obj))
}
