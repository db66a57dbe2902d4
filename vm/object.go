package vm

import (
	"unsafe"
)

// Object system of the Quill VM.
//
// Every heap record shares the base fields of the Obj struct by embedding it
// as its first field. This permits casting any record pointer to *Obj and
// back, implementing a sort of manual inheritance. The casting helpers do
// not re-check the kind tag beyond a fail-fast assertion: an Obj should be
// tested before casting.

// ObjKind is the tag identifying the concrete type of a heap record.
type ObjKind uint8

const (
	KindString ObjKind = iota
	KindList
	KindTuple
	KindTable
	KindFunction
	KindNative
	KindClosure
	KindUpvalue
	KindClass
	KindInstance
	KindModule
	KindBoundMethod
	KindGenerator
	KindStackTrace
	KindUserdata
)

var objKindNames = [...]string{
	"String", "List", "Tuple", "Table", "Function", "Native", "Closure",
	"Upvalue", "Class", "Instance", "Module", "BoundMethod", "Generator",
	"StackTrace", "Userdata",
}

func (k ObjKind) String() string { return objKindNames[k] }

// Obj is the header embedded as the first field of every heap record.
// It carries the kind tag, the owning class, the flag used to mark an object
// as reachable during a collection, the intrusive link to the next allocated
// record, and the accounted allocation size used to keep the VM's byte
// counter exact across sweeps.
type Obj struct {
	kind    ObjKind
	reached bool
	cls     *Class
	next    *Obj
	bytes   int
}

// Kind returns the kind tag of the record.
func (o *Obj) Kind() ObjKind { return o.kind }

// Class returns the owning class of the record. Non-nil for every object
// once VM bootstrap completes.
func (o *Obj) Class() *Class { return o.cls }

// ---------------------------------------------------------------------------
// Record definitions
// ---------------------------------------------------------------------------

// String is an immutable Quill string. Strings store arbitrary bytes and
// cache their hash, computed once at allocation.
type String struct {
	Obj
	hash     uint32
	interned bool
	Data     string
}

func (s *String) Hash() uint32 { return s.hash }

// List is a mutable sequence of values.
type List struct {
	Obj
	Items []Value
}

// Tuple is an immutable sequence of values.
type Tuple struct {
	Obj
	Items []Value
}

// tableEntry is a single slot of a script Table. A slot with a null key and
// a true value is a tombstone left behind by a deletion.
type tableEntry struct {
	key Value
	val Value
}

// Table is an open-addressed hash table mapping arbitrary values to values.
type Table struct {
	Obj
	capacityMask int
	numEntries   int // entries including tombstones
	size         int // live entries
	entries      []tableEntry
}

// Size returns the number of live entries in the table.
func (t *Table) Size() int { return t.size }

// Prototype holds the fields shared by all function records.
type Prototype struct {
	Vararg   bool
	Arity    uint8
	Defaults []Value
	Module   *Module
	Name     *String
}

/// Function is a compiled Quill function: a prototype plus its code object.
type Function struct {
	Obj
	Proto        Prototype
	Code         Code
	UpvalueCount uint8
	StackUsage   int
}

// NativeFn is a host function callable from Quill. It receives the VM with
// its arguments as read-only stack slots 1..N (slot 0 is the receiver), must
// leave exactly one result value where its call frame began, and returns a
// success flag. On failure the exception value occupies that same position.
type NativeFn func(vm *VM) bool

// Native is a host function registered in a module or class.
type Native struct {
	Obj
	Proto Prototype
	Fn    NativeFn
}

// Upvalue is a variable captured from an outer scope by a closure. While the
// captured variable is still live on the stack the upvalue is "open" and
// aliases the stack slot; when the variable's frame ends the value is copied
// into the closed field and the upvalue no longer references the stack.
// Stack locations are held as slot offsets so stack growth never invalidates
// an open upvalue.
type Upvalue struct {
	Obj
	open   bool
	slot   int
	closed Value
	next   *Upvalue
}

// Get returns the current value of the upvalue.
func (u *Upvalue) Get(vm *VM) Value {
	if u.open {
		return vm.stack[u.slot]
	}
	return u.closed
}

// Set updates the current value of the upvalue.
func (u *Upvalue) Set(vm *VM, v Value) {
	if u.open {
		vm.stack[u.slot] = v
	} else {
		u.closed = v
	}
}

// Closure wraps a Function together with the upvalues it closes over.
type Closure struct {
	Obj
	Fn       *Function
	Upvalues []*Upvalue
}

// Class is a first-class Quill class: a name, an optional superclass, the
// field index assigning offsets to instance field names, and the method
// table.
type Class struct {
	Obj
	Name    *String
	Super   *Class
	Fields  indexTable
	Methods valueTable
}

// Instance is an instance of a user-defined class. Field values live in a
// flat slice addressed by the offsets recorded in the class field index.
type Instance struct {
	Obj
	FieldValues []Value
}

// Module is the runtime representation of a Quill compilation unit: a name,
// a path, and the module-global variables, addressed by offset through the
// GlobalNames index.
type Module struct {
	Obj
	Name        *String
	Path        *String
	GlobalNames indexTable
	Globals     []Value
}

// BoundMethod pairs a method with the receiver it was looked up on.
type BoundMethod struct {
	Obj
	Receiver Value
	Method   *Obj // a Closure or Native
}

// GenState is the lifecycle state of a generator.
type GenState uint8

const (
	GenStarted GenState = iota
	GenRunning
	GenSuspended
	GenDone
)

// SavedHandler is a handler captured into a suspended generator. The saved
// stack pointer is stored relative to the generator's frame base.
type SavedHandler struct {
	kind     handlerKind
	address  int
	spOffset int
}

// SavedFrame is the continuation record of a suspended generator: the
// instruction pointer, the live stack extent and the active handlers at the
// point of suspension.
type SavedFrame struct {
	ip       int
	stackTop int
	handlers []SavedHandler
}

// Generator captures a suspended function activation. Each resume copies the
// private stack slice back onto the live stack and continues from the saved
// instruction pointer; each yield snapshots them back. See generator.go.
type Generator struct {
	Obj
	State      GenState
	Closure    *Closure
	LastYield  Value
	Frame      SavedFrame
	SavedStack []Value
}

// FrameRecord is one frame dumped into a stack trace during unwinding.
type FrameRecord struct {
	Line       int
	Path       *String
	ModuleName *String
	FuncName   *String
}

// StackTrace accumulates the frames an exception unwound through.
type StackTrace struct {
	Obj
	lastTracedFrame int
	Records         []FrameRecord
}

// Userdata is a garbage-collected host datum with an optional finalizer run
// when the record is swept.
type Userdata struct {
	Obj
	Data     any
	Finalize func(any)
}

// ---------------------------------------------------------------------------
// Casting helpers
// ---------------------------------------------------------------------------
//
// Each helper asserts the kind tag: a mismatch means the caller skipped the
// variant test, which is an internal invariant violation.

func (o *Obj) assertKind(k ObjKind) {
	if o.kind != k {
		panic("object cast: expected " + k.String() + ", got " + o.kind.String())
	}
}

func asString(o *Obj) *String {
	o.assertKind(KindString)
	return (*String)(unsafe.Pointer(o))
}

func asList(o *Obj) *List {
	o.assertKind(KindList)
	return (*List)(unsafe.Pointer(o))
}

func asTuple(o *Obj) *Tuple {
	o.assertKind(KindTuple)
	return (*Tuple)(unsafe.Pointer(o))
}

func asTable(o *Obj) *Table {
	o.assertKind(KindTable)
	return (*Table)(unsafe.Pointer(o))
}

func asFunction(o *Obj) *Function {
	o.assertKind(KindFunction)
	return (*Function)(unsafe.Pointer(o))
}

func asNative(o *Obj) *Native {
	o.assertKind(KindNative)
	return (*Native)(unsafe.Pointer(o))
}

func asClosure(o *Obj) *Closure {
	o.assertKind(KindClosure)
	return (*Closure)(unsafe.Pointer(o))
}

func asUpvalue(o *Obj) *Upvalue {
	o.assertKind(KindUpvalue)
	return (*Upvalue)(unsafe.Pointer(o))
}

func asClass(o *Obj) *Class {
	o.assertKind(KindClass)
	return (*Class)(unsafe.Pointer(o))
}

func asInstance(o *Obj) *Instance {
	o.assertKind(KindInstance)
	return (*Instance)(unsafe.Pointer(o))
}

func asModule(o *Obj) *Module {
	o.assertKind(KindModule)
	return (*Module)(unsafe.Pointer(o))
}

func asBoundMethod(o *Obj) *BoundMethod {
	o.assertKind(KindBoundMethod)
	return (*BoundMethod)(unsafe.Pointer(o))
}

func asGenerator(o *Obj) *Generator {
	o.assertKind(KindGenerator)
	return (*Generator)(unsafe.Pointer(o))
}

func asStackTrace(o *Obj) *StackTrace {
	o.assertKind(KindStackTrace)
	return (*StackTrace)(unsafe.Pointer(o))
}

func asUserdata(o *Obj) *Userdata {
	o.assertKind(KindUserdata)
	return (*Userdata)(unsafe.Pointer(o))
}

// Kind testers over values.

func isObjKind(v Value, k ObjKind) bool {
	return v.IsObj() && v.Object().kind == k
}

func isString(v Value) bool      { return isObjKind(v, KindString) }
func isList(v Value) bool        { return isObjKind(v, KindList) }
func isTuple(v Value) bool       { return isObjKind(v, KindTuple) }
func isTable(v Value) bool       { return isObjKind(v, KindTable) }
func isFunction(v Value) bool    { return isObjKind(v, KindFunction) }
func isNative(v Value) bool      { return isObjKind(v, KindNative) }
func isClosure(v Value) bool     { return isObjKind(v, KindClosure) }
func isClass(v Value) bool       { return isObjKind(v, KindClass) }
func isInstance(v Value) bool    { return isObjKind(v, KindInstance) }
func isModule(v Value) bool      { return isObjKind(v, KindModule) }
func isBoundMethod(v Value) bool { return isObjKind(v, KindBoundMethod) }
func isGenerator(v Value) bool   { return isObjKind(v, KindGenerator) }
func isStackTrace(v Value) bool  { return isObjKind(v, KindStackTrace) }

// ---------------------------------------------------------------------------
// Object allocation
// ---------------------------------------------------------------------------
//
// Constructors account the record's size through the GC before linking the
// new record into the allocation list. Callers must keep any unrooted
// argument objects protected (typically by pushing them on the VM stack)
// since the accounting step may trigger a collection.

const valueSize = int(unsafe.Sizeof(Value(0)))

// initObj accounts bytes, links the record into the allocation list and
// fills in the header.
func (vm *VM) initObj(o *Obj, kind ObjKind, cls *Class, bytes int) {
	vm.gcTrack(0, bytes)
	o.kind = kind
	o.cls = cls
	o.bytes = bytes
	o.next = vm.objects
	vm.objects = o
}

// resizeObj re-accounts a record whose payload grew or shrank.
func (vm *VM) resizeObj(o *Obj, oldBytes, newBytes int) {
	vm.gcTrack(oldBytes, newBytes)
	o.bytes += newBytes - oldBytes
}

func (vm *VM) newList(capacity int) *List {
	l := &List{}
	if capacity > 0 {
		l.Items = make([]Value, 0, capacity)
	}
	vm.initObj(&l.Obj, KindList, vm.lstClass, int(unsafe.Sizeof(List{}))+capacity*valueSize)
	return l
}

func (vm *VM) newTuple(size int) *Tuple {
	if size == 0 && vm.emptyTup != nil {
		return vm.emptyTup
	}
	t := &Tuple{Items: make([]Value, size)}
	for i := range t.Items {
		t.Items[i] = Null
	}
	vm.initObj(&t.Obj, KindTuple, vm.tupClass, int(unsafe.Sizeof(Tuple{}))+size*valueSize)
	return t
}

func (vm *VM) newTable() *Table {
	t := &Table{}
	vm.initObj(&t.Obj, KindTable, vm.tableClass, int(unsafe.Sizeof(Table{})))
	return t
}

func (vm *VM) newFunction(mod *Module, name *String, arity uint8, defaults int, vararg bool) *Function {
	f := &Function{Proto: Prototype{
		Vararg: vararg,
		Arity:  arity,
		Module: mod,
		Name:   name,
	}}
	if defaults > 0 {
		f.Proto.Defaults = make([]Value, defaults)
		for i := range f.Proto.Defaults {
			f.Proto.Defaults[i] = Null
		}
	}
	vm.initObj(&f.Obj, KindFunction, vm.funClass, int(unsafe.Sizeof(Function{}))+defaults*valueSize)
	return f
}

func (vm *VM) newNative(mod *Module, name *String, arity uint8, defaults int, vararg bool, fn NativeFn) *Native {
	n := &Native{
		Proto: Prototype{
			Vararg: vararg,
			Arity:  arity,
			Module: mod,
			Name:   name,
		},
		Fn: fn,
	}
	if defaults > 0 {
		n.Proto.Defaults = make([]Value, defaults)
		for i := range n.Proto.Defaults {
			n.Proto.Defaults[i] = Null
		}
	}
	vm.initObj(&n.Obj, KindNative, vm.funClass, int(unsafe.Sizeof(Native{}))+defaults*valueSize)
	return n
}

func (vm *VM) newClosure(fn *Function) *Closure {
	c := &Closure{
		Fn:       fn,
		Upvalues: make([]*Upvalue, fn.UpvalueCount),
	}
	vm.initObj(&c.Obj, KindClosure, vm.funClass, int(unsafe.Sizeof(Closure{}))+int(fn.UpvalueCount)*valueSize)
	return c
}

func (vm *VM) newUpvalue(slot int) *Upvalue {
	u := &Upvalue{open: true, slot: slot, closed: Null}
	vm.initObj(&u.Obj, KindUpvalue, nil, int(unsafe.Sizeof(Upvalue{})))
	return u
}

func (vm *VM) newClass(name *String, super *Class) *Class {
	c := &Class{Name: name, Super: super}
	vm.initObj(&c.Obj, KindClass, vm.clsClass, int(unsafe.Sizeof(Class{})))
	if super != nil {
		c.Methods.merge(vm, &c.Obj, &super.Methods)
		c.Fields.merge(vm, &c.Obj, &super.Fields)
	}
	return c
}

func (vm *VM) newInstance(cls *Class) *Instance {
	capacity := cls.Fields.size
	i := &Instance{}
	if capacity > 0 {
		i.FieldValues = make([]Value, capacity)
		for j := range i.FieldValues {
			i.FieldValues[j] = Null
		}
	}
	vm.initObj(&i.Obj, KindInstance, cls, int(unsafe.Sizeof(Instance{}))+capacity*valueSize)
	return i
}

// newModule creates a module and merges the core module's globals into it,
// so every module starts out with the built-in names in scope.
func (vm *VM) newModule(path string, name *String) *Module {
	m := &Module{Name: name}
	vm.initObj(&m.Obj, KindModule, vm.modClass, int(unsafe.Sizeof(Module{})))

	vm.push(ObjVal(&m.Obj))
	m.Path = vm.internString(path)
	if vm.core != nil && m != vm.core {
		for i, e := range vm.core.GlobalNames.entries {
			if e.key != nil {
				vm.moduleSetGlobal(m, e.key, vm.core.Globals[vm.core.GlobalNames.entries[i].offset])
			}
		}
	}
	vm.pop()
	return m
}

func (vm *VM) newBoundMethod(receiver Value, method *Obj) *BoundMethod {
	b := &BoundMethod{Receiver: receiver, Method: method}
	vm.initObj(&b.Obj, KindBoundMethod, vm.funClass, int(unsafe.Sizeof(BoundMethod{})))
	return b
}

func (vm *VM) newGenerator(closure *Closure, stackSize int) *Generator {
	g := &Generator{
		State:      GenStarted,
		Closure:    closure,
		LastYield:  Null,
		SavedStack: make([]Value, stackSize),
	}
	vm.initObj(&g.Obj, KindGenerator, vm.genClass, int(unsafe.Sizeof(Generator{}))+stackSize*valueSize)
	return g
}

func (vm *VM) newStackTrace() *StackTrace {
	st := &StackTrace{lastTracedFrame: -1}
	vm.initObj(&st.Obj, KindStackTrace, vm.stClass, int(unsafe.Sizeof(StackTrace{})))
	return st
}

// NewUserdata allocates a garbage-collected host datum of the given
// accounted size. The finalizer, if any, runs when the record is swept.
func (vm *VM) NewUserdata(data any, size int, finalize func(any)) *Userdata {
	u := &Userdata{Data: data, Finalize: finalize}
	vm.initObj(&u.Obj, KindUserdata, vm.udataClass, int(unsafe.Sizeof(Userdata{}))+size)
	return u
}

// ---------------------------------------------------------------------------
// Strings and interning
// ---------------------------------------------------------------------------

// hashBytes computes the 32-bit FNV-1a hash of s.
func hashBytes(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// allocString allocates a string record without consulting the intern pool.
func (vm *VM) allocString(data string) *String {
	s := &String{Data: data, hash: hashBytes(data)}
	vm.initObj(&s.Obj, KindString, vm.strClass, int(unsafe.Sizeof(String{}))+len(data))
	return s
}

// internString returns the interned string for data, allocating and pooling
// it on first use. Interned strings compare equal by identity.
func (vm *VM) internString(data string) *String {
	hash := hashBytes(data)
	if s := vm.stringPool.getString(data, hash); s != nil {
		return s
	}
	s := vm.allocString(data)
	s.interned = true
	vm.push(ObjVal(&s.Obj))
	vm.stringPool.put(vm, nil, s, ObjVal(&s.Obj))
	vm.pop()
	return s
}

// ---------------------------------------------------------------------------
// List operations
// ---------------------------------------------------------------------------

const (
	listDefaultCap = 8
	listGrowRate   = 2
)

func (vm *VM) listEnsure(l *List, need int) {
	if need <= cap(l.Items) {
		return
	}
	newCap := cap(l.Items) * listGrowRate
	if newCap < listDefaultCap {
		newCap = listDefaultCap
	}
	for newCap < need {
		newCap *= listGrowRate
	}
	items := make([]Value, len(l.Items), newCap)
	copy(items, l.Items)
	vm.resizeObj(&l.Obj, cap(l.Items)*valueSize, newCap*valueSize)
	l.Items = items
}

func (vm *VM) listAppend(l *List, v Value) {
	vm.listEnsure(l, len(l.Items)+1)
	l.Items = append(l.Items, v)
}

func (vm *VM) listInsert(l *List, index int, v Value) {
	vm.listEnsure(l, len(l.Items)+1)
	l.Items = append(l.Items, Null)
	copy(l.Items[index+1:], l.Items[index:])
	l.Items[index] = v
}

func (vm *VM) listRemove(l *List, index int) {
	copy(l.Items[index:], l.Items[index+1:])
	l.Items = l.Items[:len(l.Items)-1]
}

// getValues returns the value array of a List or Tuple.
func getValues(o *Obj) []Value {
	switch o.kind {
	case KindList:
		return asList(o).Items
	case KindTuple:
		return asTuple(o).Items
	default:
		panic("getValues: not a List or Tuple")
	}
}

// getPrototype returns the prototype of a Function or Native record.
func getPrototype(o *Obj) *Prototype {
	switch o.kind {
	case KindFunction:
		return &asFunction(o).Proto
	case KindNative:
		return &asNative(o).Proto
	default:
		panic("getPrototype: not a function object")
	}
}

// ---------------------------------------------------------------------------
// Instance fields and module globals
// ---------------------------------------------------------------------------
//
// Field and global names resolve to stable offsets through the owning class
// or module index, which is what makes inline caching of resolved offsets
// sound: an offset is valid for as long as the owner identity matches.

// instanceFieldOffset returns the offset of a field, or -1.
func (vm *VM) instanceFieldOffset(cls *Class, name *String) int {
	return cls.Fields.get(name)
}

// instanceSetField assigns a field, creating its offset on first assignment.
func (vm *VM) instanceSetField(cls *Class, inst *Instance, name *String, val Value) int {
	off := cls.Fields.get(name)
	if off == -1 {
		off = cls.Fields.size
		cls.Fields.put(vm, &cls.Obj, name, off)
	}
	if off >= len(inst.FieldValues) {
		old := cap(inst.FieldValues)
		grown := make([]Value, off+1)
		copy(grown, inst.FieldValues)
		for i := len(inst.FieldValues); i <= off; i++ {
			grown[i] = Null
		}
		inst.FieldValues = grown
		vm.resizeObj(&inst.Obj, old*valueSize, cap(inst.FieldValues)*valueSize)
	}
	inst.FieldValues[off] = val
	return off
}

// instanceGetField looks a field up by name. Returns false if the instance
// has no such field.
func (vm *VM) instanceGetField(cls *Class, inst *Instance, name *String) (Value, bool) {
	off := cls.Fields.get(name)
	if off == -1 || off >= len(inst.FieldValues) {
		return Null, false
	}
	return inst.FieldValues[off], true
}

// instanceFieldAt returns the field at a cached offset.
func instanceFieldAt(inst *Instance, off int) (Value, bool) {
	if off >= len(inst.FieldValues) {
		return Null, false
	}
	return inst.FieldValues[off], true
}

// moduleSetGlobal assigns a module global, creating its offset on first
// assignment, and returns the offset.
func (vm *VM) moduleSetGlobal(m *Module, name *String, val Value) int {
	off := m.GlobalNames.get(name)
	if off == -1 {
		off = len(m.Globals)
		oldCap := cap(m.Globals)
		m.Globals = append(m.Globals, Null)
		if cap(m.Globals) != oldCap {
			vm.resizeObj(&m.Obj, oldCap*valueSize, cap(m.Globals)*valueSize)
		}
		m.GlobalNames.put(vm, &m.Obj, name, off)
	}
	m.Globals[off] = val
	return off
}

// moduleGlobalOffset returns the offset of a global, or -1.
func (vm *VM) moduleGlobalOffset(m *Module, name *String) int {
	return m.GlobalNames.get(name)
}
