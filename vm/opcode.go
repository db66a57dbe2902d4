package vm

// Opcode is a single instruction of the Quill bytecode. Operands follow the
// opcode inline in the bytecode stream: one-byte counts and slot indexes,
// big-endian two-byte constant/symbol indexes and signed jump offsets.
type Opcode uint8

const (
	// Arithmetic. Numeric fast path, otherwise overload dispatch.
	OpAdd Opcode = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpNeg

	// Comparison and identity.
	OpEq
	OpLt
	OpLe
	OpGt
	OpGe
	OpIs

	// Logic and bitwise.
	OpNot
	OpInvert
	OpBand
	OpBor
	OpXor
	OpLshift
	OpRshift

	// Stack manipulation.
	OpNull
	OpDup
	OpPop
	OpPopN // n:1

	// Constants, locals, upvalues.
	OpGetConst   // const:2
	OpGetLocal   // slot:1
	OpSetLocal   // slot:1
	OpGetUpvalue // slot:1
	OpSetUpvalue // slot:1
	OpCloseUpvalue

	// Globals. Operand indexes the symbol list.
	OpGetGlobal    // sym:2
	OpSetGlobal    // sym:2
	OpDefineGlobal // sym:2

	// Fields and subscripts.
	OpGetField // sym:2
	OpSetField // sym:2
	OpSubscrGet
	OpSubscrSet

	// Jumps. Signed 16-bit offset relative to the next instruction.
	OpJump        // off:2
	OpJumpIfFalse // off:2
	OpJumpIfTrue  // off:2

	// for-in loops.
	OpForPrep
	OpForIter
	OpForNext // off:2

	// Calls.
	OpCall         // argc:1
	OpCallUnpack
	OpInvoke       // argc:1 sym:2
	OpInvokeUnpack // sym:2
	OpSuper        // argc:1 sym:2
	OpSuperUnpack  // sym:2
	OpSuperBind    // sym:2
	OpReturn

	// Closures and classes.
	OpClosure   // const:2, then (isLocal:1 index:1) per upvalue
	OpNewClass  // const:2
	OpSubclass
	OpDefMethod // const:2
	OpGetBase

	// Collections.
	OpNewList
	OpAppendList
	OpNewTuple // size:1
	OpListToTuple
	OpNewTable
	OpUnpack // n:1

	// Exception handling.
	OpSetupExcept // off:2
	OpSetupEnsure // off:2
	OpPopHandler
	OpEndHandler
	OpRaise

	// Generators.
	OpGenerator
	OpYield
	OpGeneratorClose

	// Imports resolve against the VM module registry.
	OpImport     // const:2
	OpImportFrom // const:2
	OpImportName // const:2 const:2

	// End marks the limit of valid bytecode. Never executed.
	OpEnd
)

// opcodeArgs is the number of operand bytes following each opcode.
// OpClosure carries two extra bytes per upvalue on top of its base operand.
var opcodeArgs = [...]int{
	OpAdd: 0, OpSub: 0, OpMul: 0, OpDiv: 0, OpMod: 0, OpPow: 0, OpNeg: 0,
	OpEq: 0, OpLt: 0, OpLe: 0, OpGt: 0, OpGe: 0, OpIs: 0,
	OpNot: 0, OpInvert: 0, OpBand: 0, OpBor: 0, OpXor: 0, OpLshift: 0, OpRshift: 0,
	OpNull: 0, OpDup: 0, OpPop: 0, OpPopN: 1,
	OpGetConst: 2, OpGetLocal: 1, OpSetLocal: 1, OpGetUpvalue: 1, OpSetUpvalue: 1,
	OpCloseUpvalue: 0,
	OpGetGlobal: 2, OpSetGlobal: 2, OpDefineGlobal: 2,
	OpGetField: 2, OpSetField: 2, OpSubscrGet: 0, OpSubscrSet: 0,
	OpJump: 2, OpJumpIfFalse: 2, OpJumpIfTrue: 2,
	OpForPrep: 0, OpForIter: 0, OpForNext: 2,
	OpCall: 1, OpCallUnpack: 0, OpInvoke: 3, OpInvokeUnpack: 2,
	OpSuper: 3, OpSuperUnpack: 2, OpSuperBind: 2, OpReturn: 0,
	OpClosure: 2, OpNewClass: 2, OpSubclass: 0, OpDefMethod: 2, OpGetBase: 0,
	OpNewList: 0, OpAppendList: 0, OpNewTuple: 1, OpListToTuple: 0, OpNewTable: 0,
	OpUnpack: 1,
	OpSetupExcept: 2, OpSetupEnsure: 2, OpPopHandler: 0, OpEndHandler: 0, OpRaise: 0,
	OpGenerator: 0, OpYield: 0, OpGeneratorClose: 0,
	OpImport: 2, OpImportFrom: 2, OpImportName: 4,
	OpEnd: 0,
}

var opcodeNames = [...]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpPow: "pow", OpNeg: "neg",
	OpEq: "eq", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge", OpIs: "is",
	OpNot: "not", OpInvert: "invert", OpBand: "band", OpBor: "bor", OpXor: "xor",
	OpLshift: "lshift", OpRshift: "rshift",
	OpNull: "null", OpDup: "dup", OpPop: "pop", OpPopN: "popn",
	OpGetConst: "get_const", OpGetLocal: "get_local", OpSetLocal: "set_local",
	OpGetUpvalue: "get_upvalue", OpSetUpvalue: "set_upvalue",
	OpCloseUpvalue: "close_upvalue",
	OpGetGlobal: "get_global", OpSetGlobal: "set_global",
	OpDefineGlobal: "define_global",
	OpGetField: "get_field", OpSetField: "set_field",
	OpSubscrGet: "subscr_get", OpSubscrSet: "subscr_set",
	OpJump: "jump", OpJumpIfFalse: "jump_if_false", OpJumpIfTrue: "jump_if_true",
	OpForPrep: "for_prep", OpForIter: "for_iter", OpForNext: "for_next",
	OpCall: "call", OpCallUnpack: "call_unpack",
	OpInvoke: "invoke", OpInvokeUnpack: "invoke_unpack",
	OpSuper: "super", OpSuperUnpack: "super_unpack", OpSuperBind: "super_bind",
	OpReturn: "return",
	OpClosure: "closure", OpNewClass: "new_class", OpSubclass: "subclass",
	OpDefMethod: "def_method", OpGetBase: "get_base",
	OpNewList: "new_list", OpAppendList: "append_list", OpNewTuple: "new_tuple",
	OpListToTuple: "list_to_tuple", OpNewTable: "new_table", OpUnpack: "unpack",
	OpSetupExcept: "setup_except", OpSetupEnsure: "setup_ensure",
	OpPopHandler: "pop_handler", OpEndHandler: "end_handler", OpRaise: "raise",
	OpGenerator: "generator", OpYield: "yield",
	OpGeneratorClose: "generator_close",
	OpImport: "import", OpImportFrom: "import_from", OpImportName: "import_name",
	OpEnd: "end",
}

// ArgBytes returns the number of operand bytes following op.
func (op Opcode) ArgBytes() int {
	if int(op) >= len(opcodeArgs) {
		return 0
	}
	return opcodeArgs[op]
}

func (op Opcode) String() string {
	if int(op) >= len(opcodeNames) {
		return "invalid"
	}
	return opcodeNames[op]
}
