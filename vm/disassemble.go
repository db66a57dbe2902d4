package vm

import (
	"fmt"
	"io"
	"strconv"
)

// Bytecode disassembler. Renders one instruction per line:
//
//	offset line opcode operands
//
// Constant and symbol operands are resolved against the chunk's pools;
// nested function constants are disassembled recursively after the chunk.

// DisassembleCode writes a listing of the chunk and of every function
// constant it contains.
func DisassembleCode(w io.Writer, name string, code *Code) {
	fmt.Fprintf(w, "== %s ==\n", name)
	for ip := 0; ip < len(code.Bytecode); {
		ip = DisassembleInstruction(w, code, ip)
	}

	for _, c := range code.Consts {
		if c.IsObj() && c.Object().kind == KindFunction {
			fn := asFunction(c.Object())
			fmt.Fprintln(w)
			DisassembleCode(w, fn.Proto.Name.Data, &fn.Code)
		}
	}
}

// DisassembleInstruction writes the instruction at ip and returns the offset
// of the next one.
func DisassembleInstruction(w io.Writer, code *Code, ip int) int {
	op := Opcode(code.Bytecode[ip])
	fmt.Fprintf(w, "%04d %4d %-16s", ip, code.LineAt(ip), op.String())

	next := ip + 1 + op.ArgBytes()
	switch op {
	case OpGetConst, OpNewClass, OpDefMethod, OpImport, OpImportFrom:
		idx := code.shortAt(ip + 1)
		fmt.Fprintf(w, " %d (%s)", idx, constString(code, idx))

	case OpImportName:
		mod := code.shortAt(ip + 1)
		name := code.shortAt(ip + 3)
		fmt.Fprintf(w, " %d %d (%s.%s)", mod, name,
			constString(code, mod), constString(code, name))

	case OpGetGlobal, OpSetGlobal, OpDefineGlobal, OpGetField, OpSetField,
		OpInvokeUnpack, OpSuperUnpack, OpSuperBind:
		idx := code.shortAt(ip + 1)
		fmt.Fprintf(w, " %d (%s)", idx, symbolString(code, idx))

	case OpInvoke, OpSuper:
		argc := code.Bytecode[ip+1]
		idx := code.shortAt(ip + 2)
		fmt.Fprintf(w, " %d %d (%s)", argc, idx, symbolString(code, idx))

	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpForNext,
		OpSetupExcept, OpSetupEnsure:
		off := int(int16(code.shortAt(ip + 1)))
		fmt.Fprintf(w, " %d (to %d)", off, ip+3+off)

	case OpCall, OpPopN, OpNewTuple, OpUnpack, OpGetLocal, OpSetLocal,
		OpGetUpvalue, OpSetUpvalue:
		fmt.Fprintf(w, " %d", code.Bytecode[ip+1])

	case OpClosure:
		idx := code.shortAt(ip + 1)
		fmt.Fprintf(w, " %d (%s)", idx, constString(code, idx))
		fn := asFunction(code.Consts[idx].Object())
		at := ip + 3
		for i := 0; i < int(fn.UpvalueCount); i++ {
			scope := "upvalue"
			if code.Bytecode[at] != 0 {
				scope = "local"
			}
			fmt.Fprintf(w, " [%s %d]", scope, code.Bytecode[at+1])
			at += 2
		}
		next = at
	}

	fmt.Fprintln(w)
	return next
}

func constString(code *Code, idx uint16) string {
	if int(idx) >= len(code.Consts) {
		return "<bad const>"
	}
	v := code.Consts[idx]
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		return strconv.FormatBool(v.Bool())
	case v.IsNum():
		return strconv.FormatFloat(v.Num(), 'g', -1, 64)
	}
	switch v.Object().kind {
	case KindString:
		return strconv.Quote(asString(v.Object()).Data)
	case KindFunction:
		return "<fun " + asFunction(v.Object()).Proto.Name.Data + ">"
	default:
		return "<" + v.Object().Kind().String() + ">"
	}
}

func symbolString(code *Code, idx uint16) string {
	if int(idx) >= len(code.Symbols) {
		return "<bad symbol>"
	}
	return constString(code, code.Symbols[idx].Constant)
}
