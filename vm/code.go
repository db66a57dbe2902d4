package vm

// Code is a runtime bytecode chunk: the instruction stream, the source line
// of each instruction byte, the constant pool and the symbol list. Symbols
// are name references (get/set of globals and fields, method invocations)
// that carry an inline cache alongside the constant-pool index of the name.
type Code struct {
	Bytecode []byte
	Lines    []int
	Consts   []Value
	Symbols  []Symbol
}

// symbolKind describes what a symbol cache currently holds.
type symbolKind uint8

const (
	symbolEmpty symbolKind = iota
	symbolMethod
	symbolBoundMethod
	symbolField
	symbolGlobal
)

// symbolCache memoizes one name resolution. The key records the object
// (class or module) the resolution was made against; a lookup may reuse the
// cache only when the key matches, so a hit can never observe a stale
// binding from a different owner.
type symbolCache struct {
	kind   symbolKind
	key    *Obj
	method Value
	offset int
}

// Symbol is a name reference in the bytecode: the constant-pool index of the
// name string plus the resolution cache.
type Symbol struct {
	Constant uint16
	cache    symbolCache
}

// Emit appends an opcode attributed to a source line.
func (c *Code) Emit(op Opcode, line int) {
	c.Bytecode = append(c.Bytecode, byte(op))
	c.Lines = append(c.Lines, line)
}

// EmitByte appends a one-byte operand.
func (c *Code) EmitByte(b byte, line int) {
	c.Bytecode = append(c.Bytecode, b)
	c.Lines = append(c.Lines, line)
}

// EmitShort appends a big-endian two-byte operand.
func (c *Code) EmitShort(s uint16, line int) {
	c.Bytecode = append(c.Bytecode, byte(s>>8), byte(s))
	c.Lines = append(c.Lines, line, line)
}

// AddConst appends a constant and returns its pool index.
func (c *Code) AddConst(v Value) uint16 {
	c.Consts = append(c.Consts, v)
	return uint16(len(c.Consts) - 1)
}

// AddSymbol appends a symbol referencing the name constant at constIdx and
// returns its symbol-list index.
func (c *Code) AddSymbol(constIdx uint16) uint16 {
	c.Symbols = append(c.Symbols, Symbol{Constant: constIdx})
	return uint16(len(c.Symbols) - 1)
}

// shortAt reads the big-endian two-byte operand at i.
func (c *Code) shortAt(i int) uint16 {
	return uint16(c.Bytecode[i])<<8 | uint16(c.Bytecode[i+1])
}

// LineAt returns the source line of the instruction byte at ip.
func (c *Code) LineAt(ip int) int {
	if ip < 0 || ip >= len(c.Lines) {
		return -1
	}
	return c.Lines[ip]
}

// codeSize is the accounted size of the chunk's backing arrays.
func (c *Code) codeSize() int {
	const intSize = 8
	return len(c.Bytecode) + len(c.Lines)*intSize +
		len(c.Consts)*valueSize + len(c.Symbols)*symbolSize
}

const symbolSize = 32

// accountFunctionCode charges a function's completed code chunk to the GC
// byte counter. Call once, after the chunk is fully built.
func (vm *VM) accountFunctionCode(fn *Function) {
	vm.resizeObj(&fn.Obj, 0, fn.Code.codeSize())
}
