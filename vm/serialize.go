package vm

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Binary code format.
//
// A serialized chunk is a fixed header followed by a CBOR body encoded in
// canonical mode: "QBC\x01", two version bytes (major, minor), then the
// wire form of the chunk. Constants round-trip numbers, booleans, null,
// strings and nested function prototypes; deserialization re-interns every
// string through the owning VM, so identity-based string equality keeps
// holding for loaded code.

var codeMagic = [4]byte{'Q', 'B', 'C', 0x01}

const (
	codeVersionMajor = 1
	codeVersionMinor = 0
)

// Wire constant kinds.
const (
	wireNull uint8 = iota
	wireBool
	wireNum
	wireString
	wireFunction
)

type wireConst struct {
	Kind uint8     `cbor:"1,keyasint"`
	Bool bool      `cbor:"2,keyasint,omitempty"`
	Num  float64   `cbor:"3,keyasint,omitempty"`
	Str  string    `cbor:"4,keyasint,omitempty"`
	Fn   *wireFunc `cbor:"5,keyasint,omitempty"`
}

type wireFunc struct {
	Name         string      `cbor:"1,keyasint"`
	Arity        uint8       `cbor:"2,keyasint"`
	Vararg       bool        `cbor:"3,keyasint"`
	Defaults     []wireConst `cbor:"4,keyasint"`
	UpvalueCount uint8       `cbor:"5,keyasint"`
	StackUsage   int         `cbor:"6,keyasint"`
	Code         wireCode    `cbor:"7,keyasint"`
}

type wireCode struct {
	Bytecode []byte      `cbor:"1,keyasint"`
	Lines    []int       `cbor:"2,keyasint"`
	Consts   []wireConst `cbor:"3,keyasint"`
	Symbols  []uint16    `cbor:"4,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// SerializeCode encodes a code chunk to the binary format.
func SerializeCode(code *Code) ([]byte, error) {
	wire, err := codeToWire(code)
	if err != nil {
		return nil, err
	}

	body, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding code: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(codeMagic[:])
	buf.WriteByte(codeVersionMajor)
	buf.WriteByte(codeVersionMinor)
	buf.Write(body)
	return buf.Bytes(), nil
}

func codeToWire(code *Code) (*wireCode, error) {
	wire := &wireCode{
		Bytecode: code.Bytecode,
		Lines:    code.Lines,
		Symbols:  make([]uint16, len(code.Symbols)),
	}
	for i := range code.Symbols {
		wire.Symbols[i] = code.Symbols[i].Constant
	}

	wire.Consts = make([]wireConst, len(code.Consts))
	for i, c := range code.Consts {
		wc, err := constToWire(c)
		if err != nil {
			return nil, err
		}
		wire.Consts[i] = wc
	}
	return wire, nil
}

func constToWire(v Value) (wireConst, error) {
	switch {
	case v.IsNull():
		return wireConst{Kind: wireNull}, nil
	case v.IsBool():
		return wireConst{Kind: wireBool, Bool: v.Bool()}, nil
	case v.IsNum():
		return wireConst{Kind: wireNum, Num: v.Num()}, nil
	}

	switch v.Object().kind {
	case KindString:
		return wireConst{Kind: wireString, Str: asString(v.Object()).Data}, nil

	case KindFunction:
		fn := asFunction(v.Object())
		wf := &wireFunc{
			Name:         fn.Proto.Name.Data,
			Arity:        fn.Proto.Arity,
			Vararg:       fn.Proto.Vararg,
			UpvalueCount: fn.UpvalueCount,
			StackUsage:   fn.StackUsage,
		}
		for _, d := range fn.Proto.Defaults {
			wd, err := constToWire(d)
			if err != nil {
				return wireConst{}, err
			}
			wf.Defaults = append(wf.Defaults, wd)
		}
		wc, err := codeToWire(&fn.Code)
		if err != nil {
			return wireConst{}, err
		}
		wf.Code = *wc
		return wireConst{Kind: wireFunction, Fn: wf}, nil

	default:
		return wireConst{}, fmt.Errorf("constant of kind %s is not serializable",
			v.Object().Kind())
	}
}

// DeserializeCode decodes a binary chunk into a live code object whose
// function constants belong to the named module. The module is created and
// registered on first use, so a following EvalCode runs in the same module.
func (vm *VM) DeserializeCode(moduleName string, data []byte) (*Code, error) {
	if len(data) < len(codeMagic)+2 || !bytes.Equal(data[:4], codeMagic[:]) {
		return nil, fmt.Errorf("not a serialized code chunk")
	}
	if data[4] != codeVersionMajor {
		return nil, fmt.Errorf("unsupported code version %d.%d", data[4], data[5])
	}

	var wire wireCode
	if err := cbor.Unmarshal(data[6:], &wire); err != nil {
		return nil, fmt.Errorf("decoding code: %w", err)
	}

	name := vm.internString(moduleName)
	vm.push(ObjVal(&name.Obj))
	module := vm.getModule(name)
	if module == nil {
		module = vm.newModule(moduleName, name)
		vm.push(ObjVal(&module.Obj))
		vm.setModule(name, module)
		vm.pop()
	}
	vm.pop()

	// Constants built along the way are kept alive on the stack until the
	// whole chunk is assembled.
	base := vm.sp
	code, err := vm.codeFromWire(&wire, module)
	vm.sp = base
	if err != nil {
		return nil, err
	}
	return code, nil
}

func (vm *VM) codeFromWire(wire *wireCode, module *Module) (*Code, error) {
	code := &Code{
		Bytecode: wire.Bytecode,
		Lines:    wire.Lines,
		Symbols:  make([]Symbol, len(wire.Symbols)),
	}
	for i, c := range wire.Symbols {
		code.Symbols[i] = Symbol{Constant: c}
	}

	code.Consts = make([]Value, len(wire.Consts))
	for i := range code.Consts {
		code.Consts[i] = Null
	}
	for i := range wire.Consts {
		v, err := vm.constFromWire(&wire.Consts[i], module)
		if err != nil {
			return nil, err
		}
		code.Consts[i] = v
	}
	return code, nil
}

func (vm *VM) constFromWire(wc *wireConst, module *Module) (Value, error) {
	switch wc.Kind {
	case wireNull:
		return Null, nil
	case wireBool:
		return BoolVal(wc.Bool), nil
	case wireNum:
		return NumVal(wc.Num), nil

	case wireString:
		s := vm.internString(wc.Str)
		vm.reserveStack(1)
		vm.push(ObjVal(&s.Obj))
		return ObjVal(&s.Obj), nil

	case wireFunction:
		wf := wc.Fn
		if wf == nil {
			return Null, fmt.Errorf("function constant with no body")
		}

		fnName := vm.internString(wf.Name)
		vm.reserveStack(2)
		vm.push(ObjVal(&fnName.Obj))
		fn := vm.newFunction(module, fnName, wf.Arity, len(wf.Defaults), wf.Vararg)
		vm.push(ObjVal(&fn.Obj))
		fn.UpvalueCount = wf.UpvalueCount
		fn.StackUsage = wf.StackUsage

		for i := range wf.Defaults {
			d, err := vm.constFromWire(&wf.Defaults[i], module)
			if err != nil {
				return Null, err
			}
			fn.Proto.Defaults[i] = d
		}

		code, err := vm.codeFromWire(&wf.Code, module)
		if err != nil {
			return Null, err
		}
		fn.Code = *code
		vm.accountFunctionCode(fn)
		return ObjVal(&fn.Obj), nil

	default:
		return Null, fmt.Errorf("invalid constant kind %d", wc.Kind)
	}
}
