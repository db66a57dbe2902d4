package vm

import (
	"math"
)

// The bytecode eval loop.
//
// runEval executes frames from the top of the frame stack down to evalDepth:
// a reentrant call (a native calling back into bytecode) evaluates only the
// frames above its own entry point. Errors raise a Quill exception and
// unwind; the loop itself panics only on malformed bytecode.

const (
	crContinue = iota
	crExit
	crUnwind
)

// hasIntRepr reports whether x converts to int64 without loss. The upper
// bound is exclusive: 1<<63 is exactly representable as a float64 but its
// int64 conversion overflows.
func hasIntRepr(x float64) bool {
	return x == math.Trunc(x) && x >= math.MinInt64 && x < 1<<63
}

func (vm *VM) runEval(evalDepth int) bool {
	if vm.frameCount == 0 || vm.frameCount < evalDepth {
		panic("runEval: no frame to evaluate")
	}

	var frame *Frame
	var closure *Closure
	var fn *Function
	var ip int

	loadState := func() {
		frame = &vm.frames[vm.frameCount-1]
		closure = asClosure(frame.fn)
		fn = closure.Fn
		ip = frame.ip
	}
	saveState := func() {
		frame.ip = ip
	}

	nextByte := func() byte {
		b := fn.Code.Bytecode[ip]
		ip++
		return b
	}
	nextShort := func() uint16 {
		s := fn.Code.shortAt(ip)
		ip += 2
		return s
	}
	getConst := func() Value {
		return fn.Code.Consts[nextShort()]
	}
	getString := func() *String {
		return asString(getConst().Object())
	}
	getSymbol := func() *Symbol {
		return &fn.Code.Symbols[nextShort()]
	}
	symbolName := func(sym *Symbol) *String {
		return asString(fn.Code.Consts[sym.Constant].Object())
	}

	// unwind propagates the raised exception. Reports whether a handler was
	// found and evaluation can continue.
	unwind := func() bool {
		saveState()
		if !vm.unwindFrames(evalDepth) {
			vm.reentrantCalls--
			return false
		}
		loadState()
		return true
	}

	// doReturn completes a return from the current frame, running pending
	// ensure handlers first.
	doReturn := func(ret Value) int {
		if vm.checkEvalBreak() {
			return crUnwind
		}
		if vm.unwindHandlers(frame, ret) {
			ip = frame.ip
			return crContinue
		}

		vm.closeUpvalues(frame.stackBase)
		vm.sp = frame.stackBase
		vm.push(ret)

		vm.frameCount--
		if vm.frameCount == evalDepth {
			return crExit
		}

		loadState()
		vm.module = fn.Proto.Module
		return crContinue
	}

	// binary applies a numeric operator or falls back to overload dispatch.
	binary := func(apply func(a, b float64) Value, op string, overload, reverse specialMethod) bool {
		if vm.peek().IsNum() && vm.peek2().IsNum() {
			b := vm.pop().Num()
			a := vm.pop().Num()
			vm.push(apply(a, b))
			return true
		}
		saveState()
		res := vm.binOverload(op, overload, reverse)
		loadState()
		return res
	}

	bitwise := func(apply func(a, b int64) int64, op string, overload, reverse specialMethod) bool {
		if vm.peek().IsNum() && vm.peek2().IsNum() {
			b := vm.pop().Num()
			a := vm.pop().Num()
			if !hasIntRepr(a) || !hasIntRepr(b) {
				vm.raise("TypeException", "Number has no integer representation")
				return false
			}
			vm.push(NumVal(float64(apply(int64(a), int64(b)))))
			return true
		}
		saveState()
		res := vm.binOverload(op, overload, reverse)
		loadState()
		return res
	}

	loadState()

	vm.reentrantCalls++
	if vm.reentrantCalls >= vm.config.MaxReentrantCalls {
		vm.raise("StackOverflowException", "Exceeded maximum number of reentrant calls")
		if !unwind() {
			return false
		}
	}

	for {
		op := Opcode(nextByte())

		switch op {
		case OpAdd:
			if vm.peek().IsNum() && vm.peek2().IsNum() {
				b := vm.pop().Num()
				a := vm.pop().Num()
				vm.push(NumVal(a + b))
			} else if isString(vm.peek()) && isString(vm.peek2()) {
				vm.concatStrings()
			} else {
				saveState()
				res := vm.binOverload("+", methAdd, methRadd)
				loadState()
				if !res && !unwind() {
					return false
				}
			}

		case OpSub:
			if !binary(func(a, b float64) Value { return NumVal(a - b) }, "-", methSub, methRsub) && !unwind() {
				return false
			}

		case OpMul:
			if !binary(func(a, b float64) Value { return NumVal(a * b) }, "*", methMul, methRmul) && !unwind() {
				return false
			}

		case OpDiv:
			if !binary(func(a, b float64) Value { return NumVal(a / b) }, "/", methDiv, methRdiv) && !unwind() {
				return false
			}

		case OpMod:
			if !binary(func(a, b float64) Value { return NumVal(math.Mod(a, b)) }, "%", methMod, methRmod) && !unwind() {
				return false
			}

		case OpPow:
			if !binary(func(a, b float64) Value { return NumVal(math.Pow(a, b)) }, "^", methPow, methRpow) && !unwind() {
				return false
			}

		case OpNeg:
			if vm.peek().IsNum() {
				vm.push(NumVal(-vm.pop().Num()))
			} else {
				saveState()
				res := vm.unaryOverload("-", methNeg)
				loadState()
				if !res && !unwind() {
					return false
				}
			}

		case OpEq:
			v := vm.peek2()
			if v.IsNum() || v.IsNull() || v.IsBool() {
				vm.push(BoolVal(ValueEquals(vm.pop(), vm.pop())))
			} else {
				saveState()
				res := vm.binOverload("==", methEq, methSize)
				loadState()
				if !res && !unwind() {
					return false
				}
			}

		case OpLt:
			if !binary(func(a, b float64) Value { return BoolVal(a < b) }, "<", methLt, methSize) && !unwind() {
				return false
			}

		case OpLe:
			if !binary(func(a, b float64) Value { return BoolVal(a <= b) }, "<=", methLe, methSize) && !unwind() {
				return false
			}

		case OpGt:
			if !binary(func(a, b float64) Value { return BoolVal(a > b) }, ">", methGt, methSize) && !unwind() {
				return false
			}

		case OpGe:
			if !binary(func(a, b float64) Value { return BoolVal(a >= b) }, ">=", methGe, methSize) && !unwind() {
				return false
			}

		case OpIs:
			if !isClass(vm.peek()) {
				vm.raise("TypeException", "Right operand of `is` must be a Class")
				if !unwind() {
					return false
				}
				break
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(BoolVal(vm.isInstanceOf(a, asClass(b.Object()))))

		case OpNot:
			vm.push(BoolVal(!vm.pop().ToBool()))

		case OpInvert:
			if vm.peek().IsNum() {
				x := vm.pop().Num()
				if !hasIntRepr(x) {
					vm.raise("TypeException", "Number has no integer representation")
					if !unwind() {
						return false
					}
					break
				}
				vm.push(NumVal(float64(^int64(x))))
			} else {
				saveState()
				res := vm.unaryOverload("~", methInvert)
				loadState()
				if !res && !unwind() {
					return false
				}
			}

		case OpBand:
			if !bitwise(func(a, b int64) int64 { return a & b }, "&", methBand, methRband) && !unwind() {
				return false
			}

		case OpBor:
			if !bitwise(func(a, b int64) int64 { return a | b }, "|", methBor, methRbor) && !unwind() {
				return false
			}

		case OpXor:
			if !bitwise(func(a, b int64) int64 { return a ^ b }, "^^", methXor, methRxor) && !unwind() {
				return false
			}

		case OpLshift:
			if !bitwise(func(a, b int64) int64 { return a << uint64(b) }, "<<", methLshift, methRlshift) && !unwind() {
				return false
			}

		case OpRshift:
			if !bitwise(func(a, b int64) int64 { return a >> uint64(b) }, ">>", methRshift, methRrshift) && !unwind() {
				return false
			}

		case OpNull:
			vm.push(Null)

		case OpDup:
			vm.push(vm.peek())

		case OpPop:
			vm.pop()

		case OpPopN:
			n := int(nextByte())
			vm.sp -= n
			vm.closeUpvalues(vm.sp)

		case OpGetConst:
			vm.push(getConst())

		case OpGetLocal:
			vm.push(vm.stack[frame.stackBase+int(nextByte())])

		case OpSetLocal:
			vm.stack[frame.stackBase+int(nextByte())] = vm.peek()

		case OpGetUpvalue:
			vm.push(closure.Upvalues[nextByte()].Get(vm))

		case OpSetUpvalue:
			closure.Upvalues[nextByte()].Set(vm, vm.peek())

		case OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case OpGetGlobal:
			sym := getSymbol()
			if !vm.getGlobalName(vm.module, symbolName(sym), &sym.cache) && !unwind() {
				return false
			}

		case OpSetGlobal:
			sym := getSymbol()
			vm.setGlobalName(vm.module, symbolName(sym), &sym.cache)

		case OpDefineGlobal:
			sym := getSymbol()
			vm.setGlobalName(vm.module, symbolName(sym), &sym.cache)
			vm.pop()

		case OpGetField:
			sym := getSymbol()
			if !vm.getValueField(symbolName(sym), &sym.cache) && !unwind() {
				return false
			}

		case OpSetField:
			sym := getSymbol()
			if !vm.setValueField(symbolName(sym), &sym.cache) && !unwind() {
				return false
			}

		case OpSubscrGet:
			saveState()
			res := vm.getValueSubscript()
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpSubscrSet:
			saveState()
			res := vm.setValueSubscript()
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpJump:
			off := int(int16(nextShort()))
			ip += off
			if vm.checkEvalBreak() && !unwind() {
				return false
			}

		case OpJumpIfFalse:
			off := int(int16(nextShort()))
			if !vm.pop().ToBool() {
				ip += off
			}

		case OpJumpIfTrue:
			off := int(int16(nextShort()))
			if vm.pop().ToBool() {
				ip += off
			}

		case OpForPrep:
			// Layout: seq, iter on top. Cache __iter__ and __next__ above.
			cls := vm.ClassOf(vm.stack[vm.sp-2])
			iter, okIter := cls.Methods.get(vm.specialMethods[methIter])
			next, okNext := cls.Methods.get(vm.specialMethods[methNext])
			if !okIter || !okNext {
				vm.raise("MethodException",
					"Class %s does not implement __iter__ and __next__", cls.Name.Data)
				if !unwind() {
					return false
				}
				break
			}
			vm.reserveStack(2)
			vm.stack[vm.sp] = iter
			vm.stack[vm.sp+1] = next
			vm.sp += 2

		case OpForIter:
			// Layout: seq, iter, __iter__, __next__. Call __iter__(seq, iter).
			vm.reserveStack(2)
			vm.stack[vm.sp] = vm.stack[vm.sp-4]
			vm.stack[vm.sp+1] = vm.stack[vm.sp-3]
			vm.sp += 2
			saveState()
			res := vm.callValue(vm.stack[vm.sp-4], 1)
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpForNext:
			off := int(int16(nextShort()))
			// The new iterator state replaces the old; a falsy state ends
			// the loop, otherwise __next__(seq, iter) pushes the element.
			vm.stack[vm.sp-4] = vm.stack[vm.sp-1]
			if vm.pop().ToBool() {
				vm.reserveStack(2)
				vm.stack[vm.sp] = vm.stack[vm.sp-4]
				vm.stack[vm.sp+1] = vm.stack[vm.sp-3]
				vm.sp += 2
				saveState()
				res := vm.callValue(vm.stack[vm.sp-3], 1)
				loadState()
				if !res && !unwind() {
					return false
				}
			} else {
				ip += off
			}

		case OpCall, OpCallUnpack:
			var argc int
			if op == OpCall {
				argc = int(nextByte())
			} else {
				var ok bool
				if argc, ok = vm.unpackArgs(); !ok {
					if !unwind() {
						return false
					}
					break
				}
			}
			saveState()
			res := vm.callValue(vm.peekn(argc), argc)
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpInvoke, OpInvokeUnpack:
			var argc int
			if op == OpInvoke {
				argc = int(nextByte())
			} else {
				var ok bool
				if argc, ok = vm.unpackArgs(); !ok {
					if !unwind() {
						return false
					}
					break
				}
			}
			sym := getSymbol()
			saveState()
			res := vm.invokeValue(symbolName(sym), argc, &sym.cache)
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpSuper, OpSuperUnpack:
			var argc int
			var superCls *Class
			if op == OpSuper {
				argc = int(nextByte())
				superCls = asClass(vm.pop().Object())
			} else {
				superCls = asClass(vm.pop().Object())
				var ok bool
				if argc, ok = vm.unpackArgs(); !ok {
					if !unwind() {
						return false
					}
					break
				}
			}
			sym := getSymbol()
			saveState()
			res := vm.invokeMethodCached(superCls, symbolName(sym), argc, &sym.cache)
			loadState()
			if !res && !unwind() {
				return false
			}

		case OpSuperBind:
			sym := getSymbol()
			superCls := asClass(vm.pop().Object())
			if !vm.bindMethodCached(superCls, symbolName(sym), &sym.cache) {
				vm.raise("MethodException", "Method %s.%s() doesn't exists",
					superCls.Name.Data, symbolName(sym).Data)
				if !unwind() {
					return false
				}
			}

		case OpReturn:
			switch doReturn(vm.pop()) {
			case crExit:
				vm.reentrantCalls--
				return true
			case crUnwind:
				if !unwind() {
					return false
				}
			}

		case OpYield:
			if frame.gen == nil {
				panic("yield outside of a generator frame")
			}
			ret := vm.pop()

			gen := frame.gen
			vm.saveFrame(gen, ip, frame)
			gen.State = GenSuspended
			gen.LastYield = ret

			vm.closeUpvalues(frame.stackBase)
			vm.sp = frame.stackBase
			vm.push(ret)

			vm.frameCount--
			if vm.frameCount == evalDepth {
				vm.reentrantCalls--
				return true
			}

			loadState()
			vm.module = fn.Proto.Module

		case OpGenerator:
			p := &fn.Proto
			gen := vm.newGenerator(closure, fn.StackUsage+int(p.Arity)+boolToInt(p.Vararg))
			vm.saveFrame(gen, ip, frame)
			switch doReturn(ObjVal(&gen.Obj)) {
			case crExit:
				vm.reentrantCalls--
				return true
			case crUnwind:
				if !unwind() {
					return false
				}
			}

		case OpGeneratorClose:
			if frame.gen == nil {
				panic("generator close outside of a generator frame")
			}
			frame.gen.State = GenDone

		case OpImport, OpImportFrom:
			name := getString()
			module := vm.getModule(name)
			if module == nil {
				vm.raise("ImportException", "Cannot load module `%s`.", name.Data)
				if !unwind() {
					return false
				}
				break
			}
			if op == OpImport {
				vm.push(ObjVal(&module.Obj))
			}

		case OpImportName:
			modName := getString()
			name := getString()
			module := vm.getModule(modName)
			if module == nil {
				vm.raise("ImportException", "Cannot load module `%s`.", modName.Data)
				if !unwind() {
					return false
				}
				break
			}
			off := vm.moduleGlobalOffset(module, name)
			if off == -1 {
				vm.raise("NameException", "Name `%s` not defined in module `%s`.",
					name.Data, module.Name.Data)
				if !unwind() {
					return false
				}
				break
			}
			vm.push(module.Globals[off])

		case OpNewList:
			vm.push(ObjVal(&vm.newList(0).Obj))

		case OpAppendList:
			vm.listAppend(asList(vm.peek2().Object()), vm.peek())
			vm.pop()

		case OpListToTuple:
			lst := asList(vm.peek().Object())
			tup := vm.newTuple(len(lst.Items))
			copy(tup.Items, lst.Items)
			vm.pop()
			vm.push(ObjVal(&tup.Obj))

		case OpNewTuple:
			size := int(nextByte())
			tup := vm.newTuple(size)
			for i := size - 1; i >= 0; i-- {
				tup.Items[i] = vm.pop()
			}
			vm.push(ObjVal(&tup.Obj))

		case OpNewTable:
			vm.push(ObjVal(&vm.newTable().Obj))

		case OpClosure:
			c := vm.newClosure(asFunction(getConst().Object()))
			vm.push(ObjVal(&c.Obj))
			for i := range c.Upvalues {
				isLocal := nextByte()
				index := int(nextByte())
				if isLocal != 0 {
					c.Upvalues[i] = vm.captureUpvalue(frame.stackBase + index)
				} else {
					c.Upvalues[i] = closure.Upvalues[index]
				}
			}

		case OpNewClass:
			cls := vm.newClass(getString(), nil)
			vm.push(ObjVal(&cls.Obj))

		case OpSubclass:
			if !isClass(vm.peek2()) {
				vm.raise("TypeException", "Superclass in class declaration must be a Class.")
				if !unwind() {
					return false
				}
				break
			}
			superCls := asClass(vm.peek2().Object())
			if vm.isBuiltinClass(superCls) {
				vm.raise("TypeException", "Cannot subclass builtin class %s",
					superCls.Name.Data)
				if !unwind() {
					return false
				}
				break
			}
			cls := asClass(vm.peek().Object())
			cls.Super = superCls
			cls.Methods.merge(vm, &cls.Obj, &superCls.Methods)
			cls.Fields.merge(vm, &cls.Obj, &superCls.Fields)
			// The class replaces the superclass slot.
			vm.stack[vm.sp-2] = vm.peek()
			vm.pop()

		case OpGetBase:
			vm.push(ObjVal(&vm.objClass.Obj))

		case OpDefMethod:
			cls := asClass(vm.peek2().Object())
			methodName := getString()
			cls.Methods.put(vm, &cls.Obj, methodName, vm.peek())
			vm.pop()

		case OpUnpack:
			if !isList(vm.peek()) && !isTuple(vm.peek()) {
				vm.raise("TypeException", "Can unpack only Tuple or List, got %s.",
					vm.ClassOf(vm.peek()).Name.Data)
				if !unwind() {
					return false
				}
				break
			}
			if !vm.unpackObject(vm.pop().Object(), int(nextByte())) && !unwind() {
				return false
			}

		case OpSetupExcept, OpSetupEnsure:
			offset := int(nextShort())
			if frame.handlerCount == maxHandlers {
				panic("too many nested exception handlers")
			}
			kind := handlerExcept
			if op == OpSetupEnsure {
				kind = handlerEnsure
			}
			frame.handlers[frame.handlerCount] = Handler{
				kind:    kind,
				address: ip + offset,
				savedSp: vm.sp,
			}
			frame.handlerCount++

		case OpEndHandler:
			if !vm.peek().IsNull() {
				// The handler finished with the unwind still pending.
				cause := unwindCause(vm.pop().Num())
				switch cause {
				case causeExcept:
					if !unwind() {
						return false
					}
				case causeReturn:
					if frame.gen != nil {
						frame.gen.State = GenDone
					}
					switch doReturn(vm.pop()) {
					case crExit:
						vm.reentrantCalls--
						return true
					case crUnwind:
						if !unwind() {
							return false
						}
					}
				default:
					panic("invalid unwind cause")
				}
			} else {
				vm.pop() // cause slot
				vm.pop() // handled value slot
			}

		case OpPopHandler:
			frame.handlerCount--

		case OpRaise:
			vm.raiseException(-1)
			if !unwind() {
				return false
			}

		case OpEnd:
			panic("executed OpEnd")

		default:
			panic("invalid opcode " + op.String())
		}
	}
}
