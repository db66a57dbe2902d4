package vm

import "sync/atomic"

// atomicFlag is a set/clear flag safe to set from other goroutines.
type atomicFlag struct {
	v atomic.Bool
}

func (f *atomicFlag) set() { f.v.Store(true) }

// testAndClear reports whether the flag was set, clearing it.
func (f *atomicFlag) testAndClear() bool {
	return f.v.Swap(false)
}

// Interrupt requests that the currently running evaluation stop. The eval
// loop polls the flag at backward jumps and returns, so a runaway script is
// interrupted at the next loop iteration or call boundary. The interrupted
// evaluation fails with a ProgramInterrupt exception.
//
// Interrupt is the only VM method safe to call from another goroutine.
func (vm *VM) Interrupt() {
	vm.evalBreak.set()
	log.Debugf("vm %s interrupt requested", vm.id)
}

// checkEvalBreak consumes a pending interrupt, raising ProgramInterrupt.
func (vm *VM) checkEvalBreak() bool {
	if !vm.evalBreak.testAndClear() {
		return false
	}
	vm.raise("ProgramInterrupt", "")
	return true
}
