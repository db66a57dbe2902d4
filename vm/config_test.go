package vm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.StartingStackSize != defaultStackSize {
		t.Errorf("StartingStackSize = %d, want %d", c.StartingStackSize, defaultStackSize)
	}
	if c.FirstGCCollectPoint != defaultFirstGCPoint {
		t.Errorf("FirstGCCollectPoint = %d, want %d", c.FirstGCCollectPoint, defaultFirstGCPoint)
	}
	if c.HeapGrowRate != defaultHeapGrowRate {
		t.Errorf("HeapGrowRate = %d, want %d", c.HeapGrowRate, defaultHeapGrowRate)
	}
	if c.MaxRecursionDepth != maxFrames {
		t.Errorf("MaxRecursionDepth = %d, want %d", c.MaxRecursionDepth, maxFrames)
	}
	if c.MaxReentrantCalls != defaultMaxReentrant {
		t.Errorf("MaxReentrantCalls = %d, want %d", c.MaxReentrantCalls, defaultMaxReentrant)
	}
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	c := Config{StartingStackSize: 64, HeapGrowRate: 3}
	c.applyDefaults()

	if c.StartingStackSize != 64 || c.HeapGrowRate != 3 {
		t.Error("explicit values overwritten by defaults")
	}
	if c.MaxReentrantCalls != defaultMaxReentrant {
		t.Error("unset field not defaulted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.toml")
	content := `
[vm]
starting_stack_size = 256
heap_grow_rate = 4
max_reentrant_calls = 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.StartingStackSize != 256 {
		t.Errorf("starting_stack_size = %d, want 256", c.StartingStackSize)
	}
	if c.HeapGrowRate != 4 {
		t.Errorf("heap_grow_rate = %d, want 4", c.HeapGrowRate)
	}
	if c.MaxReentrantCalls != 10 {
		t.Errorf("max_reentrant_calls = %d, want 10", c.MaxReentrantCalls)
	}
	// Keys not present stay zero until applyDefaults.
	if c.FirstGCCollectPoint != 0 {
		t.Errorf("first_gc_collect_point = %d, want 0", c.FirstGCCollectPoint)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[vm\nnope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed TOML accepted")
	}
}

func TestMaxRecursionDepth(t *testing.T) {
	machine := NewVM(Config{MaxRecursionDepth: 16})
	defer machine.Free()

	// Infinite recursion: f() { return f() }
	fn := makeFunction(machine, "recurse", 0, func(_ *Function, a *asm) {
		a.sym(machine, OpGetGlobal, "f")
		a.opByte(OpCall, 0)
		a.op(OpReturn)
	})
	machine.PushValue(fn)
	mod := mainModule(machine)
	machine.moduleSetGlobal(mod, machine.internString("f"), fn)
	machine.Pop()

	_, err := call(t, machine, fn)
	rtErr := asRuntimeError(t, err)
	if rtErr.ClassName != "StackOverflowException" {
		t.Errorf("class = %s, want StackOverflowException", rtErr.ClassName)
	}
}
