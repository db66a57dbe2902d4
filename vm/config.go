package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config tunes a VM instance. The zero value of every field means "use the
// default".
type Config struct {
	// StartingStackSize is the initial number of value stack slots. The
	// stack grows on demand; a size close to the expected peak avoids the
	// copies.
	StartingStackSize int `toml:"starting_stack_size"`

	// FirstGCCollectPoint is the allocated byte count that triggers the
	// first collection.
	FirstGCCollectPoint int `toml:"first_gc_collect_point"`

	// HeapGrowRate multiplies the live byte count after a collection to set
	// the next collection point.
	HeapGrowRate int `toml:"heap_grow_rate"`

	// MaxRecursionDepth bounds the call frame stack.
	MaxRecursionDepth int `toml:"max_recursion_depth"`

	// MaxReentrantCalls bounds natives calling back into bytecode.
	MaxReentrantCalls int `toml:"max_reentrant_calls"`
}

const (
	defaultStackSize    = 100 * (maxLocals + 1)
	defaultFirstGCPoint = 20 * 1024 * 1024
	defaultHeapGrowRate = 2
	defaultMaxReentrant = 1000
)

func (c *Config) applyDefaults() {
	if c.StartingStackSize <= 0 {
		c.StartingStackSize = defaultStackSize
	}
	if c.FirstGCCollectPoint <= 0 {
		c.FirstGCCollectPoint = defaultFirstGCPoint
	}
	if c.HeapGrowRate <= 0 {
		c.HeapGrowRate = defaultHeapGrowRate
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = maxFrames
	}
	if c.MaxReentrantCalls <= 0 {
		c.MaxReentrantCalls = defaultMaxReentrant
	}
}

// configFile is the TOML layout of a configuration file: the VM settings
// live under a [vm] table.
type configFile struct {
	VM Config `toml:"vm"`
}

// LoadConfig reads a Config from a TOML file. Missing keys keep their zero
// value, so a partial file overrides only what it names.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var file configFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return file.VM, nil
}
