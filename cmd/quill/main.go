// Quill CLI: runs and disassembles serialized bytecode chunks.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/quill-lang/quill/vm"
)

var (
	configPath string
	moduleName string
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "The Quill virtual machine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		commonlog.Configure(verbosity, nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a serialized bytecode chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		machine := vm.NewVM(config)
		defer machine.Free()

		name := moduleName
		if name == "" {
			name = vm.MainModule
		}

		code, err := machine.DeserializeCode(name, data)
		if err != nil {
			return err
		}
		return machine.EvalCode(name, code)
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <file>",
	Short: "Disassemble a serialized bytecode chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		machine := vm.NewVM(vm.Config{})
		defer machine.Free()

		name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		code, err := machine.DeserializeCode(name, data)
		if err != nil {
			return err
		}

		vm.DisassembleCode(os.Stdout, name, code)
		return nil
	},
}

func loadConfig() (vm.Config, error) {
	if configPath == "" {
		return vm.Config{}, nil
	}
	return vm.LoadConfig(configPath)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a quill.toml configuration file")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "log verbosity")
	runCmd.Flags().StringVarP(&moduleName, "module", "m", "", "module name to run the chunk in")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(disasmCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
