// Command feeny is the Feeny language front end: `feeny [-a|-f] [-v] <path>`
// runs a program through either the tree-walking interpreter or the
// compile-and-run bytecode pipeline, and `feeny disasm <path>` prints a
// program's compiled constant pool and instructions without running it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kristofer/feeny/pkg/bytecode"
	"github.com/kristofer/feeny/pkg/compiler"
	"github.com/kristofer/feeny/pkg/interp"
	"github.com/kristofer/feeny/pkg/parser"
	"github.com/kristofer/feeny/pkg/vm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var runAST, runVM, verbose bool

	root := &cobra.Command{
		Use:   "feeny <path>",
		Short: "Run a Feeny program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runAST && runVM {
				return fmt.Errorf("feeny: -a and -f are mutually exclusive")
			}
			mode := modeAST
			if runVM {
				mode = modeVM
			}
			return runPath(args[0], mode, newLogger(verbose))
		},
	}
	root.Flags().BoolVarP(&runAST, "ast", "a", false, "run with the tree-walking interpreter (default)")
	root.Flags().BoolVarP(&runVM, "vm", "f", false, "compile to bytecode and run with the VM")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug-level) logging")

	root.AddCommand(newDisasmCmd())
	return root
}

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <path>",
		Short: "Compile a program and print its constant pool and instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return disasmPath(args[0])
		},
	}
}

type runMode int

const (
	modeAST runMode = iota
	modeVM
)

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runPath(path string, mode runMode, log *slog.Logger) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("feeny: %w", err)
	}

	prog, err := parser.Parse(string(source))
	if err != nil {
		return fmt.Errorf("feeny: %w", err)
	}

	switch mode {
	case modeAST:
		log.Debug("running with the AST interpreter", "path", path)
		ip := interp.New()
		if err := ip.Run(prog); err != nil {
			return fmt.Errorf("feeny: %w", err)
		}
		return nil

	case modeVM:
		log.Debug("compiling", "path", path)
		compiled, err := compiler.Compile(prog)
		if err != nil {
			return fmt.Errorf("feeny: %w", err)
		}
		log.Debug("compiled", "values", len(compiled.Values))

		machine, err := vm.New(compiled, vm.WithLogger(log))
		if err != nil {
			return fmt.Errorf("feeny: %w", err)
		}
		defer machine.Close()

		if err := machine.Run(); err != nil {
			return fmt.Errorf("feeny: %w", err)
		}
		collections, bytesCollected := machine.HeapStats()
		log.Debug("heap stats", "collections", collections, "bytes_collected", bytesCollected)
		return nil

	default:
		return fmt.Errorf("feeny: unknown run mode")
	}
}

func disasmPath(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("feeny: %w", err)
	}

	prog, err := parser.Parse(string(source))
	if err != nil {
		return fmt.Errorf("feeny: %w", err)
	}

	compiled, err := compiler.Compile(prog)
	if err != nil {
		return fmt.Errorf("feeny: %w", err)
	}

	return bytecode.Disassemble(compiled, os.Stdout)
}
