package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kestrelengine/scriptvm/pkg/bytecode"
	"github.com/kestrelengine/scriptvm/pkg/function"
	"github.com/kestrelengine/scriptvm/pkg/script"
	"github.com/kestrelengine/scriptvm/pkg/vm"
)

var version = "0.1.0"

// Debug flags for dumping intermediate stages
var (
	dParse    bool
	dType     bool
	dBytecode bool
)

// Run options
var (
	entryName  string
	configPath string
	verbose    bool
)

// scriptModuleName is the module parsed declarations are registered
// under before the entry function runs.
const scriptModuleName = "Script"

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scriptvm [file]",
		Short: "scriptvm parses and runs script definition files",
		Long: `scriptvm is the command-line front end of the scripting runtime.
It parses a JSON script definition file into bytecode and either dumps
an intermediate stage or registers the result and calls an entry
function.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			filename := args[0]

			if dParse || dType {
				return doParse(filename, out, errOut)
			}
			if dBytecode {
				return doBytecode(filename, out, errOut)
			}
			return doRun(filename, out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVar(&dParse, "dparse", false, "Dump parsed declarations")
	rootCmd.Flags().BoolVar(&dType, "dtype", false, "Dump parsed type layouts")
	rootCmd.Flags().BoolVar(&dBytecode, "dbytecode", false, "Dump compiled bytecode")
	rootCmd.Flags().StringVar(&entryName, "entry", "main", "Entry function to call")
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML file with VM capacities")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return rootCmd
}

// loadConfig reads a YAML capacity file into a vm.Config, starting from
// the defaults so the file only needs the keys it wants to change.
func loadConfig(path string) (vm.Config, error) {
	cfg := vm.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseFile creates a VM from the active config and parses filename
// against it. Parse errors are printed to errOut, one per line.
func parseFile(filename string, errOut io.Writer) (*vm.VM, *script.ParseResult, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "scriptvm: error loading config: %v\n", err)
		return nil, nil, err
	}
	v, err := vm.New(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "scriptvm: %v\n", err)
		return nil, nil, err
	}
	doc, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(errOut, "scriptvm: error reading %s: %v\n", filename, err)
		return nil, nil, err
	}
	result, errs := script.Parse(v, doc)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(errOut, "scriptvm: %s: %s: %s\n", filename, e.Path, e.Message)
		}
		return nil, nil, fmt.Errorf("scriptvm: %d parse error(s)", len(errs))
	}
	logrus.WithFields(logrus.Fields{
		"functions": len(result.Functions),
		"types":     len(result.Types),
	}).Debug("scriptvm: parsed script")
	return v, result, nil
}

// doParse parses and dumps the declarations (--dparse / --dtype).
func doParse(filename string, out, errOut io.Writer) error {
	v, result, err := parseFile(filename, errOut)
	if err != nil {
		return err
	}
	for _, td := range result.Types {
		fmt.Fprintf(out, "type %s (alignment %d, size %d)\n",
			td.Name, td.Layout.AlignmentInBytes, td.Layout.SizeInBytes)
		for _, p := range td.Properties {
			name := "?"
			if t, ok := v.TypeByID(p.Type); ok {
				name = t.FullReference()
			}
			fmt.Fprintf(out, "  %s %s (slot %d)\n", p.Name, name, p.Index)
		}
	}
	for _, fd := range result.Functions {
		fmt.Fprintf(out, "function %s(%s) -> (%s)\n",
			fd.Name, formatParams(v, fd.Inputs), formatParams(v, fd.Outputs))
	}
	return nil
}

func formatParams(v *vm.VM, params []function.Param) string {
	s := ""
	for i, p := range params {
		if i > 0 {
			s += ", "
		}
		name := "?"
		if t, ok := v.TypeByID(p.Type); ok {
			name = t.FullReference()
		}
		s += fmt.Sprintf("%s %s", p.Name, name)
	}
	return s
}

// doBytecode parses and dumps the compiled instruction listing
// (--dbytecode), one instruction per line with its pool offset.
func doBytecode(filename string, out, errOut io.Writer) error {
	v, result, err := parseFile(filename, errOut)
	if err != nil {
		return err
	}
	for _, fd := range result.Functions {
		offset, _ := fd.Handle.BytecodeOffset()
		fmt.Fprintf(out, "function %s @ %d\n", fd.Name, offset)
	}
	for pc, instr := range v.Instructions() {
		fmt.Fprintf(out, "%6d  %s\n", pc, formatInstruction(instr))
	}
	return nil
}

func formatInstruction(instr bytecode.Instruction) string {
	switch in := instr.(type) {
	case bytecode.Halt, bytecode.PushExecutionState, bytecode.ConstructInlineValue:
		return in.Opcode().String()
	case bytecode.Push:
		return fmt.Sprintf("%s %d", in.Opcode(), in.Count)
	case bytecode.Pop:
		return fmt.Sprintf("%s %d", in.Opcode(), in.Count)
	case bytecode.PopTrivial:
		return fmt.Sprintf("%s %d", in.Opcode(), in.Count)
	case bytecode.OffsetAddress:
		return fmt.Sprintf("%s r%d, %d", in.Opcode(), in.Register, in.PropertyIndex)
	case bytecode.CallNativeFunction:
		return fmt.Sprintf("%s %d", in.Opcode(), in.InputCount)
	case bytecode.SubtractNumbers:
		return fmt.Sprintf("%s r%d, r%d, r%d", in.Opcode(), in.Dest, in.A, in.B)
	case bytecode.MultiplyNumbers:
		return fmt.Sprintf("%s r%d, r%d, r%d", in.Opcode(), in.Dest, in.A, in.B)
	case bytecode.IsNumberGreater:
		return fmt.Sprintf("%s r%d, r%d, r%d", in.Opcode(), in.Dest, in.A, in.B)
	case bytecode.Jump:
		return fmt.Sprintf("%s %+d", in.Opcode(), in.Offset)
	case bytecode.JumpIfTrue:
		return fmt.Sprintf("%s %+d", in.Opcode(), in.Offset)
	case bytecode.JumpIfFalse:
		return fmt.Sprintf("%s %+d", in.Opcode(), in.Offset)
	case bytecode.ConstructValue:
		return fmt.Sprintf("%s %d, %d", in.Opcode(), in.Align, in.Size)
	case bytecode.SetConstantBaseOffset:
		return fmt.Sprintf("%s %d", in.Opcode(), in.Offset)
	case bytecode.Return:
		return fmt.Sprintf("%s %d", in.Opcode(), in.OutputCount)
	case bytecode.LoadConstant:
		return fmt.Sprintf("%s %d", in.Opcode(), in.Index)
	case bytecode.CopyRegister:
		return fmt.Sprintf("%s r%d, r%d", in.Opcode(), in.Dest, in.Src)
	default:
		return fmt.Sprintf("%T", instr)
	}
}

// doRun parses, registers the declarations under the Script module, and
// calls the entry function (--entry, default "main"), printing its
// output if it declares one.
func doRun(filename string, out, errOut io.Writer) error {
	v, result, err := parseFile(filename, errOut)
	if err != nil {
		return err
	}
	m, err := v.RegisterModule(scriptModuleName)
	if err != nil {
		fmt.Fprintf(errOut, "scriptvm: %v\n", err)
		return err
	}
	if err := script.Register(v, m, result); err != nil {
		fmt.Fprintf(errOut, "scriptvm: %v\n", err)
		return err
	}

	f, ok := v.LookupFunction(scriptModuleName, entryName)
	if !ok {
		err := fmt.Errorf("scriptvm: no function %q in %s", entryName, filename)
		fmt.Fprintln(errOut, err)
		return err
	}
	if len(f.Inputs) != 0 {
		err := fmt.Errorf("scriptvm: entry function %q must take no inputs, declares %d", entryName, len(f.Inputs))
		fmt.Fprintln(errOut, err)
		return err
	}

	switch {
	case len(f.Outputs) == 0:
		if err := vm.CallVoid(v, f); err != nil {
			fmt.Fprintf(errOut, "scriptvm: %v\n", err)
			return err
		}
	case f.Outputs[0].Type == v.BooleanType().ID():
		got, err := vm.Call[bool](v, f)
		if err != nil {
			fmt.Fprintf(errOut, "scriptvm: %v\n", err)
			return err
		}
		fmt.Fprintf(out, "%v\n", got)
	default:
		got, err := vm.Call[float64](v, f)
		if err != nil {
			fmt.Fprintf(errOut, "scriptvm: %v\n", err)
			return err
		}
		fmt.Fprintf(out, "%v\n", got)
	}
	return nil
}
