// sqvm runs and inspects code files on the trufflesqueak engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/psvensson/trufflesqueak/loader"
	"github.com/psvensson/trufflesqueak/manifest"
	"github.com/psvensson/trufflesqueak/primitives"
	"github.com/psvensson/trufflesqueak/stats"
	"github.com/psvensson/trufflesqueak/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: sqvm <command> [options] [arguments]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run [options] file.cbor Class>>selector [args...]   Run a method and print its answer\n")
	fmt.Fprintf(os.Stderr, "  disasm file.cbor                                    Disassemble every unit of a code file\n")
	fmt.Fprintf(os.Stderr, "  stats [-n count] db [run-id]                        List recorded runs, or the top units of one run\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  sqvm run counter.cbor 'Counter>>answer'\n")
	fmt.Fprintf(os.Stderr, "  sqvm run -stats runs.db counter.cbor 'Counter class>>make'\n")
	fmt.Fprintf(os.Stderr, "  sqvm stats runs.db\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCommand(args)
	case "disasm":
		err = disasmCommand(args)
	case "stats":
		err = statsCommand(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default: trufflesqueak.toml found from the current directory up)")
	disasm := fs.Bool("d", false, "Disassemble the method before running it")
	statsDB := fs.String("stats", "", "Record the run into this SQLite database")
	verbosity := fs.Int("v", 0, "Log verbosity (-4..4)")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return errors.New("run needs a code file and Class>>selector")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "v":
			cfg.Logging.Verbosity = *verbosity
		case "stats":
			cfg.Stats.Database = *statsDB
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	commonlog.Configure(cfg.Logging.Verbosity, cfg.LogPath())

	v, err := newEngine(cfg.EngineOptions(), fs.Arg(0))
	if err != nil {
		return err
	}

	code, receiver, err := resolveEntry(v, fs.Arg(1))
	if err != nil {
		return err
	}
	callArgs := make([]vm.Value, 0, fs.NArg()-2)
	for _, a := range fs.Args()[2:] {
		callArgs = append(callArgs, parseArgument(a))
	}
	if len(callArgs) != code.NumArgs() {
		return fmt.Errorf("%s takes %d arguments, got %d", code, code.NumArgs(), len(callArgs))
	}

	if *disasm {
		fmt.Print(disassemble(code))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	v.Start(ctx)
	defer v.Stop()

	started := time.Now()
	scheduler := &vm.SingleProcessScheduler{}
	result, err := v.Call(code, receiver, callArgs, scheduler)
	if err != nil {
		return err
	}
	fmt.Println(vm.PrintString(result))

	if path := cfg.DatabasePath(); path != "" {
		store, err := stats.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		store.RecordLoops = cfg.Stats.RecordLoops
		id, err := store.Record(stats.Capture(v, started))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "run %s recorded (%d process switches)\n", id, scheduler.Switches)
	}
	return nil
}

// loadConfig reads path, or searches upward from the working directory
// when path is empty. No file found means defaults.
func loadConfig(path string) (*manifest.Config, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	cfg, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	return cfg, nil
}

// newEngine creates a VM with the default primitives and the code file
// at path installed.
func newEngine(opts vm.Options, path string) (*vm.VM, error) {
	v, err := vm.NewVM(opts)
	if err != nil {
		return nil, err
	}
	primitives.Install(v)

	f, err := loader.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := v.Load(f); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// resolveEntry looks up "Class>>selector" or "Class class>>selector" and
// picks the receiver: the class itself on the class side, nil for
// UndefinedObject, otherwise a fresh instance.
func resolveEntry(v *vm.VM, entry string) (*vm.CodeUnit, vm.Value, error) {
	className, selector, ok := strings.Cut(entry, ">>")
	if !ok || className == "" || selector == "" {
		return nil, nil, fmt.Errorf("entry %q is not of the form Class>>selector", entry)
	}
	className, meta := strings.CutSuffix(strings.TrimSpace(className), " class")

	mem := v.Memory
	class := mem.ClassNamed(className)
	if class == nil {
		return nil, nil, fmt.Errorf("unknown class %s", className)
	}

	var receiver vm.Value
	lookupClass := class
	switch {
	case meta:
		receiver = class
		lookupClass = mem.Metaclass(class)
	case class == mem.UndefinedObjectClass:
		receiver = vm.Nil
	default:
		receiver = vm.NewObject(class, class.InstSize)
	}

	code := mem.LookupMethod(lookupClass, mem.Intern(selector))
	if code == nil {
		return nil, nil, fmt.Errorf("%s does not understand #%s", lookupClass.Name, selector)
	}
	return code, receiver, nil
}

// parseArgument reads a command line argument as a SmallInteger, a Float
// or else a String.
func parseArgument(s string) vm.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && vm.IsSmallInteger(n) {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

func disasmCommand(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("disasm needs a code file")
	}

	v, err := vm.NewVM(vm.DefaultOptions())
	if err != nil {
		return err
	}
	f, err := loader.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	units, err := loader.Install(f, v.Memory)
	if err != nil {
		return err
	}
	for i, code := range units {
		if i > 0 {
			fmt.Println()
		}
		fmt.Print(disassemble(code))
	}
	return nil
}

// disassemble renders code, reporting malformed bytecode instead of
// aborting.
func disassemble(code *vm.CodeUnit) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%s: cannot disassemble: %v\n", code, r)
		}
	}()
	return vm.Disassemble(code)
}

// ---------------------------------------------------------------------------
// stats
// ---------------------------------------------------------------------------

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	count := fs.Int("n", 10, "Number of units to list for a run")
	fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("stats needs a database and optionally a run id")
	}

	store, err := stats.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if fs.NArg() == 2 {
		units, err := store.TopUnits(fs.Arg(1), *count)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "UNIT\tINVOCATIONS\tLOOP ITERATIONS")
		for _, u := range units {
			fmt.Fprintf(w, "%s\t%d\t%d\n", u.Name, u.Invocations, u.LoopIterations)
		}
		return nil
	}

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTARTED\tVM\tCACHE HIT RATE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\n", r.ID, r.StartedAt.Format(time.RFC3339), r.VMID, r.HitRate())
	}
	return nil
}
