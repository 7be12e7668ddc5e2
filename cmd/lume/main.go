// lume CLI - run scripts or start an interactive REPL.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/lume"
	"github.com/chazu/lume/cache"
	"github.com/chazu/lume/config"
	"github.com/chazu/lume/vm"
)

// Exit codes follow the BSD sysexits convention.
const (
	exitOK      = 0
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
	exitIO      = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultFileName, "Path to configuration file")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides configuration)")
	trace := flag.Bool("trace", false, "Trace execution instruction by instruction")
	disasm := flag.Bool("disasm", false, "Print compiled bytecode before running")
	noCache := flag.Bool("no-cache", false, "Bypass the compile cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [script]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "With no script, starts a REPL reading one line at a time until EOF.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIO
	}
	if *trace {
		cfg.Trace.Execution = true
	}
	if *disasm {
		cfg.Trace.Disassemble = true
	}
	if *noCache {
		cfg.Cache.Enabled = false
	}

	logVerbosity := cfg.Log.Verbosity
	if *verbosity >= 0 {
		logVerbosity = *verbosity
	}
	var logPath *string
	if cfg.Log.Path != "" {
		logPath = &cfg.Log.Path
	}
	commonlog.Configure(logVerbosity, logPath)

	switch flag.NArg() {
	case 0:
		return repl(cfg)
	case 1:
		return runFile(cfg, flag.Arg(0))
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [script]\n", os.Args[0])
		return exitUsage
	}
}

func repl(cfg config.Config) int {
	interp := lume.NewInterp(cfg, os.Stdout)
	defer interp.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return exitOK
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		// Errors are reported and the session keeps going; globals survive
		// because the heap and VM persist across lines.
		interp.Run(line)
	}
}

func runFile(cfg config.Config, path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		return exitIO
	}
	source := string(data)

	interp := lume.NewInterp(cfg, os.Stdout)
	defer interp.Close()

	fn, cached, code := loadOrCompile(cfg, interp, source)
	if code != exitOK {
		return code
	}

	if cfg.Trace.Disassemble && !cached {
		fmt.Print(interp.Heap().DisassembleFunction(fn))
	}

	switch interp.RunFunction(fn) {
	case lume.RuntimeError:
		return exitRuntime
	default:
		return exitOK
	}
}

// loadOrCompile consults the compile cache when enabled, falling back to a
// fresh compile (and populating the cache) on a miss. Cache failures are
// logged and degrade to compiling; they never fail the run.
func loadOrCompile(cfg config.Config, interp *lume.Interp, source string) (fn vm.Handle, cached bool, code int) {
	var store *cache.Store
	if cfg.Cache.Enabled {
		path := cfg.Cache.Path
		if path == "" {
			path = "lume-cache.db"
		}
		var err error
		store, err = cache.Open(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	hash := cache.HashSource(source)
	if store != nil {
		if image, err := store.Get(hash); err == nil && image != nil {
			if loaded, err := interp.Heap().ReadImage(image); err == nil {
				return loaded, true, exitOK
			}
			// A stale or corrupt image falls through to a fresh compile.
		}
	}

	compiled, err := interp.Compile(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return compiled, false, exitCompile
	}

	if store != nil {
		if image, err := interp.Heap().WriteImage(compiled); err == nil {
			if err := store.Put(hash, image); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
	return compiled, false, exitOK
}
