// cmd/raya is the minimal driver over the execution core: load an
// already-compiled module, register the illustrative native modules, and
// run it to completion or disassemble it. Source compilation, the package
// manager, and the REPL's line-editing surface belong to the external
// collaborator tooling spec.md §1 and SPEC_FULL.md §1 place outside this
// repo; this driver only exercises the interfaces the core exposes.
//
// Grounded on cmd/sentra/main.go's subcommand dispatch (a thin main that
// delegates everything to internal packages and uses log.Fatalf for
// unrecoverable errors), but built on gopkg.in/urfave/cli.v1's
// cli.App/cli.Command registration instead of the teacher's hand-rolled
// os.Args switch — the pack's other language-runtime repo,
// ProbeChain-go-probe, registers its own cmd/devp2p subcommands the same
// way, and that is the one CLI-framework idiom actually present anywhere
// in the example pack.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/urfave/cli.v1"

	"raya/internal/disasm"
	"raya/internal/gc"
	"raya/internal/interp"
	"raya/internal/module"
	"raya/internal/regvm"
	"raya/internal/scheduler"
	"raya/internal/stdlib"
	"raya/internal/task"
	"raya/internal/vmcontext"
)

var version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "raya"
	app.Usage = "run and inspect compiled Raya bytecode modules"
	app.Version = version
	app.Commands = []cli.Command{
		runCommand,
		disasmCommand,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("raya: %v", err)
	}
}

var engineFlag = cli.StringFlag{
	Name:  "engine",
	Value: "stack",
	Usage: "execution engine: \"stack\" or \"register\"",
}

var workersFlag = cli.IntFlag{
	Name:  "workers",
	Value: 4,
	Usage: "scheduler worker goroutine count",
}

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "run a compiled module's entry point to completion",
	ArgsUsage: "<module.rayac>",
	Flags:     []cli.Flag{engineFlag, workersFlag},
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return cli.NewExitError("run: missing module path", 1)
		}
		runID := uuid.NewString()
		data, err := os.ReadFile(path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("run: %v", err), 1)
		}
		m, err := module.Decode(data)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("run: decode %s: %v", path, err), 1)
		}
		ctx, err := vmcontext.LoadModule(m, gc.DefaultPolicy())
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("run: load %s: %v", path, err), 1)
		}
		stdlib.RegisterAll(ctx)

		tk, err := runToCompletion(ctx, c.String("engine"), c.Int("workers"))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("run: %v", err), 1)
		}
		log.Printf("raya run %s: session=%s state=%s", path, runID, tk.State())
		if tk.State() == task.Failed && tk.Err != nil {
			return cli.NewExitError(fmt.Sprintf("uncaught error: %s", tk.Err.Message), 1)
		}
		return nil
	},
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "disassemble every function in a compiled module",
	ArgsUsage: "<module.rayac>",
	Flags:     []cli.Flag{engineFlag},
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return cli.NewExitError("disasm: missing module path", 1)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("disasm: %v", err), 1)
		}
		m, err := module.Decode(data)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("disasm: decode %s: %v", path, err), 1)
		}
		engine := disasm.EngineStack
		if c.String("engine") == "register" {
			engine = disasm.EngineRegister
		}
		fmt.Fprintf(os.Stdout, "module %s\n\n", m.Name)
		fmt.Fprint(os.Stdout, disasm.Module(m, engine))
		return nil
	},
}

// runToCompletion spins up a one-shot scheduler around ctx, sized by
// workers, runs it to completion, and returns the entry task. Mirrors
// the pattern internal/interp and internal/regvm's own tests use to
// drive a module end to end, since that is the only place in this repo
// a full scheduler+engine wiring is already demonstrated.
func runToCompletion(ctx *vmcontext.Context, engine string, workers int) (*task.Task, error) {
	if workers < 1 {
		workers = 1
	}
	// Built the same way internal/interp's and internal/regvm's own tests
	// wire an engine to a scheduler: construct the engine with a nil
	// Scheduler, hand scheduler.New its bound Run method (which only reads
	// Sch once actually invoked), then backfill Sch once the Scheduler
	// exists.
	var sch *scheduler.Scheduler
	switch engine {
	case "register":
		rv := &regvm.RegVM{Ctx: ctx}
		sch = scheduler.New(workers, rv.Run)
		rv.Sch = sch
	case "stack", "":
		in := &interp.Interp{Ctx: ctx}
		sch = scheduler.New(workers, in.Run)
		in.Sch = sch
	default:
		return nil, fmt.Errorf("unknown engine %q (want \"stack\" or \"register\")", engine)
	}
	sch.Start()
	defer sch.Stop()

	tk := sch.Spawn(0)
	waiter := tk.AddWaiter()
	select {
	case <-waiter:
	case <-time.After(30 * time.Second):
		return tk, fmt.Errorf("module did not finish within 30s, state=%s", tk.State())
	}
	return tk, nil
}
