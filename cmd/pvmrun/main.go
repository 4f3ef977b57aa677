// Command pvmrun compiles a PVM bytecode image and executes it once,
// dumping the register file, exit code and remaining gas on exit. Initial
// register values can be set individually from the command line, mirroring
// the teacher's run68 register-preset flags.
package main

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/Urethramancer/pvmjit"
	"github.com/Urethramancer/pvmjit/pvm"
)

func main() {
	app := cli.NewApp()
	app.Name = "pvmrun"
	app.Usage = "compile and run a PVM bytecode image"
	app.ArgsUsage = "image bitmask"
	app.Flags = []cli.Flag{
		&cli.UintFlag{Name: "entry", Usage: "entry point PC"},
		&cli.StringFlag{Name: "arch", Value: "x86_64", Usage: "target architecture: x86_64 or aarch64"},
		&cli.Int64Flag{Name: "gas-weight", Value: 1, Usage: "gas charged per instruction"},
		&cli.Int64Flag{Name: "gas", Value: 1 << 20, Usage: "initial gas budget"},
		&cli.IntFlag{Name: "mem-size", Value: 1 << 16, Usage: "guest linear memory size in bytes"},
		&cli.StringSliceFlag{Name: "reg", Usage: "set an initial register, as N=VALUE (hex VALUE allowed with 0x prefix); repeatable"},
		&cli.BoolFlag{Name: "verbose", Usage: "log compile diagnostics at debug level"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if args.Len() < 2 {
		return cli.Exit("usage: pvmrun [options] <image> <bitmask>", 1)
	}
	image, err := os.ReadFile(args.Get(0))
	if err != nil {
		return cli.Exit(err, 1)
	}
	bitmask, err := os.ReadFile(args.Get(1))
	if err != nil {
		return cli.Exit(err, 1)
	}

	var regs [pvm.NumRegs]uint64
	for _, spec := range c.StringSlice("reg") {
		if err := setRegister(&regs, spec); err != nil {
			return cli.Exit(err, 1)
		}
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !c.Bool("verbose") {
		logger = logger.Level(zerolog.WarnLevel)
	}

	prog, err := pvmjit.Compile(image, bitmask, uint32(c.Uint("entry")), c.String("arch"), pvmjit.Options{
		GasWeight: c.Int64("gas-weight"),
		Logger:    logger,
	})
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer prog.Release()

	mem := make([]byte, c.Int("mem-size"))
	gas := c.Int64("gas")
	exit := prog.Run(&regs, mem, &gas, unsafe.Pointer(nil))

	fmt.Println("--- registers after execution ---")
	for i, r := range regs {
		fmt.Printf("r%-2d = 0x%016x\n", i, r)
	}
	fmt.Printf("exit code: %d\n", exit)
	fmt.Printf("gas remaining: %d\n", gas)
	return nil
}

func setRegister(regs *[pvm.NumRegs]uint64, spec string) error {
	var idx int
	var valStr string
	if n, err := fmt.Sscanf(spec, "%d=%s", &idx, &valStr); err != nil || n != 2 {
		return fmt.Errorf("invalid --reg %q, want N=VALUE", spec)
	}
	if idx < 0 || idx >= pvm.NumRegs {
		return fmt.Errorf("invalid register index %d", idx)
	}
	val, err := strconv.ParseUint(valStr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value in --reg %q: %w", spec, err)
	}
	regs[idx] = val
	return nil
}
