// Command pvmc compiles a PVM bytecode image and its boundary bitmask to
// native code, either dumping the resulting machine code or running it
// immediately against a zeroed register file and memory image.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/Urethramancer/pvmjit"
)

func compileFromFiles(c *cli.Context) (*pvmjit.Program, error) {
	image, err := os.ReadFile(c.String("image"))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	bitmask, err := os.ReadFile(c.String("bitmask"))
	if err != nil {
		return nil, fmt.Errorf("reading bitmask: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !c.Bool("verbose") {
		logger = logger.Level(zerolog.WarnLevel)
	}

	return pvmjit.Compile(image, bitmask, uint32(c.Uint("entry")), c.String("arch"), pvmjit.Options{
		GasWeight: c.Int64("gas-weight"),
		Logger:    logger,
	})
}

func main() {
	app := cli.NewApp()
	app.Name = "pvmc"
	app.Usage = "compile a PVM bytecode image to native code"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "path to the raw bytecode image"},
		&cli.StringFlag{Name: "bitmask", Required: true, Usage: "path to the boundary bitmask"},
		&cli.UintFlag{Name: "entry", Usage: "entry point PC"},
		&cli.StringFlag{Name: "arch", Value: "x86_64", Usage: "target architecture: x86_64 or aarch64"},
		&cli.Int64Flag{Name: "gas-weight", Value: 1, Usage: "gas charged per instruction"},
		&cli.BoolFlag{Name: "verbose", Usage: "log compile diagnostics at debug level"},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "dump",
			Usage: "compile and write the raw machine code to stdout or --out",
			Action: func(c *cli.Context) error {
				prog, err := compileFromFiles(c)
				if err != nil {
					return cli.Exit(err, 1)
				}
				defer prog.Release()

				out := os.Stdout
				if p := c.String("out"); p != "" {
					f, err := os.Create(p)
					if err != nil {
						return cli.Exit(err, 1)
					}
					defer f.Close()
					out = f
				}
				n, err := out.Write(prog.Bytes())
				if err != nil {
					return cli.Exit(err, 1)
				}
				fmt.Fprintf(os.Stderr, "pvmc: wrote %d bytes of machine code to %s\n", n, out.Name())
				return nil
			},
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Usage: "output file (default: stdout)"},
			},
		},
		{
			Name:  "run",
			Usage: "compile and execute against a zeroed register file and memory image",
			Action: func(c *cli.Context) error {
				prog, err := compileFromFiles(c)
				if err != nil {
					return cli.Exit(err, 1)
				}
				defer prog.Release()

				var regs [13]uint64
				mem := make([]byte, c.Int("mem-size"))
				gas := c.Int64("gas")
				exit := prog.Run(&regs, mem, &gas, unsafe.Pointer(nil))

				fmt.Printf("exit code: %d\n", exit)
				fmt.Printf("gas remaining: %d\n", gas)
				for i, r := range regs {
					fmt.Printf("r%-2d = 0x%016x\n", i, r)
				}
				return nil
			},
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "mem-size", Value: 1 << 16, Usage: "guest linear memory size in bytes"},
				&cli.Int64Flag{Name: "gas", Value: 1 << 20, Usage: "initial gas budget"},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
