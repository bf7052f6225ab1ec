package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"sshfwd/internal/tunnel"
)

// freePortCmd implements subcommands.Command to print a free local port.
type freePortCmd struct {
	out io.Writer
}

var _ = subcommands.Command(&freePortCmd{})

func (*freePortCmd) Name() string     { return "freeport" }
func (*freePortCmd) Synopsis() string { return "print a free local TCP port" }
func (*freePortCmd) Usage() string {
	return `Usage: freeport

Print a TCP port on 127.0.0.1 that is currently free. The port is not reserved.

`
}

func (*freePortCmd) SetFlags(*flag.FlagSet) {}

func (c *freePortCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	port, err := tunnel.GetRandomPort()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sshfwd:", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(out, port)
	return subcommands.ExitSuccess
}
