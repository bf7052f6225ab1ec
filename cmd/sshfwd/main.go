// Package main implements the sshfwd executable, which forwards a local port to a
// remote host:port through an SSH server.
//
// Usage:
//
//	sshfwd forward -r db.internal:5432 bastion.example.com   # forward 127.0.0.1:9001
//	sshfwd forward -p 0 -r 10.0.0.5:80 -u deploy jump:2222   # allocate a local port
//	sshfwd freeport                                          # print a free local port
//	sshfwd help                                              # show help
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// Version is the version info of this command. It is filled in at link time.
var Version = "dev"

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newForwardCmd(), "")
	subcommands.Register(&freePortCmd{}, "")

	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sshfwd version %s\n", Version)
		return 0
	}
	return int(subcommands.Execute(context.Background()))
}

func main() {
	os.Exit(doMain())
}
