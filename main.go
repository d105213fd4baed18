package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/gavelms/gavel/command"
	"github.com/gavelms/gavel/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run parses the arguments and dispatches to the named command.
func Run(args []string) int {
	c := cli.NewCLI("gavel", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
