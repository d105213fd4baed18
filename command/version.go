package command

import (
	"github.com/gavelms/gavel/version"
)

// VersionCommand prints the build version.
type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string { return "" }

func (c *VersionCommand) Synopsis() string { return "Print the version" }

func (c *VersionCommand) Name() string { return "version" }

func (c *VersionCommand) Run(args []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}
