package command

import (
	"os"

	"github.com/hashicorp/cli"
)

// Commands returns the mapping of CLI commands for gavel. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"evaluation": func() (cli.Command, error) {
			return &EvaluationCommand{Meta: meta}, nil
		},
		"worker": func() (cli.Command, error) {
			return &WorkerCommand{Meta: meta}, nil
		},
		"scoring": func() (cli.Command, error) {
			return &ScoringCommand{Meta: meta}, nil
		},
		"proxy": func() (cli.Command, error) {
			return &ProxyCommand{Meta: meta}, nil
		},
		"logservice": func() (cli.Command, error) {
			return &LogServiceCommand{Meta: meta}, nil
		},
		"resource": func() (cli.Command, error) {
			return &ResourceCommand{Meta: meta}, nil
		},
		"bridge": func() (cli.Command, error) {
			return &BridgeCommand{Meta: meta}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta}, nil
		},
	}
}
