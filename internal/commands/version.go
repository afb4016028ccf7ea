package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionCmd struct {
	cobraCommand *cobra.Command
}

func newVersionCmd() *versionCmd {
	return &versionCmd{}
}

func (c *versionCmd) Cobra() *cobra.Command {
	c.cobraCommand = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "blink %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
	return c.cobraCommand
}
