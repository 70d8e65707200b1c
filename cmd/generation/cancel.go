package generation

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		res, err := c.Cancel(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("cancel generation %s: %s", id, res.Error)
		}

		return writeCmdOut(cmd, "Generation %s is %s\n", id, res.Job.Status)
	},
}

func init() {
	Cmd.AddCommand(cancelCmd)
}
