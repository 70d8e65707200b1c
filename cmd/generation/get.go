package generation

import "github.com/spf13/cobra"

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one generation",
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

		g, err := c.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeJSON(cmd, g)
	},
}

func init() {
	Cmd.AddCommand(getCmd)
}
