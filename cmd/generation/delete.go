package generation

import "github.com/spf13/cobra"

var (
	deleteFiles      bool
	deleteOutputFile bool
)

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Short:   "Delete a generation and its outputs",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		res, err := c.Delete(cmd.Context(), id, deleteFiles)
		if err != nil {
			return err
		}

		for _, w := range res.Warnings {
			cmd.PrintErrf("warning: %s\n", w)
		}
		return writeCmdOut(cmd, "Deleted generation %s\n", id)
	},
}

var deleteOutputCmd = &cobra.Command{
	Use:   "delete-output <output-id>",
	Short: "Delete one output of a generation",
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

		res, err := c.DeleteOutput(cmd.Context(), id, deleteOutputFile)
		if err != nil {
			return err
		}

		for _, w := range res.Warnings {
			cmd.PrintErrf("warning: %s\n", w)
		}
		return writeCmdOut(cmd, "Deleted output %s; generation %s has %d output(s)\n", id, res.Job.ID, len(res.Job.Outputs))
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteFiles, "files", false, "Also remove output files from disk")
	deleteOutputCmd.Flags().BoolVar(&deleteOutputFile, "file", false, "Also remove the output file from disk")

	Cmd.AddCommand(deleteCmd, deleteOutputCmd)
}
