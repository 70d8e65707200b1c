package generation

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/client"
	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
	listOffset int
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List generation history, newest first",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		gens, err := c.List(cmd.Context(), client.ListOptions{
			Status: listStatus,
			Limit:  listLimit,
			Offset: listOffset,
		})
		if err != nil {
			return err
		}

		if listJSON {
			return writeJSON(cmd, gens)
		}

		if len(gens) == 0 {
			return writeCmdOut(cmd, "No generations found.\n")
		}
		return writeTable(cmd, gens)
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status, or all")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum rows (default: server default)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Rows to skip")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print raw JSON")

	Cmd.AddCommand(listCmd)
}

func writeTable(cmd *cobra.Command, gens models.Generations) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tSLOT\tSTATUS\tOUTPUTS\tCREATED")
	for _, g := range gens {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			g.ID, g.ProviderID, g.Slot, g.Status, len(g.Outputs), g.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
