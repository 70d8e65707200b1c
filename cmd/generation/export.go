package generation

import (
	"context"
	"os"

	"github.com/caesium-cloud/pigment/internal/export"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/client"
	"github.com/spf13/cobra"
)

const exportPageSize = 200

var (
	exportOut    string
	exportStatus string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export generation history to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		gens, err := listAll(cmd.Context(), c, exportStatus)
		if err != nil {
			return err
		}

		data, err := export.XLSX(gens)
		if err != nil {
			return err
		}

		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return err
		}
		return writeCmdOut(cmd, "Exported %d generation(s) to %s\n", len(gens), exportOut)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "f", "generations.xlsx", "Destination file")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Filter by status, or all")

	Cmd.AddCommand(exportCmd)
}

func listAll(ctx context.Context, c *client.Client, status string) (models.Generations, error) {
	var all models.Generations
	for offset := 0; ; offset += exportPageSize {
		page, err := c.List(ctx, client.ListOptions{Status: status, Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
	}
}
