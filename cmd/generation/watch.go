package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a generation until it finishes",
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

		g, err := follow(cmd.Context(), c, id, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return writeCmdOut(cmd, "Generation %s finished: %s (%d output(s))\n", id, g.Status, len(g.Outputs))
	},
}

func init() {
	Cmd.AddCommand(watchCmd)
}

// follow prints events for id until it reaches a terminal status and returns
// the final record. The stream is opened before the first read so a
// completion between the two is not missed.
func follow(ctx context.Context, c *client.Client, id uuid.UUID, w io.Writer) (*models.Generation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.Stream(ctx, id)
	if err != nil {
		return nil, err
	}

	g, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return g, nil
	}

	for e := range events {
		fmt.Fprintln(w, describe(e))

		switch {
		case e.Type == event.TypeDeleted:
			return nil, fmt.Errorf("generation %s was deleted", id)
		case eventStatus(e).Terminal():
			return c.Get(ctx, id)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("event stream closed before the generation finished")
}

func eventStatus(e event.Event) models.Status {
	if e.Status != "" {
		return e.Status
	}
	if e.Generation != nil {
		return e.Generation.Status
	}
	return ""
}

func describe(e event.Event) string {
	line := fmt.Sprintf("%s  %-10s", e.Timestamp.Local().Format(time.TimeOnly), e.Type)

	switch e.Type {
	case event.TypeOutputs:
		line += fmt.Sprintf("  %d output(s)", len(e.Outputs))
	case event.TypeFailed:
		line += "  " + e.Message
	default:
		if s := eventStatus(e); s != "" {
			line += "  " + string(s)
		}
		if e.Message != "" {
			line += "  " + e.Message
		}
	}
	return line
}
