package generation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/pkg/client"
	"github.com/caesium-cloud/pigment/pkg/env"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	server  string
	timeout time.Duration
)

// Cmd is the parent command for generation operations.
var Cmd = &cobra.Command{
	Use:     "generation",
	Short:   "Submit and manage generations",
	Aliases: []string{"gen", "g"},
}

func init() {
	Cmd.PersistentFlags().StringVar(&server, "server", "", "pigment server base URL (default: PIGMENT_BASE_URL)")
	Cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Request timeout (default: PIGMENT_CLIENT_TIMEOUT)")
}

func newClient() (*client.Client, error) {
	vars := env.Variables()

	base := strings.TrimSpace(server)
	if base == "" {
		base = vars.BaseURL
	}
	if base == "" {
		base = "http://127.0.0.1:8080"
	}

	t := timeout
	if t <= 0 {
		t = vars.ClientTimeout
	}

	return client.New(base, t)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

func writeCmdOut(cmd *cobra.Command, format string, args ...any) error {
	if _, err := fmt.Fprintf(cmd.OutOrStdout(), format, args...); err != nil {
		cmd.PrintErrf("write output: %v\n", err)
		return err
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
