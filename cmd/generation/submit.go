package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/spf13/cobra"
)

var (
	submitProvider    string
	submitSlot        string
	submitPrompt      string
	submitInputs      []string
	submitOptions     []string
	submitCredentials []string
	submitWait        bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation",
	Example: `pigment generation submit --provider mock --prompt "a red cube" \
  --input https://example.com/in.png --option numImages=2 --option maxImages=1 --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, err := parseInputs(submitInputs)
		if err != nil {
			return err
		}
		options, err := parseOptions(submitOptions)
		if err != nil {
			return err
		}
		credentials, err := parsePairs(submitCredentials)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		g, err := c.Submit(cmd.Context(), &gateway.SubmitRequest{
			ProviderID:  submitProvider,
			Slot:        submitSlot,
			Prompt:      submitPrompt,
			Inputs:      inputs,
			Options:     options,
			Credentials: credentials,
		})
		if err != nil {
			return err
		}

		if !submitWait {
			return writeJSON(cmd, g)
		}

		if err := writeCmdOut(cmd, "Submitted generation %s\n", g.ID); err != nil {
			return err
		}

		final, err := follow(cmd.Context(), c, g.ID, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return writeJSON(cmd, final)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitProvider, "provider", "p", "", "Catalog provider id (required)")
	submitCmd.Flags().StringVar(&submitSlot, "slot", "", "Concurrency slot (default: the shared slot)")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "Prompt text (required)")
	submitCmd.Flags().StringArrayVarP(&submitInputs, "input", "i", nil, "Input reference: an http(s) URL or a file path under the server input directory; prefix with url: or path: to force the type")
	submitCmd.Flags().StringArrayVarP(&submitOptions, "option", "o", nil, "Request option key=value; values are parsed as JSON when possible")
	submitCmd.Flags().StringArrayVar(&submitCredentials, "credential", nil, "Credential override key=value")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Follow the event stream until the generation finishes")
	submitCmd.MarkFlagRequired("provider") //nolint:errcheck
	submitCmd.MarkFlagRequired("prompt")   //nolint:errcheck

	Cmd.AddCommand(submitCmd)
}

func parseInputs(raw []string) ([]models.InputReference, error) {
	inputs := make([]models.InputReference, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		switch {
		case strings.HasPrefix(r, "url:"):
			inputs = append(inputs, models.InputReference{Type: models.InputURL, Value: strings.TrimPrefix(r, "url:")})
		case strings.HasPrefix(r, "path:"):
			inputs = append(inputs, models.InputReference{Type: models.InputLocalPath, Value: strings.TrimPrefix(r, "path:")})
		case strings.HasPrefix(r, "http://"), strings.HasPrefix(r, "https://"), strings.HasPrefix(r, "data:"):
			inputs = append(inputs, models.InputReference{Type: models.InputURL, Value: r})
		default:
			inputs = append(inputs, models.InputReference{Type: models.InputLocalPath, Value: r})
		}
	}
	return inputs, nil
}

func parseOptions(raw []string) (map[string]any, error) {
	pairs, err := parsePairs(raw)
	if err != nil || pairs == nil {
		return nil, err
	}

	options := make(map[string]any, len(pairs))
	for k, v := range pairs {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			options[k] = decoded
		} else {
			options[k] = v
		}
	}
	return options, nil
}

func parsePairs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	pairs := make(map[string]string, len(raw))
	for _, r := range raw {
		k, v, ok := strings.Cut(r, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", r)
		}
		pairs[k] = v
	}
	return pairs, nil
}
