package env

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Headers is a set of HTTP headers parsed from a JSON object, e.g.
// PIGMENT_NOTIFY_HEADERS='{"Authorization":"Bearer abc"}'.
type Headers map[string]string

// Decode implements envconfig.Decoder.
func (h *Headers) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*h = nil
		return nil
	}

	var headers map[string]string
	if err := json.Unmarshal([]byte(value), &headers); err != nil {
		return fmt.Errorf("decode headers: %w", err)
	}

	for k := range headers {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("decode headers: empty header name")
		}
	}

	*h = headers
	return nil
}
