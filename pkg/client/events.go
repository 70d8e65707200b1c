package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/google/uuid"
)

// Stream follows the server-sent event stream. The channel closes when ctx
// ends or the server drops the connection.
func (c *Client) Stream(ctx context.Context, generationID uuid.UUID, types ...event.Type) (<-chan event.Event, error) {
	q := url.Values{}
	if generationID != uuid.Nil {
		q.Set("generation_id", generationID.String())
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("/v1/events", q), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("open event stream: %w", decodeError(resp))
	}

	ch := make(chan event.Event, 100)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 4<<20)

		var (
			currentType event.Type
			currentData []byte
		)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				if len(currentData) > 0 {
					var e event.Event
					if err := json.Unmarshal(currentData, &e); err == nil {
						if e.Type == "" {
							e.Type = currentType
						}
						select {
						case ch <- e:
						case <-ctx.Done():
							return
						}
					}
				}
				currentType = ""
				currentData = nil
				continue
			}

			if bytes.HasPrefix(line, []byte(":")) {
				continue // ping
			}

			field, value, ok := bytes.Cut(line, []byte(":"))
			if !ok {
				continue
			}
			value = bytes.TrimPrefix(value, []byte(" "))

			switch string(bytes.TrimSpace(field)) {
			case "event":
				currentType = event.Type(value)
			case "data":
				currentData = append([]byte(nil), value...)
			}
		}
	}()

	return ch, nil
}
