// Package notify posts a webhook when a generation reaches a terminal
// status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/internal/event"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
)

// Config describes the webhook target.
type Config struct {
	URL       string
	Headers   map[string]string
	UserAgent string
}

// Payload is the webhook body.
type Payload struct {
	GenerationID uuid.UUID        `json:"generation_id"`
	ProviderID   string           `json:"provider_id"`
	Slot         string           `json:"slot"`
	Status       models.Status    `json:"status"`
	ErrorCode    models.ErrorCode `json:"error_code,omitempty"`
	Error        string           `json:"error,omitempty"`
	Outputs      []OutputState    `json:"outputs"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// OutputState summarises one output.
type OutputState struct {
	ID          uuid.UUID `json:"id"`
	OutputIndex int       `json:"output_index"`
	Location    string    `json:"location"`
	MimeType    string    `json:"mime_type,omitempty"`
}

// NewPayload builds the webhook body for g.
func NewPayload(g *models.Generation) Payload {
	p := Payload{
		GenerationID: g.ID,
		ProviderID:   g.ProviderID,
		Slot:         g.Slot,
		Status:       g.Status,
		ErrorCode:    g.ErrorCode,
		Error:        g.ErrorMessage,
		Outputs:      make([]OutputState, 0, len(g.Outputs)),
		CreatedAt:    g.CreatedAt,
		StartedAt:    g.StartedAt,
		CompletedAt:  g.CompletedAt,
	}
	for _, o := range g.Outputs {
		p.Outputs = append(p.Outputs, OutputState{
			ID:          o.ID,
			OutputIndex: o.OutputIndex,
			Location:    o.Location(),
			MimeType:    o.MimeType,
		})
	}
	return p
}

// Notifier posts terminal generations to a webhook.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// New constructs a notifier with the provided client.
func New(cfg Config, client *http.Client) (*Notifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("notifier requires a webhook url")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{cfg: cfg, client: client}, nil
}

// Run subscribes to status events and posts every terminal generation
// until ctx ends or the subscription is dropped.
func (n *Notifier) Run(ctx context.Context, bus event.Bus) error {
	events, err := bus.Subscribe(ctx, event.Filter{Types: []event.Type{event.TypeStatus}})
	if err != nil {
		return err
	}

	metrics.EventSubscribers.WithLabelValues("notify").Inc()
	defer metrics.EventSubscribers.WithLabelValues("notify").Dec()

	for e := range events {
		if e.Generation == nil || !e.Generation.Status.Terminal() {
			continue
		}

		if err := n.Send(ctx, NewPayload(e.Generation)); err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			log.Error("failed to send generation webhook", "id", e.GenerationID, "error", err)
			continue
		}

		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		log.Debug("sent generation webhook", "id", e.GenerationID, "status", e.Generation.Status)
	}

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("notifier subscription dropped")
}

// Send posts one payload.
func (n *Notifier) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(n.cfg.URL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if ua := strings.TrimSpace(n.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range n.cfg.Headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
