package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/google/uuid"
)

// ListOptions filters History.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q
}

// Submit starts a generation.
func (c *Client) Submit(ctx context.Context, req *gateway.SubmitRequest) (*models.Generation, error) {
	var g models.Generation
	if err := c.do(ctx, http.MethodPost, c.resolve("/v1/generations", nil), req, &g); err != nil {
		return nil, fmt.Errorf("submit generation: %w", err)
	}
	return &g, nil
}

// List returns generation history, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) (models.Generations, error) {
	var gens models.Generations
	if err := c.do(ctx, http.MethodGet, c.resolve("/v1/generations", opts.values()), nil, &gens); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return gens, nil
}

// Get returns one generation.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	var g models.Generation
	if err := c.do(ctx, http.MethodGet, c.resolve("/v1/generations/"+id.String(), nil), nil, &g); err != nil {
		return nil, fmt.Errorf("get generation %s: %w", id, err)
	}
	return &g, nil
}

// Cancel stops a running generation.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*gateway.CancelResult, error) {
	var res gateway.CancelResult
	if err := c.do(ctx, http.MethodPost, c.resolve("/v1/generations/"+id.String()+"/cancel", nil), nil, &res); err != nil {
		return nil, fmt.Errorf("cancel generation %s: %w", id, err)
	}
	return &res, nil
}

// Delete removes a generation and its outputs.
func (c *Client) Delete(ctx context.Context, id uuid.UUID, deleteFiles bool) (*gateway.DeleteResult, error) {
	q := url.Values{"delete_files": {strconv.FormatBool(deleteFiles)}}

	var res gateway.DeleteResult
	if err := c.do(ctx, http.MethodDelete, c.resolve("/v1/generations/"+id.String(), q), nil, &res); err != nil {
		return nil, fmt.Errorf("delete generation %s: %w", id, err)
	}
	return &res, nil
}

// DeleteOutput removes one output.
func (c *Client) DeleteOutput(ctx context.Context, id uuid.UUID, deleteFile bool) (*gateway.OutputDeleteResult, error) {
	q := url.Values{"delete_file": {strconv.FormatBool(deleteFile)}}

	var res gateway.OutputDeleteResult
	if err := c.do(ctx, http.MethodDelete, c.resolve("/v1/outputs/"+id.String(), q), nil, &res); err != nil {
		return nil, fmt.Errorf("delete output %s: %w", id, err)
	}
	return &res, nil
}
