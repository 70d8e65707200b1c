// Package httpimage is the reference adapter for JSON-over-HTTP image
// generation APIs shaped like {base}/images/generations.
package httpimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Kind is the catalog kind served by this adapter.
const Kind = "httpimage"

// CredentialAPIKey is the credential entry sent as the bearer token.
const CredentialAPIKey = "api_key"

const (
	defaultConcurrency = 4
	defaultBackoff     = 500 * time.Millisecond
	maxErrorBody       = 64 << 10

	// DefaultMaxDownloadBytes caps one downloaded image.
	DefaultMaxDownloadBytes = 32 << 20
)

// Options configures the adapter.
type Options struct {
	HTTPClient *http.Client
	// Concurrency bounds the number of in-flight calls per generation.
	Concurrency int
	// Download fetches returned URLs so their bytes are stored locally.
	Download         bool
	MaxDownloadBytes int64
	RetryBackoff     time.Duration
}

// Adapter calls an images/generations endpoint, splitting a generation into
// as many calls as its per-call image limit requires.
type Adapter struct {
	client      *http.Client
	concurrency int
	download    bool
	maxDownload int64
	backoff     time.Duration
}

// New constructs an adapter with defaults applied.
func New(opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxDownload := opts.MaxDownloadBytes
	if maxDownload <= 0 {
		maxDownload = DefaultMaxDownloadBytes
	}
	return &Adapter{
		client:      client,
		concurrency: concurrency,
		download:    opts.Download,
		maxDownload: maxDownload,
		backoff:     backoff,
	}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() string { return Kind }

type generationRequest struct {
	Model  string   `json:"model,omitempty"`
	Prompt string   `json:"prompt"`
	N      int      `json:"n"`
	Size   string   `json:"size,omitempty"`
	Seed   int64    `json:"seed"`
	Images []string `json:"images,omitempty"`
}

type generationResponse struct {
	Data []struct {
		URL      string `json:"url"`
		B64JSON  string `json:"b64_json"`
		MimeType string `json:"mime_type"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, req *provider.Request, cb provider.Callbacks) ([]provider.Output, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(req.Endpoint.BaseURL), "/")
	if baseURL == "" {
		return nil, &provider.Error{Provider: req.ProviderID, Code: "misconfigured", Err: errors.New("base url is required")}
	}

	apiKey := strings.TrimSpace(req.Credentials[CredentialAPIKey])
	if apiKey == "" {
		return nil, &provider.Error{Provider: req.ProviderID, Code: "missing_credentials", Err: errors.New("api key is required")}
	}

	calls := req.Options.Calls()
	if calls == 0 {
		return nil, &provider.Error{Provider: req.ProviderID, Code: "invalid_request", Err: errors.New("no images requested")}
	}

	per := req.Options.MaxImages
	if per <= 0 || per > req.Options.NumImages {
		per = req.Options.NumImages
	}

	images := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if in.DataURL != "" {
			images = append(images, in.DataURL)
		} else {
			images = append(images, in.Value)
		}
	}

	var (
		mu        sync.Mutex
		collected []provider.Output
	)

	cb.Status("submitted")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	remaining := req.Options.NumImages
	for i := 0; i < calls; i++ {
		n := min(per, remaining)
		remaining -= n

		body := generationRequest{
			Model:  req.Endpoint.Model,
			Prompt: req.Prompt,
			N:      n,
			Size:   req.Options.Size,
			Seed:   req.Options.Seed + int64(i),
			Images: images,
		}

		g.Go(func() error {
			outs, err := a.call(gctx, baseURL, apiKey, req.ProviderID, body)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			collected = append(collected, outs...)
			cb.Report(slices.Clone(collected))
			return nil
		})
	}

	err := g.Wait()

	mu.Lock()
	result := slices.Clone(collected)
	mu.Unlock()

	if ctxErr := provider.ContextError(ctx); ctxErr != nil {
		return result, ctxErr
	}
	if err != nil {
		return result, err
	}

	return result, nil
}

func (a *Adapter) call(ctx context.Context, baseURL, apiKey, providerID string, body generationRequest) ([]provider.Output, error) {
	outs, err := a.post(ctx, baseURL, apiKey, providerID, body)

	var perr *provider.Error
	if err != nil && errors.As(err, &perr) && perr.Transient() {
		log.Warn("retrying transient provider error", "provider", providerID, "status", perr.StatusCode)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.backoff):
		}

		outs, err = a.post(ctx, baseURL, apiKey, providerID, body)
	}

	return outs, err
}

func (a *Adapter) post(ctx context.Context, baseURL, apiKey, providerID string, body generationRequest) ([]provider.Output, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.Error{Provider: providerID, Code: "transport", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(providerID, resp)
	}

	var decoded generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &provider.Error{Provider: providerID, Code: "invalid_response", StatusCode: resp.StatusCode, Err: err}
	}

	if len(decoded.Data) > body.N {
		log.Warn("provider returned more images than requested", "provider", providerID, "requested", body.N, "returned", len(decoded.Data))
		decoded.Data = decoded.Data[:body.N]
	}

	width, height := parseSize(body.Size)

	outs := make([]provider.Output, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		out := provider.Output{
			URL:      d.URL,
			MimeType: d.MimeType,
			Width:    d.Width,
			Height:   d.Height,
		}
		if out.MimeType == "" {
			out.MimeType = "image/png"
		}
		if out.Width == 0 && out.Height == 0 {
			out.Width, out.Height = width, height
		}

		switch {
		case d.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, &provider.Error{Provider: providerID, Code: "invalid_response", Err: fmt.Errorf("decode image: %w", err)}
			}
			out.Data = data
		case d.URL != "" && a.download:
			data, mime, err := a.fetch(ctx, d.URL)
			if err != nil {
				return nil, &provider.Error{Provider: providerID, Code: "download", Err: err}
			}
			out.Data = data
			if d.MimeType == "" && mime != "" {
				out.MimeType = mime
			}
		case d.URL == "":
			return nil, &provider.Error{Provider: providerID, Code: "invalid_response", Err: errors.New("image has neither url nor data")}
		}

		outs = append(outs, out)
	}

	return outs, nil
}

func (a *Adapter) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	if resp.ContentLength > a.maxDownload {
		return nil, "", fmt.Errorf("download %s: exceeds %d bytes", url, a.maxDownload)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxDownload+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > a.maxDownload {
		return nil, "", fmt.Errorf("download %s: exceeds %d bytes", url, a.maxDownload)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	return data, strings.TrimSpace(mime), nil
}

func decodeError(providerID string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	perr := &provider.Error{Provider: providerID, StatusCode: resp.StatusCode}

	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
		perr.Code = decoded.Error.Code
		perr.Err = errors.New(decoded.Error.Message)
		return perr
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	perr.Err = errors.New(msg)
	return perr
}

func parseSize(size string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return 0, 0
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0
	}
	return width, height
}
