// Package mock is a development adapter producing synthetic images
// without network access.
package mock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/caesium-cloud/pigment/internal/provider"
)

// Kind is the catalog kind served by this adapter.
const Kind = "mock"

// ExtraFail makes the adapter fail with the given message after its first
// batch, when present in the request's extra options.
const ExtraFail = "mock_fail"

const thumbSide = 8

// Adapter emits one batch of outputs per Delay, honouring cancellation
// between batches.
type Adapter struct {
	Delay time.Duration
	// Inline returns PNG bytes so outputs are written to local storage.
	Inline bool
}

// New returns a mock adapter.
func New(delay time.Duration, inline bool) *Adapter {
	return &Adapter{Delay: delay, Inline: inline}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() string { return Kind }

// Execute implements provider.Adapter.
func (a *Adapter) Execute(ctx context.Context, req *provider.Request, cb provider.Callbacks) ([]provider.Output, error) {
	calls := req.Options.Calls()
	if calls == 0 {
		return nil, &provider.Error{Provider: req.ProviderID, Code: "invalid_request", Err: errors.New("no images requested")}
	}

	per := req.Options.MaxImages
	if per <= 0 || per > req.Options.NumImages {
		per = req.Options.NumImages
	}

	width, height := dimensions(req.Options.Size)

	var outs []provider.Output
	remaining := req.Options.NumImages

	cb.Status("running")

	for call := 0; call < calls; call++ {
		select {
		case <-ctx.Done():
			return outs, provider.ContextError(ctx)
		case <-time.After(a.Delay):
		}

		n := min(per, remaining)
		remaining -= n

		for i := 0; i < n; i++ {
			index := len(outs)
			out := provider.Output{
				URL:      fmt.Sprintf("mock://%s/%d.png", req.GenerationID, index),
				MimeType: "image/png",
				Width:    width,
				Height:   height,
			}
			if a.Inline {
				data, err := swatch(req.Options.Seed + int64(index))
				if err != nil {
					return outs, err
				}
				out.Data = data
			}
			outs = append(outs, out)
		}

		cb.Report(append([]provider.Output(nil), outs...))

		if msg, ok := req.Options.Extra[ExtraFail]; ok {
			return outs, &provider.Error{Provider: req.ProviderID, Code: "mock", Err: fmt.Errorf("%v", msg)}
		}
	}

	return outs, nil
}

// swatch renders a small solid-colour PNG derived from seed.
func swatch(seed int64) ([]byte, error) {
	c := color.RGBA{R: uint8(seed * 67), G: uint8(seed * 131), B: uint8(seed * 199), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, thumbSide, thumbSide))
	for y := 0; y < thumbSide; y++ {
		for x := 0; x < thumbSide; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dimensions(size string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return thumbSide, thumbSide
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil {
		return thumbSide, thumbSide
	}
	return width, height
}
