package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/internal/storage"
	"github.com/caesium-cloud/pigment/pkg/log"
)

// MaxInputBytes caps a local input file read into memory.
const MaxInputBytes = 20 << 20

var (
	errInputsDisabled  = errors.New("local inputs are disabled")
	errInputUnreadable = errors.New("local file is not available")
)

// prepareInputs builds the adapter inputs, reading local files into data
// URLs, and the sanitized references to persist.
func (g *Gateway) prepareInputs(refs []models.InputReference) ([]provider.Input, []models.InputReference, error) {
	inputs := make([]provider.Input, 0, len(refs))
	sources := make([]models.InputReference, 0, len(refs))

	for i, ref := range refs {
		ref.Value = strings.TrimSpace(ref.Value)

		in := provider.Input{Type: string(ref.Type), Value: ref.Value, DataURL: ref.PreparedDataURL}

		if ref.Type == models.InputLocalPath && in.DataURL == "" {
			data, err := g.readInput(ref.Value)
			if err != nil {
				return nil, nil, failure.Validation("input %d: %v", i, err)
			}
			in.DataURL = dataURL(data)
		}

		inputs = append(inputs, in)
		sources = append(sources, ref.Sanitize())
	}

	return inputs, sources, nil
}

// readInput loads a regular file beneath the input directory, never
// reading more than the input byte limit.
func (g *Gateway) readInput(value string) ([]byte, error) {
	if g.inputDir == "" {
		return nil, errInputsDisabled
	}

	path, err := g.resolveInput(value)
	if err != nil {
		log.Debug("rejected local input", "path", value, "error", err)
		return nil, errInputUnreadable
	}

	// stat before open so a fifo or device never blocks the caller
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, errInputUnreadable
	}

	limit := g.limits.MaxInputBytes
	if info.Size() > limit {
		return nil, tooLarge(limit)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errInputUnreadable
	}
	defer f.Close()

	opened, err := f.Stat()
	if err != nil || !os.SameFile(info, opened) {
		return nil, errInputUnreadable
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errInputUnreadable
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(limit)
	}

	return data, nil
}

// resolveInput maps value under the input directory, following symlinks
// before checking containment again.
func (g *Gateway) resolveInput(value string) (string, error) {
	path, err := storage.Within(g.inputDir, value)
	if err != nil {
		return "", err
	}

	root, err := filepath.EvalSymlinks(g.inputDir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}

	return storage.Within(root, resolved)
}

func tooLarge(limit int64) error {
	return fmt.Errorf("local file exceeds %d bytes", limit)
}

func dataURL(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
