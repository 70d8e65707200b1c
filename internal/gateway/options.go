package gateway

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/caesium-cloud/pigment/internal/catalog"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/provider"
	"github.com/caesium-cloud/pigment/pkg/jsonmap"
	"gorm.io/datatypes"
)

// Option keys understood by the orchestrator. Anything else is passed
// through to the adapter untouched.
const (
	OptionNumImages = "numImages"
	OptionMaxImages = "maxImages"
	OptionSize      = "size"
	OptionSeed      = "seed"
)

// seeds stay within the integer range a JSON float carries exactly
const seedMask = 1<<53 - 1

// normalize merges catalog defaults with caller options and enforces the
// request budgets. It returns the adapter view and the persisted bag.
func normalize(limits Limits, p *catalog.Provider, prompt string, inputs []models.InputReference, caller map[string]any) (provider.Options, datatypes.JSONMap, error) {
	merged := jsonmap.Merge(p.Defaults, caller)

	var opts provider.Options

	n, ok, err := jsonmap.Int(merged, OptionNumImages)
	switch {
	case err != nil:
		return opts, nil, failure.Validation("%v", err)
	case !ok:
		n = 1
	}
	if n < 1 || n > limits.MaxOutputs {
		return opts, nil, failure.Validation("%s must be between 1 and %d, got %d", OptionNumImages, limits.MaxOutputs, n)
	}

	per, ok, err := jsonmap.Int(merged, OptionMaxImages)
	switch {
	case err != nil:
		return opts, nil, failure.Validation("%v", err)
	case !ok:
		per = n
	}
	if per < 1 {
		return opts, nil, failure.Validation("%s must be at least 1, got %d", OptionMaxImages, per)
	}
	per = min(per, n)

	if total := len(inputs) + n; total > limits.MaxTotalImages {
		return opts, nil, failure.Validation("%d inputs plus %d outputs exceeds the budget of %d images", len(inputs), n, limits.MaxTotalImages)
	}

	size, _ := jsonmap.String(merged, OptionSize)
	size = strings.ToLower(strings.TrimSpace(size))
	if size != "" {
		w, h, err := parseSize(size)
		if err != nil {
			return opts, nil, failure.Validation("%v", err)
		}
		for _, d := range []int{w, h} {
			if d < limits.MinDimension || d > limits.MaxDimension {
				return opts, nil, failure.Validation("size %s outside [%d, %d]", size, limits.MinDimension, limits.MaxDimension)
			}
		}
		size = fmt.Sprintf("%dx%d", w, h)
	}

	seed, ok, err := jsonmap.Int64(merged, OptionSeed)
	switch {
	case err != nil:
		return opts, nil, failure.Validation("%v", err)
	case !ok:
		seed = deriveSeed(p.ID, prompt, inputs, size, n)
	}
	if seed < 0 || seed > seedMask {
		return opts, nil, failure.Validation("%s must be between 0 and %d", OptionSeed, int64(seedMask))
	}

	extra := jsonmap.Without(merged, OptionNumImages, OptionMaxImages, OptionSize, OptionSeed)

	opts = provider.Options{
		NumImages: n,
		MaxImages: per,
		Size:      size,
		Seed:      seed,
		Extra:     extra,
	}

	persisted := jsonmap.Merge(extra, map[string]any{
		OptionNumImages: n,
		OptionMaxImages: per,
		OptionSeed:      seed,
	})
	if size != "" {
		persisted[OptionSize] = size
	}

	return opts, persisted, nil
}

func parseSize(size string) (int, int, error) {
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q must look like WIDTHxHEIGHT", size)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, fmt.Errorf("size %q has an invalid width", size)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, fmt.Errorf("size %q has an invalid height", size)
	}
	return w, h, nil
}

// deriveSeed hashes the request so identical submissions reproduce.
func deriveSeed(providerID, prompt string, inputs []models.InputReference, size string, n int) int64 {
	h := sha256.New()
	for _, part := range []string{providerID, prompt, size, strconv.Itoa(n)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, in := range inputs {
		h.Write([]byte(in.Type))
		h.Write([]byte{0})
		h.Write([]byte(in.Value))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) & seedMask)
}
