// Package catalog holds the provider catalog: which backends exist, how to
// reach them and which credentials and option defaults they use.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrUnknownProvider is returned for provider ids missing from the catalog.
var ErrUnknownProvider = fmt.Errorf("%w: unknown provider", failure.ErrNotFound)

// FragmentPattern selects catalog fragments when the catalog path is a directory.
const FragmentPattern = "**/*.{yaml,yml}"

// Provider is one configured backend.
type Provider struct {
	ID          string            `yaml:"id"`
	Kind        string            `yaml:"kind"`
	BaseURL     string            `yaml:"base_url"`
	Model       string            `yaml:"model"`
	Credentials map[string]string `yaml:"credentials"`
	Defaults    map[string]any    `yaml:"defaults"`
	// OptionsSchema is a JSON Schema applied to the merged request options.
	OptionsSchema map[string]any `yaml:"options_schema"`

	schema *jsonschema.Schema
}

type document struct {
	Providers []*Provider `yaml:"providers"`
}

// Catalog is an immutable set of providers keyed by id.
type Catalog struct {
	providers map[string]*Provider
}

// New builds a catalog, rejecting duplicate or incomplete entries.
func New(providers ...*Provider) (*Catalog, error) {
	c := &Catalog{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.TrimSpace(p.Kind)
		if p.ID == "" {
			return nil, errors.New("catalog provider without id")
		}
		if p.Kind == "" {
			return nil, fmt.Errorf("catalog provider %q has no kind", p.ID)
		}
		if _, dup := c.providers[p.ID]; dup {
			return nil, fmt.Errorf("catalog provider %q defined twice", p.ID)
		}
		if len(p.OptionsSchema) > 0 {
			schema, err := compileSchema(p.ID, p.OptionsSchema)
			if err != nil {
				return nil, fmt.Errorf("catalog provider %q: %w", p.ID, err)
			}
			p.schema = schema
		}
		c.providers[p.ID] = p
	}
	return c, nil
}

// Parse decodes a catalog document. Multiple YAML documents in one stream
// are concatenated.
func Parse(data []byte) ([]*Provider, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var providers []*Provider
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
		providers = append(providers, doc.Providers...)
	}
	return providers, nil
}

// Load reads a catalog file, or every fragment under a directory.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		files, err = doublestar.Glob(os.DirFS(path), FragmentPattern)
		if err != nil {
			return nil, fmt.Errorf("glob catalog fragments: %w", err)
		}
		sort.Strings(files)
		for i, f := range files {
			files[i] = filepath.Join(path, f)
		}
	}

	var all []*Provider
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		providers, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		all = append(all, providers...)
	}

	return New(all...)
}

// Provider returns the entry for id.
func (c *Catalog) Provider(id string) (*Provider, error) {
	p, ok := c.providers[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Providers lists entries ordered by id.
func (c *Catalog) Providers() []*Provider {
	out := make([]*Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
