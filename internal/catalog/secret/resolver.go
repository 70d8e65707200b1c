// Package secret resolves provider credential values. A value of the form
// secret://<backend>/<path> is looked up in the named backend; anything
// else is taken literally.
package secret

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const scheme = "secret"

// ErrUnknownBackend is returned for references naming an unregistered backend.
var ErrUnknownBackend = errors.New("secret backend not configured")

// Resolver turns a credential value into its concrete secret.
type Resolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// Reference is a parsed secret:// URI.
type Reference struct {
	Raw      string
	Backend  string
	Path     string
	Segments []string
	Query    url.Values
}

// IsReference reports whether value should be resolved through a backend.
func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), scheme+"://")
}

// Parse converts a secret:// URI into a Reference.
func Parse(raw string) (*Reference, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse secret reference: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("secret reference must use %s://, got %q", scheme, u.Scheme)
	}

	backend := strings.ToLower(strings.TrimSpace(u.Host))
	if backend == "" {
		return nil, errors.New("secret reference has no backend")
	}

	ref := &Reference{
		Raw:     raw,
		Backend: backend,
		Path:    strings.Trim(u.Path, "/"),
		Query:   u.Query(),
	}
	if ref.Path != "" {
		ref.Segments = strings.Split(ref.Path, "/")
	}
	return ref, nil
}

// Chain dispatches references to backends by name and returns literal
// values unchanged.
type Chain struct {
	backends map[string]Resolver
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{backends: make(map[string]Resolver)}
}

// Register installs r for each of names, replacing existing entries.
func (c *Chain) Register(r Resolver, names ...string) *Chain {
	for _, name := range names {
		c.backends[strings.ToLower(strings.TrimSpace(name))] = r
	}
	return c
}

// Backends lists registered backend names.
func (c *Chain) Backends() []string {
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}

	ref, err := Parse(value)
	if err != nil {
		return "", err
	}

	backend, ok := c.backends[ref.Backend]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, ref.Backend)
	}

	return backend.Resolve(ctx, value)
}
