package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/catalog/secret"
	"github.com/caesium-cloud/pigment/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultCredentialTTL is how long resolved credentials are reused.
const DefaultCredentialTTL = 10 * time.Minute

type cached struct {
	values  map[string]string
	expires time.Time
}

// Credentials resolves and caches provider credentials. Concurrent lookups
// for the same provider share one resolution.
type Credentials struct {
	resolver secret.Resolver
	ttl      time.Duration
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cached
}

// NewCredentials returns a cache over resolver. A non-positive ttl uses
// DefaultCredentialTTL.
func NewCredentials(resolver secret.Resolver, ttl time.Duration) *Credentials {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	if resolver == nil {
		resolver = secret.NewChain()
	}
	return &Credentials{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cached),
	}
}

// Resolve returns a copy of p's resolved credentials.
func (c *Credentials) Resolve(ctx context.Context, p *Provider) (map[string]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[p.ID]
	c.mu.Unlock()

	if ok && c.now().Before(entry.expires) {
		metrics.CredentialLookupsTotal.WithLabelValues("hit").Inc()
		return clone(entry.values), nil
	}

	v, err, _ := c.group.Do(p.ID, func() (any, error) {
		values := make(map[string]string, len(p.Credentials))
		for name, raw := range p.Credentials {
			value, err := c.resolver.Resolve(ctx, raw)
			if err != nil {
				return nil, fmt.Errorf("resolve credential %s for provider %s: %w", name, p.ID, err)
			}
			values[name] = value
		}

		c.mu.Lock()
		c.entries[p.ID] = cached{values: values, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()

		return values, nil
	})
	if err != nil {
		metrics.CredentialLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.CredentialLookupsTotal.WithLabelValues("miss").Inc()
	return clone(v.(map[string]string)), nil
}

// Invalidate drops the cached credentials of one provider.
func (c *Credentials) Invalidate(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, providerID)
}

// Purge drops every cached credential.
func (c *Credentials) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
