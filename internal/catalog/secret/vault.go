package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// BackendVault is the backend name for HashiCorp Vault.
const BackendVault = "vault"

type vaultReader interface {
	ReadWithDataWithContext(ctx context.Context, path string, data map[string][]string) (*vault.Secret, error)
}

// VaultConfig describes how to reach Vault.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	CACertPath    string
	TLSSkipVerify bool
}

// Vault resolves secret://vault/<mount>/<path>[/<field>][?field=&version=].
// KV v2 responses are unwrapped from their nested data map.
type Vault struct {
	reader vaultReader
}

// NewVault connects a Vault backend.
func NewVault(cfg VaultConfig) (*Vault, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}

	config := vault.DefaultConfig()
	config.Address = address

	if cfg.CACertPath != "" || cfg.TLSSkipVerify {
		tls := &vault.TLSConfig{CACert: cfg.CACertPath, Insecure: cfg.TLSSkipVerify}
		if err := config.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetToken(token)
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	return &Vault{reader: client.Logical()}, nil
}

func newVaultWithReader(r vaultReader) *Vault {
	return &Vault{reader: r}
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, value string) (string, error) {
	ref, err := Parse(value)
	if err != nil {
		return "", err
	}

	path, field, err := vaultLocation(ref)
	if err != nil {
		return "", err
	}

	var params map[string][]string
	if version := strings.TrimSpace(ref.Query.Get("version")); version != "" {
		params = map[string][]string{"version": {version}}
	}

	sec, err := v.reader.ReadWithDataWithContext(ctx, path, params)
	if err != nil {
		return "", fmt.Errorf("read vault path %s: %w", path, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("vault path %s not found", path)
	}

	data := sec.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	raw, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault path %s has no field %s", path, field)
	}
	return fmt.Sprint(raw), nil
}

// vaultLocation splits a reference into the logical path and field. The
// field comes from ?field= or else the final path segment.
func vaultLocation(ref *Reference) (string, string, error) {
	segments := ref.Segments
	field := strings.TrimSpace(ref.Query.Get("field"))

	if field == "" {
		if len(segments) < 2 {
			return "", "", fmt.Errorf("vault secret %q needs a path and a field", ref.Raw)
		}
		field = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}

	if len(segments) == 0 {
		return "", "", fmt.Errorf("vault secret %q has no path", ref.Raw)
	}

	return strings.Join(segments, "/"), field, nil
}
