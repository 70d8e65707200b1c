package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// BackendEnv is the backend name for process environment lookups.
const BackendEnv = "env"

// Env resolves secret://env/NAME from the process environment. Nested
// segments are joined with underscores.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv returns an environment backend.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (e *Env) Resolve(_ context.Context, value string) (string, error) {
	ref, err := Parse(value)
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(ref.Query.Get("name"))
	if name == "" {
		name = strings.Join(ref.Segments, "_")
	}
	if name == "" {
		return "", fmt.Errorf("env secret %q names no variable", value)
	}

	v, ok := e.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
