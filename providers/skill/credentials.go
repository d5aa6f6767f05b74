package skill

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credentials resolves a credential reference to a secret.
type Credentials interface {
	Credential(ctx context.Context, ref string) (string, error)
}

// DefaultCredentialPrefix is prepended to references by EnvCredentials.
const DefaultCredentialPrefix = "AGENTCANVAS_SKILL_"

// EnvCredentials reads secrets from environment variables. The reference
// "github-token" resolves to AGENTCANVAS_SKILL_GITHUB_TOKEN.
type EnvCredentials struct {
	Prefix string
}

// Credential implements Credentials.
func (e EnvCredentials) Credential(_ context.Context, ref string) (string, error) {
	name := e.VariableName(ref)
	value, found := os.LookupEnv(name)
	if !found || value == "" {
		return "", fmt.Errorf("%w: %q (env %s)", ErrCredentialNotFound, ref, name)
	}
	return value, nil
}

// VariableName maps a reference to its environment variable name.
func (e EnvCredentials) VariableName(ref string) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultCredentialPrefix
	}
	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
	return prefix + normalized
}

// StaticCredentials serves secrets from a map. Tests and single-tenant
// deployments use it.
type StaticCredentials map[string]string

// Credential implements Credentials.
func (s StaticCredentials) Credential(_ context.Context, ref string) (string, error) {
	value, found := s[ref]
	if !found {
		return "", fmt.Errorf("%w: %q", ErrCredentialNotFound, ref)
	}
	return value, nil
}
