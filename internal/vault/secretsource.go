package vault

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// EnvSecretSource reads the master secret from an environment variable,
// base64-decoding it when it parses as base64. This is the default source;
// deployments backed by a secret manager swap in their own SecretSource
// without touching vault callers.
type EnvSecretSource struct {
	// Var is the environment variable name. Defaults to SAPDASH_VAULT_KEY.
	Var string
}

func (s EnvSecretSource) CurrentKey() ([]byte, error) {
	name := s.Var
	if name == "" {
		name = "SAPDASH_VAULT_KEY"
	}
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded, nil
	}
	return []byte(raw), nil
}

// StaticSecretSource holds a fixed secret. Used in tests and local tooling.
type StaticSecretSource []byte

func (s StaticSecretSource) CurrentKey() ([]byte, error) {
	return []byte(s), nil
}
