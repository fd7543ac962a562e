// Package config loads the daemon's bootstrap parameters — the ones safe
// to externalize per §1 (general configuration loading remains an
// external collaborator; this only covers what the core package needs to
// exist before it can talk to the registry/tracer/consumer). Adapted from
// packages/go-core/config/vault.go's SecretManager, with environment
// fallback mirroring the teacher's VAULT_ADDR/VAULT_TOKEN pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"
)

// Bootstrap holds the handful of values the coordinator needs before it
// can start accepting app registrations.
type Bootstrap struct {
	SupportedTracerMajor uint32
	ReclaimGrace         time.Duration
	RelayAddress         string
	ConsumerSocket32     string
	ConsumerSocket64     string
}

// SecretManager wraps the Vault API client for reading the bootstrap
// secret path.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at address and
// authenticated with token. Both fall back to VAULT_ADDR/VAULT_TOKEN when
// empty, matching the teacher's environment-variable convention.
func NewSecretManager(address, token string) (*SecretManager, error) {
	if address == "" {
		address = os.Getenv("VAULT_ADDR")
	}
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// LoadBootstrap reads the bootstrap parameters from a KV v2 secret at
// path, applying sessiond-specific defaults for any field Vault doesn't
// carry.
func (s *SecretManager) LoadBootstrap(path string) (Bootstrap, error) {
	b := Bootstrap{
		SupportedTracerMajor: 2,
		ReclaimGrace:         5 * time.Second,
	}

	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return b, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return b, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return b, fmt.Errorf("unexpected data format at %s", path)
	}

	if v, ok := data["supported_tracer_major"].(string); ok {
		if major, err := strconv.ParseUint(v, 10, 32); err == nil {
			b.SupportedTracerMajor = uint32(major)
		}
	}
	if v, ok := data["reclaim_grace"].(string); ok {
		if grace, err := time.ParseDuration(v); err == nil {
			b.ReclaimGrace = grace
		}
	}
	if v, ok := data["relay_address"].(string); ok {
		b.RelayAddress = v
	}
	if v, ok := data["consumer_socket_32"].(string); ok {
		b.ConsumerSocket32 = v
	}
	if v, ok := data["consumer_socket_64"].(string); ok {
		b.ConsumerSocket64 = v
	}
	return b, nil
}
