package config

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultOptions configures a VaultSecretStore.
type VaultOptions struct {
	Address   string
	Token     string
	Mount     string
	KVVersion int
	Field     string
	Timeout   time.Duration
}

// VaultSecretStore reads secrets from a Vault KV engine. Each secret is one
// Vault path holding the value under Field.
type VaultSecretStore struct {
	client  *api.Client
	mount   string
	version int
	field   string
	timeout time.Duration
	logger  Logger
}

func NewVaultSecretStore(opts VaultOptions, logger Logger) (*VaultSecretStore, error) {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", cfg.Error)
	}
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	cfg.Timeout = opts.Timeout

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	if opts.Mount == "" {
		opts.Mount = "secret"
	}
	if opts.KVVersion == 0 {
		opts.KVVersion = 2
	}
	if opts.Field == "" {
		opts.Field = "value"
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &VaultSecretStore{
		client:  client,
		mount:   strings.Trim(opts.Mount, "/"),
		version: opts.KVVersion,
		field:   opts.Field,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

func (s *VaultSecretStore) dataPath(key string) string {
	if s.version == 2 {
		return path.Join(s.mount, "data", key)
	}
	return path.Join(s.mount, key)
}

func (s *VaultSecretStore) metadataPath(key string) string {
	if s.version == 2 {
		return path.Join(s.mount, "metadata", key)
	}
	return path.Join(s.mount, key)
}

func (s *VaultSecretStore) GetSecret(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s from vault: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	data := secret.Data
	if s.version == 2 {
		nested, ok := data["data"].(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		data = nested
	}
	raw, ok := data[s.field]
	if !ok {
		return "", fmt.Errorf("%w: %s has no field %s", ErrSecretNotFound, key, s.field)
	}
	return fmt.Sprint(raw), nil
}

func (s *VaultSecretStore) SetSecret(key string, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	payload := map[string]interface{}{s.field: value}
	if s.version == 2 {
		payload = map[string]interface{}{"data": payload}
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.dataPath(key), payload); err != nil {
		return fmt.Errorf("failed to write secret %s to vault: %w", key, err)
	}
	s.logger.Debug("secret stored in vault", "key", key)
	return nil
}

func (s *VaultSecretStore) DeleteSecret(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret %s from vault: %w", key, err)
	}
	return nil
}

func (s *VaultSecretStore) ListSecrets() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	secret, err := s.client.Logical().ListWithContext(ctx, s.metadataPath(""))
	if err != nil {
		return nil, fmt.Errorf("failed to list vault secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, _ := secret.Data["keys"].([]interface{})
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := k.(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
