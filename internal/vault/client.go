package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
)

// Credentials is the credential tuple stored at a Vault secret path.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Client is the narrow slice of the Vault API the lease manager needs.
type Client interface {
	ReadSecret(ctx context.Context, path string) (*Credentials, error)
	RenewSelf(ctx context.Context, increment time.Duration) error
}

// APIClient implements Client on top of the official Vault API client.
type APIClient struct {
	client *api.Client
}

// NewAPIClient builds a Vault client for address, authenticated with token.
// Empty values fall back to VAULT_ADDR / VAULT_TOKEN handling in the api package.
func NewAPIClient(address, token string) (*APIClient, error) {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("vault: default config: %w", cfg.Error)
	}
	if address != "" {
		cfg.Address = address
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &APIClient{client: client}, nil
}

// ReadSecret reads path and extracts username/password/database. Both KV v1
// payloads and KV v2 payloads (nested under "data") are accepted.
func (c *APIClient) ReadSecret(ctx context.Context, path string) (*Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret found at %s", path)
	}
	return credentialsFromData(secret.Data)
}

// RenewSelf extends the TTL of the client token by increment.
func (c *APIClient) RenewSelf(ctx context.Context, increment time.Duration) error {
	_, err := c.client.Auth().Token().RenewSelfWithContext(ctx, int(increment.Seconds()))
	return err
}

func credentialsFromData(data map[string]interface{}) (*Credentials, error) {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	creds := &Credentials{
		Username: stringValue(data, "username"),
		Password: stringValue(data, "password"),
		Database: stringValue(data, "database"),
	}
	if creds.Username == "" {
		return nil, fmt.Errorf("secret has no username field")
	}
	return creds, nil
}

func stringValue(data map[string]interface{}, key string) string {
	raw, ok := data[key]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}
