package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"confluence-trading-bot/internal/logging"
)

// Credentials is the exchange API key material stored in Vault
type Credentials struct {
	KeyName    string
	PrivateKey string // PEM-encoded EC private key
}

// Config holds Vault connection settings
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// Client reads exchange credentials from a KV v2 mount. When Vault is
// disabled the client serves credentials seeded from the environment.
type Client struct {
	client *api.Client
	config Config

	mu       sync.RWMutex
	fallback *Credentials

	log *logging.Logger
}

// NewClient creates a Vault client, or a disabled passthrough
func NewClient(cfg Config) (*Client, error) {
	c := &Client{config: cfg, log: logging.WithComponent("vault")}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// SetFallback seeds credentials used when Vault is disabled
func (c *Client) SetFallback(creds Credentials) {
	c.mu.Lock()
	c.fallback = &creds
	c.mu.Unlock()
}

// GetCredentials returns the exchange credentials
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	if !c.config.Enabled {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.fallback == nil || c.fallback.KeyName == "" {
			return nil, fmt.Errorf("vault disabled and no fallback credentials configured")
		}
		return c.fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		KeyName:    getString(data, "key_name"),
		PrivateKey: getString(data, "private_key"),
	}
	if creds.KeyName == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", path)
	}

	c.log.Info("loaded exchange credentials from vault")
	return creds, nil
}

// StoreCredentials writes credentials, used by operator tooling
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		c.SetFallback(creds)
		return nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"key_name":    creds.KeyName,
			"private_key": creds.PrivateKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return fmt.Errorf("store credentials in vault: %w", err)
	}
	return nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
