package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	defaultVaultMount   = "pki"
	defaultVaultTimeout = 10 * time.Second
)

var errVaultNoCertificate = errors.New("vault returned no CA certificate")

// VaultSource reads the issuing CA of a Vault PKI secrets engine. Token falls
// back to VAULT_TOKEN, and unset connection settings follow the usual VAULT_*
// variables.
type VaultSource struct {
	Address   string        `json:"address" yaml:"address" validate:"required,url"`
	Mount     string        `json:"mount" yaml:"mount" validate:"omitempty,max=256"`
	Token     string        `json:"-" yaml:"token"`
	Namespace string        `json:"namespace" yaml:"namespace"`
	CACert    string        `json:"ca_cert" yaml:"ca_cert" validate:"omitempty,file"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

type vaultCA struct {
	Certificate string `mapstructure:"certificate"`
}

func (v *VaultSource) mount() string {
	mount := strings.Trim(strings.TrimSpace(v.Mount), "/")
	if mount == "" {
		return defaultVaultMount
	}
	return mount
}

func (v *VaultSource) client() (*api.Client, error) {
	conf := api.DefaultConfig()
	if conf.Error != nil {
		return nil, fmt.Errorf("vault config: %w", conf.Error)
	}
	conf.Address = v.Address
	conf.MaxRetries = 1
	conf.Timeout = v.Timeout
	if conf.Timeout <= 0 {
		conf.Timeout = defaultVaultTimeout
	}
	if v.CACert != "" {
		if err := conf.ConfigureTLS(&api.TLSConfig{CACert: v.CACert}); err != nil {
			return nil, fmt.Errorf("vault tls: %w", err)
		}
	}

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if v.Token != "" {
		client.SetToken(v.Token)
	}
	if v.Namespace != "" {
		client.SetNamespace(v.Namespace)
	}
	return client, nil
}

// fetchCA returns the PEM certificate served at <mount>/cert/ca.
func (v *VaultSource) fetchCA(ctx context.Context) ([]byte, error) {
	client, err := v.client()
	if err != nil {
		return nil, err
	}

	path := v.mount() + "/cert/ca"
	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault read %s: %w", path, errVaultNoCertificate)
	}

	var ca vaultCA
	if err := mapstructure.Decode(secret.Data, &ca); err != nil {
		return nil, fmt.Errorf("vault read %s: decode: %w", path, err)
	}
	if strings.TrimSpace(ca.Certificate) == "" {
		return nil, fmt.Errorf("vault read %s: %w", path, errVaultNoCertificate)
	}
	return []byte(ca.Certificate), nil
}
