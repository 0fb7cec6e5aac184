package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-trust/pkg/trust"
)

// Authority is the certificate a pinned policy trusts, given inline, by path
// or read from a Vault PKI mount, optionally pinned to the SHA-256 of its
// encoded bytes.
type Authority struct {
	Name   string       `json:"name" yaml:"name"`
	Path   string       `json:"path" yaml:"path" env:"FILE" validate:"excluded_with=Inline"`
	Inline string       `json:"inline" yaml:"inline"`
	Vault  *VaultSource `json:"vault,omitempty" yaml:"vault,omitempty"`
	SHA256 string       `json:"sha256" yaml:"sha256" env:"SHA256" validate:"sha256_pin"`
}

func (a *Authority) label() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	if strings.TrimSpace(a.Path) != "" {
		return filepath.Base(a.Path)
	}
	if a.Vault != nil {
		return "vault:" + a.Vault.mount()
	}
	return "inline"
}

func (a *Authority) sources() int {
	n := 0
	if strings.TrimSpace(a.Inline) != "" {
		n++
	}
	if strings.TrimSpace(a.Path) != "" {
		n++
	}
	if a.Vault != nil {
		n++
	}
	return n
}

// Validate checks that exactly one source is configured.
func (a *Authority) Validate() error {
	switch a.sources() {
	case 0:
		return fmt.Errorf("authority %s: no path, inline data or vault source provided", a.label())
	case 1:
		return nil
	default:
		return fmt.Errorf("authority %s: path, inline and vault are mutually exclusive", a.label())
	}
}

// Materialise returns the encoded certificate bytes after the checksum check.
// Files and Vault are read on every call so reloads observe rotated material.
func (a *Authority) Materialise(ctx context.Context) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	switch {
	case strings.TrimSpace(a.Inline) != "":
		data = []byte(a.Inline)
	case strings.TrimSpace(a.Path) != "":
		path := filepath.Clean(a.Path)
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("authority %s: read: %w", a.label(), err)
		}
	default:
		var err error
		data, err = a.Vault.fetchCA(ctx)
		if err != nil {
			return nil, fmt.Errorf("authority %s: %w", a.label(), err)
		}
	}

	if err := a.verifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}

var errChecksumMismatch = errors.New("checksum mismatch")

func (a *Authority) verifyChecksum(data []byte) error {
	expected := normaliseSHA256(a.SHA256)
	if expected == "" {
		return nil
	}

	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != expected {
		return fmt.Errorf("authority %s: %w", a.label(), errChecksumMismatch)
	}
	return nil
}

// Certificate materialises and parses the authority.
func (a *Authority) Certificate(ctx context.Context) (*trust.Certificate, error) {
	data, err := a.Materialise(ctx)
	if err != nil {
		return nil, err
	}
	cert, err := trust.Load(data)
	if err != nil {
		return nil, fmt.Errorf("authority %s: %w", a.label(), err)
	}
	return cert, nil
}
