package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/polisai/polis-trust/pkg/trust"
	"github.com/polisai/polis-trust/pkg/trust/trusttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"POLIS_TRUST_POLICY",
	"POLIS_TRUST_CA_FILE",
	"POLIS_TRUST_CA_SHA256",
	"POLIS_TRUST_ALLOW_INSECURE",
	"POLIS_TRUST_ENVIRONMENT",
	"POLIS_OTLP_ENDPOINT",
	"POLIS_OTLP_INSECURE",
	"POLIS_LOG_LEVEL",
	"POLIS_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func pinnedInlineConfig(ca *trusttest.Issued) string {
	return fmt.Sprintf(`
trust:
  policy: pinned
  authority:
    name: test-ca
    inline: |
%s
logging:
  level: DEBUG
  format: text
`, indent(string(ca.CertPEM), "      "))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, PolicySystem, cfg.Trust.Policy)
	assert.Nil(t, cfg.Trust.Authority)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "polis-trust", cfg.Telemetry.ServiceName)
	assert.False(t, cfg.Admission.Enabled)
}

func TestLoad_PinnedInline(t *testing.T) {
	clearEnv(t)
	ca := trusttest.NewAuthority(t, "Config CA")
	path := writeConfig(t, t.TempDir(), pinnedInlineConfig(ca))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, PolicyPinned, cfg.Trust.Policy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	cert, err := cfg.Trust.Authority.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.Raw, cert.Raw())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	ca := trusttest.NewAuthority(t, "Env CA")
	caFile, _ := ca.WriteFiles(t, dir, "ca")
	digest := sha256.Sum256(ca.CertPEM)

	t.Setenv("POLIS_TRUST_POLICY", "pinned")
	t.Setenv("POLIS_TRUST_CA_FILE", caFile)
	t.Setenv("POLIS_TRUST_CA_SHA256", "sha256:"+strings.ToUpper(hex.EncodeToString(digest[:])))
	t.Setenv("POLIS_TRUST_ENVIRONMENT", "production")
	t.Setenv("POLIS_OTLP_ENDPOINT", "collector.polis.test:4317")
	t.Setenv("POLIS_OTLP_INSECURE", "true")
	t.Setenv("POLIS_LOG_LEVEL", "warn")
	t.Setenv("POLIS_LOG_FORMAT", "pretty")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, PolicyPinned, cfg.Trust.Policy)
	require.NotNil(t, cfg.Trust.Authority)
	assert.Equal(t, caFile, cfg.Trust.Authority.Path)
	assert.Equal(t, "production", cfg.Admission.Environment)
	assert.Equal(t, "collector.polis.test:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "pretty", cfg.Logging.Format)

	cert, err := cfg.Trust.Authority.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.Raw, cert.Raw())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Trust.Policy = "trust-me" },
			message: "oneof",
		},
		{
			name:    "pinned without authority",
			mutate:  func(c *Config) { c.Trust.Policy = PolicyPinned },
			message: "requires an authority",
		},
		{
			name: "pinned authority without source",
			mutate: func(c *Config) {
				c.Trust.Policy = PolicyPinned
				c.Trust.Authority = &Authority{Name: "empty"}
			},
			message: "no path, inline data or vault source",
		},
		{
			name: "authority with path and vault",
			mutate: func(c *Config) {
				c.Trust.Policy = PolicyPinned
				c.Trust.Authority = &Authority{Path: "/etc/ca.pem", Vault: &VaultSource{Address: "https://vault.polis.test:8200"}}
			},
			message: "mutually exclusive",
		},
		{
			name: "vault without address",
			mutate: func(c *Config) {
				c.Trust.Policy = PolicyPinned
				c.Trust.Authority = &Authority{Vault: &VaultSource{Mount: "pki"}}
			},
			message: "Address",
		},
		{
			name: "authority with path and inline",
			mutate: func(c *Config) {
				c.Trust.Policy = PolicyPinned
				c.Trust.Authority = &Authority{Path: "/etc/ca.pem", Inline: "pem"}
			},
			message: "excluded_with",
		},
		{
			name: "malformed sha256 pin",
			mutate: func(c *Config) {
				c.Trust.Policy = PolicyPinned
				c.Trust.Authority = &Authority{Inline: "pem", SHA256: "abc"}
			},
			message: "sha256_pin",
		},
		{
			name:    "everyone without opt-in",
			mutate:  func(c *Config) { c.Trust.Policy = PolicyEveryone },
			message: "allow_insecure",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			message: "Level",
		},
		{
			name:    "bad otlp endpoint",
			mutate:  func(c *Config) { c.Telemetry.OTLPEndpoint = "not an endpoint" },
			message: "hostname_port",
		},
		{
			name:    "bad entrypoint",
			mutate:  func(c *Config) { c.Admission.Entrypoint = "data.polis" },
			message: "decision_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidate_EveryoneWithOptIn(t *testing.T) {
	cfg := Default()
	cfg.Trust.Policy = " Everyone "
	cfg.Trust.AllowInsecure = true

	require.NoError(t, cfg.Validate())
	assert.Equal(t, PolicyEveryone, cfg.Trust.Policy)
}

func TestAuthority_Materialise(t *testing.T) {
	ca := trusttest.NewAuthority(t, "Checksum CA")
	caFile, _ := ca.WriteFiles(t, t.TempDir(), "ca")
	digest := sha256.Sum256(ca.CertPEM)

	a := &Authority{Path: caFile, SHA256: hex.EncodeToString(digest[:])}
	data, err := a.Materialise(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ca.CertPEM, data)

	a.SHA256 = strings.Repeat("0", 64)
	_, err = a.Materialise(context.Background())
	assert.ErrorContains(t, err, "checksum mismatch")

	missing := &Authority{Name: "missing", Path: filepath.Join(t.TempDir(), "nope.pem")}
	_, err = missing.Certificate(context.Background())
	assert.ErrorContains(t, err, "authority missing: read")

	garbage := &Authority{Name: "garbage", Inline: "not a certificate"}
	_, err = garbage.Certificate(context.Background())
	assert.ErrorIs(t, err, trust.ErrParse)
}

func TestTrustConfig_Apply(t *testing.T) {
	ctx := context.Background()
	ca := trusttest.NewAuthority(t, "Applied CA")
	m := trust.NewManager(trust.WithLogger(quietLogger()))

	system := TrustConfig{Policy: PolicySystem}
	require.NoError(t, system.Apply(ctx, m))

	pinned := TrustConfig{Policy: PolicyPinned, Authority: &Authority{Inline: string(ca.CertPEM)}}
	require.NoError(t, pinned.Apply(ctx, m))
	assert.Equal(t, trust.KindPinned, m.Current().Kind)

	assert.ErrorIs(t, system.Apply(ctx, m), ErrSystemDefaultUnreachable)
	assert.Equal(t, trust.KindPinned, m.Current().Kind)

	refused := TrustConfig{Policy: PolicyEveryone}
	assert.Error(t, refused.Apply(ctx, m))
	assert.Equal(t, trust.KindPinned, m.Current().Kind)

	everyone := TrustConfig{Policy: PolicyEveryone, AllowInsecure: true}
	require.NoError(t, everyone.Apply(ctx, m))
	assert.Equal(t, trust.KindEveryone, m.Current().Kind)

	known := TrustConfig{Policy: PolicyKnownService}
	require.NoError(t, known.Apply(ctx, m))
	embedded, err := trust.KnownServiceCertificate()
	require.NoError(t, err)
	assert.Equal(t, embedded.Identity(), m.Current().Identity())
}

func TestConfig_ManagerOptionsInstallsGuard(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Admission = AdmissionConfig{Enabled: true, Environment: "production"}
	cfg.Trust = TrustConfig{Policy: PolicyEveryone, AllowInsecure: true}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.ManagerOptions(ctx, quietLogger())
	require.NoError(t, err)
	m := trust.NewManager(opts...)

	err = cfg.Trust.Apply(ctx, m)
	assert.ErrorIs(t, err, trust.ErrAdmission)
	assert.Equal(t, trust.KindSystemDefault, m.Current().Kind)
}

func TestConfig_ManagerOptionsCustomPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "freeze.rego")
	require.NoError(t, os.WriteFile(policyFile, []byte("package freeze\n\ndecision := {\"action\": \"block\", \"reason\": \"change freeze\"}\n"), 0o600))

	cfg := Default()
	cfg.Admission = AdmissionConfig{Enabled: true, PolicyFile: policyFile, Entrypoint: "freeze/decision"}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.ManagerOptions(context.Background(), quietLogger())
	require.NoError(t, err)
	m := trust.NewManager(opts...)

	err = m.TrustAuthority(context.Background(), mustCert(t, trusttest.NewAuthority(t, "Frozen CA")))
	assert.ErrorIs(t, err, trust.ErrAdmission)
	assert.Contains(t, err.Error(), "change freeze")
}

func mustCert(t *testing.T, issued *trusttest.Issued) *trust.Certificate {
	t.Helper()
	cert, err := trust.Load(issued.CertPEM)
	require.NoError(t, err)
	return cert
}
