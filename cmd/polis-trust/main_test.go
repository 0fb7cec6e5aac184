package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-trust/pkg/trust"
	"github.com/polisai/polis-trust/pkg/trust/trusttest"
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

// execute runs the CLI with args and returns stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
	prevManager := trust.Default()
	prevLogger := slog.Default()
	prevNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		trust.SetDefault(prevManager)
		slog.SetDefault(prevLogger)
		color.NoColor = prevNoColor
	})

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInspect(t *testing.T) {
	ca := trusttest.NewAuthority(t, "Inspected CA")
	caFile, _ := ca.WriteFiles(t, t.TempDir(), "ca")
	cert, err := trust.Load(ca.CertPEM)
	require.NoError(t, err)

	t.Run("json from file", func(t *testing.T) {
		out, _, err := execute(t, "", "inspect", caFile, "--output", "json")
		require.NoError(t, err)

		var info certificateInfo
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, cert.Identity(), info.Identity)
		assert.Equal(t, "X.509", info.Format)
		assert.True(t, info.IsCA)
		assert.Contains(t, info.Subject, "Inspected CA")
	})

	t.Run("text from stdin", func(t *testing.T) {
		out, _, err := execute(t, string(ca.CertPEM), "inspect", "-")
		require.NoError(t, err)
		assert.Contains(t, out, "Identity:      "+cert.Identity())
		assert.Contains(t, out, "CA:            true")
	})

	t.Run("malformed input", func(t *testing.T) {
		_, _, err := execute(t, "not a certificate", "inspect")
		assert.ErrorIs(t, err, trust.ErrParse)
	})

	t.Run("unknown output", func(t *testing.T) {
		_, _, err := execute(t, "", "inspect", caFile, "-o", "xml")
		assert.ErrorContains(t, err, "unsupported output format")
	})
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	ca := trusttest.NewAuthority(t, "Probe CA")
	caFile, _ := ca.WriteFiles(t, dir, "ca")
	addr := trusttest.StartTLSServer(t, trusttest.IssueServer(t, ca))

	t.Run("pinned authority", func(t *testing.T) {
		out, _, err := execute(t, "", "probe", addr, "--ca", caFile)
		require.NoError(t, err)
		assert.Contains(t, out, "OK "+addr+" policy=pinned")
		assert.Contains(t, out, "peer=")
	})

	t.Run("other authority is rejected", func(t *testing.T) {
		other := trusttest.NewAuthority(t, "Other CA")
		otherFile, _ := other.WriteFiles(t, dir, "other")

		_, stderr, err := execute(t, "", "probe", addr, "--ca", otherFile, "--log-format", "text")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "under pinned policy")
		assert.Contains(t, stderr, "Handshake failed")
	})

	t.Run("trust everyone", func(t *testing.T) {
		selfSigned := trusttest.StartTLSServer(t, trusttest.MustGenerate(t, trusttest.CertificateOptions{
			DNSNames: []string{"elsewhere.example"},
		}))
		out, stderr, err := execute(t, "", "probe", selfSigned, "--insecure-trust-everyone", "--log-format", "text")
		require.NoError(t, err)
		assert.Contains(t, out, "policy=everyone")
		assert.Contains(t, stderr, "DISABLED")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		_, _, err := execute(t, "", "probe", addr, "--ca", caFile, "--ca-sha256", strings.Repeat("ab", 32))
		assert.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("conflicting policy flags", func(t *testing.T) {
		_, _, err := execute(t, "", "probe", addr, "--ca", caFile, "--insecure-trust-everyone")
		assert.ErrorContains(t, err, "mutually exclusive")
	})

	t.Run("admission refuses trust everyone in production", func(t *testing.T) {
		cfgFile := filepath.Join(dir, "prod.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("admission:\n  enabled: true\n  environment: production\n"), 0o600))

		_, _, err := execute(t, "", "probe", addr, "--config", cfgFile, "--insecure-trust-everyone")
		assert.ErrorIs(t, err, trust.ErrAdmission)
	})
}

func TestProbe_GRPCHealth(t *testing.T) {
	ca := trusttest.NewAuthority(t, "gRPC CA")
	caFile, _ := ca.WriteFiles(t, t.TempDir(), "ca")
	addr := trusttest.StartGRPCServer(t, trusttest.IssueServer(t, ca), "polis.Trust")

	t.Run("serving", func(t *testing.T) {
		out, _, err := execute(t, "", "probe", addr, "--grpc", "--service", "polis.Trust", "--ca", caFile)
		require.NoError(t, err)
		assert.Contains(t, out, "OK "+addr+" policy=pinned")
		assert.Contains(t, out, "grpc=SERVING")
	})

	t.Run("unknown service", func(t *testing.T) {
		_, _, err := execute(t, "", "probe", addr, "--grpc", "--service", "polis.Missing", "--ca", caFile, "--log-format", "text")
		assert.ErrorContains(t, err, "health check of "+addr+" failed under pinned policy")
	})

	t.Run("untrusted server", func(t *testing.T) {
		other := trusttest.NewAuthority(t, "Other gRPC CA")
		otherFile, _ := other.WriteFiles(t, t.TempDir(), "other")
		_, _, err := execute(t, "", "probe", addr, "--grpc", "--ca", otherFile, "--log-format", "text")
		assert.ErrorContains(t, err, "failed under pinned policy")
	})
}

func TestFetch(t *testing.T) {
	ca := trusttest.NewAuthority(t, "Fetch CA")
	caFile, _ := ca.WriteFiles(t, t.TempDir(), "ca")
	srv := trusttest.StartHTTPSServer(t, trusttest.IssueServer(t, ca))

	out, _, err := execute(t, "", "fetch", srv.URL, "--ca", caFile)
	require.NoError(t, err)
	assert.Contains(t, out, "200 OK")
	assert.True(t, strings.HasSuffix(out, "ok"))

	_, _, err = execute(t, "", "fetch", srv.URL)
	assert.ErrorContains(t, err, "under system policy")
}

func TestWatch_RequiresConfig(t *testing.T) {
	_, _, err := execute(t, "", "watch", "--metrics-addr", "127.0.0.1:0")
	assert.ErrorContains(t, err, "requires --config")
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "polis-trust dev"))
}
