package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/polisai/polis-trust/pkg/admission"
	"github.com/polisai/polis-trust/pkg/trust"
)

// ErrSystemDefaultUnreachable is returned when a configuration asks for the
// system policy after another policy was applied. Only a new Manager
// restores the platform defaults.
var ErrSystemDefaultUnreachable = errors.New("config: system trust policy requires a fresh manager")

// Guard builds the admission guard, or returns nil when admission is disabled.
func (c *AdmissionConfig) Guard(ctx context.Context, logger *slog.Logger) (*admission.Guard, error) {
	if !c.Enabled {
		return nil, nil
	}

	opts := admission.Options{
		Entrypoint:  c.Entrypoint,
		Environment: c.Environment,
		Logger:      logger,
	}
	if c.PolicyFile != "" {
		path := filepath.Clean(c.PolicyFile)
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("admission policy %s: read: %w", path, err)
		}
		opts.Modules = map[string]string{filepath.Base(path): string(src)}
	}

	return admission.New(ctx, opts)
}

// ManagerOptions returns the trust.Manager options implied by the configuration.
func (c *Config) ManagerOptions(ctx context.Context, logger *slog.Logger) ([]trust.ManagerOption, error) {
	opts := []trust.ManagerOption{trust.WithLogger(logger)}

	guard, err := c.Admission.Guard(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("admission configuration: %w", err)
	}
	if guard != nil {
		opts = append(opts, trust.WithGuard(guard))
	}

	return opts, nil
}

// Apply makes the configured policy effective on m. A failure leaves m's
// current policy in place.
func (c *TrustConfig) Apply(ctx context.Context, m *trust.Manager) error {
	switch c.Policy {
	case PolicySystem:
		if m.Current().Kind != trust.KindSystemDefault {
			return ErrSystemDefaultUnreachable
		}
		return nil
	case PolicyPinned:
		if c.Authority == nil {
			return fmt.Errorf("policy %q requires an authority", c.Policy)
		}
		cert, err := c.Authority.Certificate(ctx)
		if err != nil {
			return err
		}
		return m.TrustAuthority(ctx, cert)
	case PolicyKnownService:
		return m.TrustKnownService(ctx)
	case PolicyEveryone:
		if !c.AllowInsecure {
			return fmt.Errorf("policy %q requires allow_insecure: true", c.Policy)
		}
		return m.InsecureTrustEveryone(ctx)
	default:
		return fmt.Errorf("unknown trust policy %q", c.Policy)
	}
}
