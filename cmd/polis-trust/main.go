// Package main is the entry point for the polis-trust binary.
// It provides a CLI for inspecting certificates and exercising trust
// policies against live endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/ivanpirog/coloredcobra"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-trust/pkg/config"
	"github.com/polisai/polis-trust/pkg/logging"
	"github.com/polisai/polis-trust/pkg/trust"
)

const defaultTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-trust
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-trust",
		Short: "TLS trust policy tooling for Polis",
		Long: `Inspect certificates and apply TLS trust policies to outbound connections.

A policy comes from the configuration file, POLIS_* environment variables or
the policy flags, in increasing order of precedence:

  --ca FILE                    trust exactly the authority in FILE
  --known-service              trust exactly the bundled Polis service authority
  --insecure-trust-everyone    disable certificate and hostname verification

Example:
  polis-trust probe api.polis.example:443 --ca ./polis-ca.pem`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			noColor, err := cmd.Flags().GetBool("no-color")
			if err != nil {
				return fmt.Errorf("failed to get no-color flag: %w", err)
			}
			if noColor {
				color.NoColor = true
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (json, text, pretty)")
	flags.String("ca", "", "Pin the certificate authority in this file")
	flags.String("ca-sha256", "", "Expected SHA-256 of the --ca file")
	flags.Bool("known-service", false, "Pin the bundled known-service authority")
	flags.Bool("insecure-trust-everyone", false, "Disable certificate and hostname verification (development only)")
	flags.String("environment", "", "Deployment environment passed to the admission policy")
	flags.Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		newInspectCmd(),
		newProbeCmd(),
		newFetchCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)

	coloredcobra.Init(&coloredcobra.Config{
		RootCmd:       rootCmd,
		Headings:      coloredcobra.HiCyan + coloredcobra.Bold + coloredcobra.Underline,
		Commands:      coloredcobra.HiYellow + coloredcobra.Bold,
		Example:       coloredcobra.Italic,
		ExecName:      coloredcobra.Bold,
		Flags:         coloredcobra.Bold,
		FlagsDataType: coloredcobra.Italic,
	})

	return rootCmd
}

// runtime is what every policy-aware subcommand needs.
type runtime struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	manager    *trust.Manager
}

// CLIConfig holds the parsed policy flags
type CLIConfig struct {
	ConfigPath    string
	LogLevel      string
	LogFormat     string
	CAFile        string
	CASHA256      string
	KnownService  bool
	TrustEveryone bool
	Environment   string
}

// parseCLIConfig reads the persistent flags
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()
	cli := &CLIConfig{}

	var err error
	if cli.ConfigPath, err = flags.GetString("config"); err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if cli.LogLevel, err = flags.GetString("log-level"); err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if cli.LogFormat, err = flags.GetString("log-format"); err != nil {
		return nil, fmt.Errorf("failed to get log-format flag: %w", err)
	}
	if cli.CAFile, err = flags.GetString("ca"); err != nil {
		return nil, fmt.Errorf("failed to get ca flag: %w", err)
	}
	if cli.CASHA256, err = flags.GetString("ca-sha256"); err != nil {
		return nil, fmt.Errorf("failed to get ca-sha256 flag: %w", err)
	}
	if cli.KnownService, err = flags.GetBool("known-service"); err != nil {
		return nil, fmt.Errorf("failed to get known-service flag: %w", err)
	}
	if cli.TrustEveryone, err = flags.GetBool("insecure-trust-everyone"); err != nil {
		return nil, fmt.Errorf("failed to get insecure-trust-everyone flag: %w", err)
	}
	if cli.Environment, err = flags.GetString("environment"); err != nil {
		return nil, fmt.Errorf("failed to get environment flag: %w", err)
	}

	selected := 0
	for _, set := range []bool{cli.CAFile != "", cli.KnownService, cli.TrustEveryone} {
		if set {
			selected++
		}
	}
	if selected > 1 {
		return nil, errors.New("--ca, --known-service and --insecure-trust-everyone are mutually exclusive")
	}
	if cli.CASHA256 != "" && cli.CAFile == "" {
		return nil, errors.New("--ca-sha256 requires --ca")
	}

	return cli, nil
}

// buildConfig loads the configuration and applies flag overrides
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, err
	}

	switch {
	case cli.CAFile != "":
		cfg.Trust.Policy = config.PolicyPinned
		cfg.Trust.Authority = &config.Authority{Name: "flag", Path: cli.CAFile, SHA256: cli.CASHA256}
	case cli.KnownService:
		cfg.Trust.Policy = config.PolicyKnownService
	case cli.TrustEveryone:
		cfg.Trust.Policy = config.PolicyEveryone
		cfg.Trust.AllowInsecure = true
	}
	if cli.Environment != "" {
		cfg.Admission.Environment = cli.Environment
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setupRuntime builds the logger and a Manager with the configured policy
// applied, and installs both as process defaults.
func setupRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := buildConfig(cli)
	if err != nil {
		return nil, err
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})

	opts, err := cfg.ManagerOptions(ctx, logger)
	if err != nil {
		return nil, err
	}
	manager := trust.NewManager(opts...)
	trust.SetDefault(manager)

	if err := cfg.Trust.Apply(ctx, manager); err != nil {
		return nil, fmt.Errorf("apply trust policy %q: %w", cfg.Trust.Policy, err)
	}

	return &runtime{cfg: cfg, configPath: cli.ConfigPath, logger: logger, manager: manager}, nil
}
