package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-trust/pkg/trust"
)

// certificateInfo is the printable summary of a certificate
type certificateInfo struct {
	Identity     string    `json:"identity"`
	Format       string    `json:"format"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	IsCA         bool      `json:"is_ca"`
	DNSNames     []string  `json:"dns_names,omitempty"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file|-]",
		Short: "Print the identity and validity of a certificate",
		Long: `Parse a PEM or DER certificate and print the identity used as its trust
store key together with subject, issuer, serial number and validity.

Reads standard input when the file is "-" or omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().StringP("output", "o", "text", "Output format (text, json)")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}

	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to open certificate: %w", err)
		}
		defer f.Close()
		r = f
	}

	cert, err := trust.LoadReader(r)
	if err != nil {
		return err
	}

	info := certificateInfo{
		Identity:     cert.Identity(),
		Format:       string(cert.Format()),
		Subject:      cert.Subject(),
		Issuer:       cert.Issuer(),
		SerialNumber: cert.SerialNumber().Text(16),
		NotBefore:    cert.NotBefore().UTC(),
		NotAfter:     cert.NotAfter().UTC(),
		IsCA:         cert.IsCA(),
		DNSNames:     cert.X509().DNSNames,
	}

	out := cmd.OutOrStdout()
	switch output {
	case "json":
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("encode certificate: %w", err)
		}
		formatter := prettyjson.NewFormatter()
		formatter.DisabledColor = color.NoColor
		pretty, err := formatter.Format(data)
		if err != nil {
			return fmt.Errorf("format certificate: %w", err)
		}
		fmt.Fprintf(out, "%s\n", pretty)
		return nil
	case "text":
		fmt.Fprintf(out, "Identity:      %s\n", info.Identity)
		fmt.Fprintf(out, "Format:        %s\n", info.Format)
		fmt.Fprintf(out, "Subject:       %s\n", info.Subject)
		fmt.Fprintf(out, "Issuer:        %s\n", info.Issuer)
		fmt.Fprintf(out, "Serial number: %s\n", info.SerialNumber)
		fmt.Fprintf(out, "Not before:    %s\n", info.NotBefore.Format(time.RFC3339))
		notAfter := info.NotAfter.Format(time.RFC3339)
		if time.Now().After(info.NotAfter) {
			notAfter = color.RedString("%s (expired)", notAfter)
		}
		fmt.Fprintf(out, "Not after:     %s\n", notAfter)
		fmt.Fprintf(out, "CA:            %t\n", info.IsCA)
		for _, name := range info.DNSNames {
			fmt.Fprintf(out, "DNS name:      %s\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
}
