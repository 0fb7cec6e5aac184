package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-trust/pkg/telemetry"
)

const maxFetchBody = 1 << 20

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "GET a URL through the policy-aware HTTP transport",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "Request timeout")
	cmd.Flags().Bool("body", true, "Print the response body")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("failed to get timeout flag: %w", err)
	}
	printBody, err := cmd.Flags().GetBool("body")
	if err != nil {
		return fmt.Errorf("failed to get body flag: %w", err)
	}

	ctx := cmd.Context()
	rt, err := setupRuntime(ctx, cmd)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.SetupTracing(ctx, telemetry.Config{
		ServiceName: rt.cfg.Telemetry.ServiceName,
		Endpoint:    rt.cfg.Telemetry.OTLPEndpoint,
		Environment: rt.cfg.Admission.Environment,
		Insecure:    rt.cfg.Telemetry.Insecure,
	}, rt.manager.Factory())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			rt.logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	client := &http.Client{
		Transport: otelhttp.NewTransport(rt.manager.RoundTripper()),
		Timeout:   timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[0], nil)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s under %s policy: %w", args[0], rt.manager.Current().Kind, err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
	if printBody {
		if _, err := io.Copy(out, io.LimitReader(resp.Body, maxFetchBody)); err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
	}
	return nil
}
