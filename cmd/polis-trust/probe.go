package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/polisai/polis-trust/pkg/trust"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Complete a TLS handshake under the configured trust policy",
		Long: `Dial host:port through the effective connection factory and report the
negotiated TLS parameters. With --grpc the standard gRPC health service is
called over the same trust policy instead.`,
		Args: cobra.ExactArgs(1),
		RunE: runProbe,
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "Handshake timeout")
	cmd.Flags().Bool("grpc", false, "Call grpc.health.v1.Health/Check instead of a bare handshake")
	cmd.Flags().String("service", "", "Service name for the gRPC health check")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("failed to get timeout flag: %w", err)
	}
	useGRPC, err := flags.GetBool("grpc")
	if err != nil {
		return fmt.Errorf("failed to get grpc flag: %w", err)
	}
	service, err := flags.GetString("service")
	if err != nil {
		return fmt.Errorf("failed to get service flag: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := setupRuntime(ctx, cmd)
	if err != nil {
		return err
	}

	addr := args[0]
	factory := rt.manager.Factory()
	if useGRPC {
		return probeGRPC(ctx, cmd.OutOrStdout(), rt, factory, addr, service)
	}

	conn, err := factory.DialContext(ctx, "tcp", addr)
	if err != nil {
		rt.logger.Error("Handshake failed", "address", addr, "policy", factory.Kind().String(), "error", err)
		return fmt.Errorf("handshake with %s failed under %s policy: %w", addr, factory.Kind(), err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s policy=%s factory=%s", color.GreenString("OK"), addr, factory.Kind(), factory.ID())
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		fmt.Fprintf(out, " version=%s cipher=%s", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
		if len(state.PeerCertificates) > 0 {
			fmt.Fprintf(out, " peer=%q", state.PeerCertificates[0].Subject.String())
		}
	}
	fmt.Fprintln(out)
	return nil
}

func probeGRPC(ctx context.Context, out io.Writer, rt *runtime, factory *trust.ConnectionFactory, addr, service string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(factory.GRPCCredentials(host)),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("grpc client for %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		rt.logger.Error("Health check failed", "address", addr, "policy", factory.Kind().String(), "error", err)
		return fmt.Errorf("health check of %s failed under %s policy: %w", addr, factory.Kind(), err)
	}

	status := resp.GetStatus()
	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check of %s: service %q is %s", addr, service, status)
	}
	fmt.Fprintf(out, "%s %s policy=%s factory=%s grpc=%s\n", color.GreenString("OK"), addr, factory.Kind(), factory.ID(), status)
	return nil
}
