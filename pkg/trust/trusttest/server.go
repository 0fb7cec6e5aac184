package trusttest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Greeting is written by StartTLSServer after a completed handshake.
const Greeting = "hello from trusttest\n"

// StartTLSServer listens on loopback, presents cert and writes Greeting to
// every client that completes a handshake. It returns the listen address.
func StartTLSServer(t testing.TB, cert *Issued) string {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert.TLSCertificate()},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go serveGreeting(conn)
		}
	}()

	return ln.Addr().String()
}

func serveGreeting(conn net.Conn) {
	defer conn.Close()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	_, _ = io.WriteString(tlsConn, Greeting)
}

// StartHTTPSServer starts an HTTPS server presenting cert that answers every
// request with 200 and body "ok".
func StartHTTPSServer(t testing.TB, cert *Issued) *httptest.Server {
	t.Helper()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert.TLSCertificate()},
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

// StartGRPCServer starts a gRPC server presenting cert with the standard
// health service registered. The overall status and every name in services
// report SERVING. It returns the listen address.
func StartGRPCServer(t testing.TB, cert *Issued, services ...string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	creds := credentials.NewTLS(&tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert.TLSCertificate()},
	})
	srv := grpc.NewServer(grpc.Creds(creds))

	hs := health.NewServer()
	for _, name := range services {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	return ln.Addr().String()
}
