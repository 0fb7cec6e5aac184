package trust

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/credentials"
)

type factoryOptions struct {
	random io.Reader
}

// FactoryOption configures connection factory construction.
type FactoryOption func(*factoryOptions)

// WithRandom replaces the secure random source handed to crypto/tls.
func WithRandom(r io.Reader) FactoryOption {
	return func(o *factoryOptions) {
		o.random = r
	}
}

func resolveFactoryOptions(opts []FactoryOption) factoryOptions {
	o := factoryOptions{random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConnectionFactory is the TLS configuration bound to one trust decision and
// one hostname policy. It never changes after construction and may be shared
// by any number of concurrent connections.
type ConnectionFactory struct {
	id               string
	kind             Kind
	trustManager     TrustManager
	hostnameVerifier HostnameVerifier
	identities       []string
	base             *tls.Config
	createdAt        time.Time

	transportMu sync.Mutex
	transport   *http.Transport
}

// BuildFromTrustManagers creates a one-way server authentication TLS context
// trusting exactly what tmf trusts. No client certificates are configured and
// the protocol version is negotiated, with TLS 1.2 as the floor.
func BuildFromTrustManagers(tmf *TrustManagerFactory, opts ...FactoryOption) (*ConnectionFactory, error) {
	if tmf == nil {
		return nil, newTLSInitError("trust manager factory is nil", nil)
	}
	managers := tmf.TrustManagers()
	if len(managers) == 0 {
		return nil, newTLSInitError("trust manager factory has no trust managers", nil)
	}

	o := resolveFactoryOptions(opts)
	if err := checkRandom(o.random); err != nil {
		return nil, err
	}

	base := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    tmf.pool,
		Rand:       o.random,
	}

	return newConnectionFactory(KindPinned, managers[0], StrictHostnameVerifier(), tmf.Identities(), base), nil
}

// BuildInsecureTrustEveryone creates a TLS context that accepts every
// certificate chain and every hostname. It removes all protection against
// man-in-the-middle attacks and exists for development only.
func BuildInsecureTrustEveryone(opts ...FactoryOption) (*ConnectionFactory, error) {
	o := resolveFactoryOptions(opts)
	if err := checkRandom(o.random); err != nil {
		return nil, err
	}

	tm := insecureAcceptAllTrustManager{}
	hv := insecureAcceptAllHostnameVerifier{}
	base := &tls.Config{
		MinVersion: tls.VersionTLS12,
		Rand:       o.random,
		// #nosec G402 -- this is the explicitly named trust-everyone policy
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyWith(tm, hv, cs.PeerCertificates, cs.ServerName)
		},
	}

	return newConnectionFactory(KindEveryone, tm, hv, nil, base), nil
}

// SystemDefaultFactory returns a factory that defers entirely to the
// platform root store and standard verification.
func SystemDefaultFactory() *ConnectionFactory {
	base := &tls.Config{MinVersion: tls.VersionTLS12}
	// A nil pool makes x509 verification use the platform roots.
	return newConnectionFactory(KindSystemDefault, newPoolTrustManager(nil, nil), StrictHostnameVerifier(), nil, base)
}

func newConnectionFactory(kind Kind, tm TrustManager, hv HostnameVerifier, identities []string, base *tls.Config) *ConnectionFactory {
	return &ConnectionFactory{
		id:               uuid.NewString(),
		kind:             kind,
		trustManager:     tm,
		hostnameVerifier: hv,
		identities:       identities,
		base:             base,
		createdAt:        time.Now(),
	}
}

func checkRandom(r io.Reader) error {
	if r == nil {
		return newTLSInitError("secure random source is nil", nil)
	}
	var probe [1]byte
	if _, err := io.ReadFull(r, probe[:]); err != nil {
		return newTLSInitError("secure random source unavailable", err)
	}
	return nil
}

// ID returns the generation id assigned at construction.
func (f *ConnectionFactory) ID() string { return f.id }

// Kind returns the policy the factory enforces.
func (f *ConnectionFactory) Kind() Kind { return f.kind }

// CreatedAt returns the construction time.
func (f *ConnectionFactory) CreatedAt() time.Time { return f.createdAt }

// Identities returns the identities of the pinned certificates, if any.
func (f *ConnectionFactory) Identities() []string {
	return append([]string(nil), f.identities...)
}

// TrustManager returns the trust decision strategy.
func (f *ConnectionFactory) TrustManager() TrustManager { return f.trustManager }

// HostnameVerifier returns the hostname policy.
func (f *ConnectionFactory) HostnameVerifier() HostnameVerifier { return f.hostnameVerifier }

// TLSConfig returns a fresh client configuration for serverName. An empty
// serverName lets the caller (or net/http) fill it in per connection.
func (f *ConnectionFactory) TLSConfig(serverName string) *tls.Config {
	cfg := f.base.Clone()
	cfg.ServerName = serverName
	return cfg
}

// DialContext opens a TLS connection to addr and completes the handshake.
func (f *ConnectionFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("trust: invalid address %q: %w", addr, err)
	}
	dialer := &tls.Dialer{Config: f.TLSConfig(host)}
	return dialer.DialContext(ctx, network, addr)
}

// Transport returns an HTTP transport bound to this factory. The same
// transport is returned on every call so connections are pooled per factory.
func (f *ConnectionFactory) Transport() *http.Transport {
	f.transportMu.Lock()
	defer f.transportMu.Unlock()
	if f.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = f.TLSConfig("")
		f.transport = t
	}
	return f.transport
}

// CloseIdleConnections closes pooled connections of the factory's transport,
// if one was ever built. Connections in use are unaffected and return to a
// pool nobody reads from once the factory is retired, where they expire after
// the transport's idle timeout.
func (f *ConnectionFactory) CloseIdleConnections() {
	f.transportMu.Lock()
	t := f.transport
	f.transportMu.Unlock()
	if t != nil {
		t.CloseIdleConnections()
	}
}

// GRPCCredentials returns gRPC transport credentials bound to this factory.
func (f *ConnectionFactory) GRPCCredentials(serverName string) credentials.TransportCredentials {
	return credentials.NewTLS(f.TLSConfig(serverName))
}

// VerifyPeer applies the factory's trust manager and hostname verifier to a
// leaf-first chain outside of a handshake.
func (f *ConnectionFactory) VerifyPeer(chain []*x509.Certificate, hostname string) error {
	return verifyWith(f.trustManager, f.hostnameVerifier, chain, hostname)
}

func verifyWith(tm TrustManager, hv HostnameVerifier, chain []*x509.Certificate, hostname string) error {
	if err := tm.CheckServerTrusted(chain, hostname); err != nil {
		return err
	}
	var leaf *x509.Certificate
	if len(chain) > 0 {
		leaf = chain[0]
	}
	return hv.Verify(hostname, leaf)
}
