package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// Handshake-time verification failures. These are not configuration errors
// and are returned as-is to the transport.
var (
	ErrEmptyChain       = errors.New("trust: peer presented no certificates")
	ErrChainNotTrusted  = errors.New("trust: certificate chain not trusted")
	ErrHostnameMismatch = errors.New("trust: hostname does not match certificate")
)

// TrustManager decides whether a presented certificate chain is acceptable.
// Chains are ordered leaf first.
type TrustManager interface {
	CheckServerTrusted(chain []*x509.Certificate, serverName string) error
	CheckClientTrusted(chain []*x509.Certificate) error
	AcceptedIssuers() []*Certificate
}

// HostnameVerifier decides whether a leaf certificate may speak for hostname.
type HostnameVerifier interface {
	Verify(hostname string, leaf *x509.Certificate) error
}

type poolTrustManager struct {
	roots   *x509.CertPool
	issuers []*Certificate
}

func newPoolTrustManager(roots *x509.CertPool, issuers []*Certificate) *poolTrustManager {
	return &poolTrustManager{roots: roots, issuers: issuers}
}

// CheckServerTrusted verifies the chain terminates at a trusted certificate.
// Hostname checks are the HostnameVerifier's job; serverName is only used to
// annotate errors.
func (m *poolTrustManager) CheckServerTrusted(chain []*x509.Certificate, serverName string) error {
	if err := m.verify(chain, x509.ExtKeyUsageServerAuth); err != nil {
		if serverName != "" {
			return fmt.Errorf("%w (server %s)", err, serverName)
		}
		return err
	}
	return nil
}

func (m *poolTrustManager) CheckClientTrusted(chain []*x509.Certificate) error {
	return m.verify(chain, x509.ExtKeyUsageClientAuth)
}

func (m *poolTrustManager) AcceptedIssuers() []*Certificate {
	return append([]*Certificate(nil), m.issuers...)
}

func (m *poolTrustManager) verify(chain []*x509.Certificate, usage x509.ExtKeyUsage) error {
	if len(chain) == 0 || chain[0] == nil {
		return ErrEmptyChain
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		if c != nil {
			intermediates.AddCert(c)
		}
	}

	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         m.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChainNotTrusted, err)
	}
	return nil
}

// strictHostnameVerifier applies the standard RFC 6125 name checks.
type strictHostnameVerifier struct{}

func (strictHostnameVerifier) Verify(hostname string, leaf *x509.Certificate) error {
	if leaf == nil {
		return ErrEmptyChain
	}
	if err := leaf.VerifyHostname(hostname); err != nil {
		return fmt.Errorf("%w: %w", ErrHostnameMismatch, err)
	}
	return nil
}

// StrictHostnameVerifier returns the standard hostname verifier.
func StrictHostnameVerifier() HostnameVerifier { return strictHostnameVerifier{} }

// insecureAcceptAllTrustManager accepts every chain, including an empty one.
type insecureAcceptAllTrustManager struct{}

func (insecureAcceptAllTrustManager) CheckServerTrusted([]*x509.Certificate, string) error {
	return nil
}

func (insecureAcceptAllTrustManager) CheckClientTrusted([]*x509.Certificate) error { return nil }

func (insecureAcceptAllTrustManager) AcceptedIssuers() []*Certificate { return nil }

// insecureAcceptAllHostnameVerifier accepts every hostname.
type insecureAcceptAllHostnameVerifier struct{}

func (insecureAcceptAllHostnameVerifier) Verify(string, *x509.Certificate) error { return nil }
