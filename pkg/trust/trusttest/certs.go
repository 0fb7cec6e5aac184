// Package trusttest generates certificate authorities, leaf certificates and
// loopback TLS servers for exercising trust policies in tests.
package trusttest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CertificateOptions contains options for generating certificates
type CertificateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	NotBefore    time.Time
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	SerialNumber *big.Int
	Parent       *Issued
}

// Issued is a generated certificate with its private key.
type Issued struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
	parent  *Issued
}

// Generate creates a certificate signed by opts.Parent, or self-signed when
// Parent is nil.
func Generate(opts CertificateOptions) (*Issued, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = nil
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}

	parentCert := &template
	var parentKey crypto.Signer = key
	if opts.Parent != nil {
		parentCert = opts.Parent.Cert
		parentKey = opts.Parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Issued{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		parent:  opts.Parent,
	}, nil
}

// MustGenerate is Generate failing the test on error.
func MustGenerate(t testing.TB, opts CertificateOptions) *Issued {
	t.Helper()
	issued, err := Generate(opts)
	if err != nil {
		t.Fatalf("generate certificate %q: %v", opts.CommonName, err)
	}
	return issued
}

// NewAuthority returns a self-signed CA valid for a day.
func NewAuthority(t testing.TB, commonName string) *Issued {
	t.Helper()
	return MustGenerate(t, CertificateOptions{
		CommonName:   commonName,
		Organization: []string{"Polis Test"},
		IsCA:         true,
	})
}

// IssueServer returns a localhost server certificate signed by ca.
func IssueServer(t testing.TB, ca *Issued, dnsNames ...string) *Issued {
	t.Helper()
	return MustGenerate(t, CertificateOptions{
		CommonName: "localhost",
		DNSNames:   dnsNames,
		Parent:     ca,
	})
}

// TLSCertificate returns the certificate and its issuers (excluding the
// self-signed root) as a tls.Certificate a server can present.
func (i *Issued) TLSCertificate() tls.Certificate {
	var chain [][]byte
	for _, c := range i.TLSCertificateChain() {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{Certificate: chain, PrivateKey: i.Key, Leaf: i.Cert}
}

// TLSCertificateChain returns the parsed leaf-first chain TLSCertificate
// presents.
func (i *Issued) TLSCertificateChain() []*x509.Certificate {
	chain := []*x509.Certificate{i.Cert}
	for p := i.parent; p != nil && p.parent != nil; p = p.parent {
		chain = append(chain, p.Cert)
	}
	return chain
}

// WriteFiles writes the certificate and key as PEM into dir and returns the paths.
func (i *Issued) WriteFiles(t testing.TB, dir, name string) (certFile, keyFile string) {
	t.Helper()
	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certFile, i.CertPEM, 0o644); err != nil {
		t.Fatalf("write certificate file: %v", err)
	}
	if err := os.WriteFile(keyFile, i.KeyPEM, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return certFile, keyFile
}
