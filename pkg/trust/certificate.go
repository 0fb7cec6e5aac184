package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"time"
)

// Format names a certificate encoding family.
type Format string

// FormatX509 is the default format. Both PEM and DER encodings are accepted.
const FormatX509 Format = "X.509"

// Certificate is an immutable parsed certificate.
type Certificate struct {
	format Format
	raw    []byte
	cert   *x509.Certificate
	id     string
}

func newCertificate(format Format, cert *x509.Certificate) *Certificate {
	raw := append([]byte(nil), cert.Raw...)
	sum := sha256.Sum256(raw)
	return &Certificate{
		format: format,
		raw:    raw,
		cert:   cert,
		id:     hex.EncodeToString(sum[:]),
	}
}

// FromX509 wraps an already parsed certificate.
func FromX509(cert *x509.Certificate) (*Certificate, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return nil, newParseError(FormatX509, "certificate is empty", nil)
	}
	// Re-parse so the value is detached from the caller's copy.
	return Load(cert.Raw)
}

// empty reports whether c was not produced by a loader.
func (c *Certificate) empty() bool { return c == nil || c.cert == nil }

// Format returns the encoding family the certificate was loaded as.
func (c *Certificate) Format() Format { return c.format }

// Raw returns a copy of the DER bytes.
func (c *Certificate) Raw() []byte { return append([]byte(nil), c.raw...) }

// Identity returns the hex SHA-256 fingerprint of the DER bytes. It is the
// stable key used to compare certificates across loads.
func (c *Certificate) Identity() string { return c.id }

// X509 returns the parsed certificate. Callers must not modify it.
func (c *Certificate) X509() *x509.Certificate { return c.cert }

// Subject returns the subject distinguished name.
func (c *Certificate) Subject() string { return c.cert.Subject.String() }

// Issuer returns the issuer distinguished name.
func (c *Certificate) Issuer() string { return c.cert.Issuer.String() }

// SerialNumber returns a copy of the serial number.
func (c *Certificate) SerialNumber() *big.Int { return new(big.Int).Set(c.cert.SerialNumber) }

// NotBefore returns the start of the validity window.
func (c *Certificate) NotBefore() time.Time { return c.cert.NotBefore }

// NotAfter returns the end of the validity window.
func (c *Certificate) NotAfter() time.Time { return c.cert.NotAfter }

// IsCA reports whether the basic constraints mark the certificate as a CA.
func (c *Certificate) IsCA() bool { return c.cert.IsCA }

// Equal reports whether both certificates carry the same DER bytes.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.raw, other.raw)
}

// PEM returns the certificate PEM encoded.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificateType, Bytes: c.raw})
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (c *Certificate) ExpiresWithin(now time.Time, d time.Duration) bool {
	return now.Add(d).After(c.cert.NotAfter)
}
