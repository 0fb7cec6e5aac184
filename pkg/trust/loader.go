package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

const (
	pemCertificateType = "CERTIFICATE"

	// DefaultCharset is used by LoadString when no charset is given.
	DefaultCharset = "UTF-8"
)

type loadOptions struct {
	format  Format
	charset string
}

// LoadOption configures certificate loading.
type LoadOption func(*loadOptions)

// WithFormat overrides the certificate format. FormatX509 is the default.
func WithFormat(format Format) LoadOption {
	return func(o *loadOptions) {
		o.format = format
	}
}

// WithCharset sets the character encoding LoadString uses to turn text into
// bytes. Names are resolved against the IANA registry.
func WithCharset(charset string) LoadOption {
	return func(o *loadOptions) {
		o.charset = charset
	}
}

func resolveLoadOptions(opts []LoadOption) loadOptions {
	o := loadOptions{format: FormatX509, charset: DefaultCharset}
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(string(o.format)) == "" {
		o.format = FormatX509
	}
	if strings.TrimSpace(o.charset) == "" {
		o.charset = DefaultCharset
	}
	return o
}

// Load parses a certificate from raw bytes.
func Load(data []byte, opts ...LoadOption) (*Certificate, error) {
	o := resolveLoadOptions(opts)
	return parse(data, o.format)
}

// LoadString parses a certificate from text, typically a compiled-in PEM
// constant. The text is converted to bytes with the configured charset.
func LoadString(text string, opts ...LoadOption) (*Certificate, error) {
	o := resolveLoadOptions(opts)
	data, err := encodeText(text, o.charset)
	if err != nil {
		return nil, err
	}
	return parse(data, o.format)
}

// LoadReader consumes r until EOF and parses the result. r is not closed.
// There is no timeout: deadlines belong to the reader.
func LoadReader(r io.Reader, opts ...LoadOption) (*Certificate, error) {
	o := resolveLoadOptions(opts)
	if r == nil {
		return nil, newParseError(o.format, "certificate stream is nil", nil)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newParseError(o.format, "read certificate stream", err)
	}
	return parse(data, o.format)
}

func encodeText(text, charset string) ([]byte, error) {
	if isUTF8(charset) {
		return []byte(text), nil
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, newEncodingError(charset, err)
	}
	if enc == nil {
		return nil, newEncodingError(charset, fmt.Errorf("charset %q is registered but not supported", charset))
	}

	out, err := enc.NewEncoder().String(text)
	if err != nil {
		return nil, newEncodingError(charset, err)
	}
	return []byte(out), nil
}

func isUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "utf-8", "utf8":
		return true
	}
	return false
}

func parse(data []byte, format Format) (*Certificate, error) {
	if format != FormatX509 {
		return nil, newParseError(format, "unsupported certificate format", nil)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newParseError(format, "certificate data is empty", nil)
	}

	der, err := certificateDER(data, format)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newParseError(format, "parse certificate", err)
	}
	return newCertificate(format, cert), nil
}

// certificateDER returns the DER bytes of the first CERTIFICATE block when the
// input is PEM, or the input itself when it is not.
func certificateDER(data []byte, format Format) ([]byte, error) {
	rest := data
	sawBlock := false
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawBlock = true
		if block.Type == pemCertificateType {
			return block.Bytes, nil
		}
	}

	if sawBlock {
		return nil, newParseError(format, "no CERTIFICATE block in PEM data", nil)
	}
	return data, nil
}
