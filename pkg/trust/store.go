package trust

import (
	"crypto/x509"
	"slices"
	"strings"
)

const (
	// DefaultEntryName is the alias BuildSingle uses when none is given.
	DefaultEntryName = "ca"

	// AlgorithmPKIX names the only trust decision algorithm: standard chain
	// building against the store's certificates.
	AlgorithmPKIX = "PKIX"
)

// TrustStore is an in-memory alias to certificate map. It is a short-lived
// construction artifact and is not safe for concurrent mutation.
type TrustStore struct {
	entries map[string]*Certificate
	order   []string
}

// NewTrustStore returns an empty store with no backing file and no password.
func NewTrustStore() *TrustStore {
	return &TrustStore{entries: make(map[string]*Certificate)}
}

// SetCertificateEntry stores cert as a trusted entry under name, replacing any
// previous entry with the same name.
func (s *TrustStore) SetCertificateEntry(name string, cert *Certificate) error {
	if strings.TrimSpace(name) == "" {
		return newStoreError("trust store entry name is empty", nil)
	}
	if cert.empty() {
		return newParseError(FormatX509, "trust store entry is not a certificate", nil).
			WithContext("entry", name)
	}
	if _, exists := s.entries[name]; !exists {
		s.order = append(s.order, name)
	}
	s.entries[name] = cert
	return nil
}

// Certificate returns the certificate stored under name.
func (s *TrustStore) Certificate(name string) (*Certificate, bool) {
	c, ok := s.entries[name]
	return c, ok
}

// Aliases returns entry names in insertion order.
func (s *TrustStore) Aliases() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of entries.
func (s *TrustStore) Len() int {
	return len(s.entries)
}

// TrustManagerFactory is derived from exactly one TrustStore and trusts
// exactly the certificates that store held when it was built. The platform
// roots are never added.
type TrustManagerFactory struct {
	algorithm string
	pool      *x509.CertPool
	issuers   []*Certificate
	managers  []TrustManager
}

// NewTrustManagerFactory derives a factory from store.
func NewTrustManagerFactory(store *TrustStore) (*TrustManagerFactory, error) {
	if store == nil || store.entries == nil {
		return nil, newStoreError("trust store is not initialised", nil)
	}

	pool := x509.NewCertPool()
	issuers := make([]*Certificate, 0, len(store.order))
	for _, name := range store.order {
		cert := store.entries[name]
		pool.AddCert(cert.cert)
		issuers = append(issuers, cert)
	}

	return &TrustManagerFactory{
		algorithm: AlgorithmPKIX,
		pool:      pool,
		issuers:   issuers,
		managers:  []TrustManager{newPoolTrustManager(pool, issuers)},
	}, nil
}

// Build assembles a fresh store from entries and derives its factory.
func Build(entries map[string]*Certificate) (*TrustManagerFactory, error) {
	store := NewTrustStore()
	for _, name := range sortedNames(entries) {
		if err := store.SetCertificateEntry(name, entries[name]); err != nil {
			return nil, err
		}
	}
	return NewTrustManagerFactory(store)
}

// BuildSingle is Build for the common single authority case. An empty
// entryName selects DefaultEntryName.
func BuildSingle(cert *Certificate, entryName string) (*TrustManagerFactory, error) {
	if strings.TrimSpace(entryName) == "" {
		entryName = DefaultEntryName
	}
	return Build(map[string]*Certificate{entryName: cert})
}

// Algorithm returns the trust decision algorithm name.
func (f *TrustManagerFactory) Algorithm() string { return f.algorithm }

// TrustManagers returns the managers enforcing this factory's decision.
func (f *TrustManagerFactory) TrustManagers() []TrustManager {
	return append([]TrustManager(nil), f.managers...)
}

// AcceptedIssuers returns the trusted certificates.
func (f *TrustManagerFactory) AcceptedIssuers() []*Certificate {
	return append([]*Certificate(nil), f.issuers...)
}

// Identities returns the identities of the trusted certificates.
func (f *TrustManagerFactory) Identities() []string {
	ids := make([]string, 0, len(f.issuers))
	for _, c := range f.issuers {
		ids = append(ids, c.Identity())
	}
	return ids
}

func sortedNames(entries map[string]*Certificate) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
