package trust

import (
	_ "embed"
)

// knownServiceCA is the certificate authority of the Polis hosted service.
// It is refreshed by shipping a new build; there is no runtime rotation.
//
//go:embed certs/known_service_ca.pem
var knownServiceCA string

// KnownServiceCertificatePEM returns the embedded known-service CA.
func KnownServiceCertificatePEM() string {
	return knownServiceCA
}

// KnownServiceCertificate parses the embedded known-service CA.
func KnownServiceCertificate() (*Certificate, error) {
	return LoadString(knownServiceCA)
}
