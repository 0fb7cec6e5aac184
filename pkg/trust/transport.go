package trust

import (
	"net/http"
)

// RoundTripper returns an http.RoundTripper that resolves the Manager's
// effective factory on every request. Requests already in flight keep the
// factory they started with.
func (m *Manager) RoundTripper() http.RoundTripper {
	return &policyTransport{manager: m}
}

type policyTransport struct {
	manager *Manager
}

func (t *policyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.manager.Factory().Transport().RoundTrip(req)
}

// CloseIdleConnections closes idle connections of the effective factory's
// transport.
func (t *policyTransport) CloseIdleConnections() {
	t.manager.Factory().Transport().CloseIdleConnections()
}

// HTTPClient returns a client whose transport follows the Manager's policy.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: m.RoundTripper()}
}
