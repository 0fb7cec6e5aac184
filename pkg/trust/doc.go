// Package trust decides which certificate authorities outbound TLS
// connections accept and builds the objects enforcing that decision.
//
// Certificates are loaded from text, bytes or a stream, assembled into an
// in-memory trust store, turned into a trust manager factory and finally into
// a ConnectionFactory that yields *tls.Config values, dialers, HTTP transports
// and gRPC credentials. A Manager holds the effective policy, one of
// system default, pinned authority or trust-everyone, and replaces it with a
// single atomic publish so concurrent connections never observe a partially
// applied configuration.
//
// Pinning is exclusive: a pinned authority is the only trust anchor and the
// platform roots are not consulted. Trust-everyone is only reachable through
// functions whose names start with Insecure.
package trust
