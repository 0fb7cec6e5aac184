// Package admission evaluates Rego policies that decide whether a trust
// policy change may be published.
//
// A Guard plugs into trust.WithGuard. The bundled policy refuses
// trust-everyone when the environment is "production" and refuses pinning a
// certificate that has already expired. Deployments may supply their own
// modules; the decision document must be an object with an "action" of
// "allow" or "block" and an optional "reason".
package admission
