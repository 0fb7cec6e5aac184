package trust

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-trust/pkg/trust"

// knownServiceExpiryWarning is how close to expiry the pinned known-service
// certificate may get before every pin logs a warning.
const knownServiceExpiryWarning = 30 * 24 * time.Hour

// Kind is the tag of a trust policy.
type Kind int

const (
	// KindUnconfigured is the zero value. A Manager never reports it.
	KindUnconfigured Kind = iota
	// KindSystemDefault defers to the platform root store.
	KindSystemDefault
	// KindPinned trusts exactly one authority and nothing else.
	KindPinned
	// KindEveryone disables chain and hostname verification.
	KindEveryone
)

func (k Kind) String() string {
	switch k {
	case KindSystemDefault:
		return "system"
	case KindPinned:
		return "pinned"
	case KindEveryone:
		return "everyone"
	default:
		return "unconfigured"
	}
}

// Policy is the effective trust decision. Certificate is set only for
// KindPinned.
type Policy struct {
	Kind        Kind
	Certificate *Certificate
}

// Identity returns the pinned certificate identity, or "".
func (p Policy) Identity() string {
	if p.Certificate == nil {
		return ""
	}
	return p.Certificate.Identity()
}

// AdmissionRequest describes a policy change awaiting admission.
type AdmissionRequest struct {
	Requested   Policy
	Previous    Policy
	RequestedAt time.Time
}

// Guard may veto a policy change before it is published. It is also
// consulted when the effective policy is applied again, with Previous equal
// to Requested.
type Guard interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

type state struct {
	policy  Policy
	factory *ConnectionFactory
}

// Manager holds the effective trust policy and its connection factory. A new
// Manager starts in KindSystemDefault. There is deliberately no way back to
// that state other than creating a new Manager.
type Manager struct {
	current atomic.Pointer[state]

	logger       *EventLogger
	guard        Guard
	knownService *Certificate
	factoryOpts  []FactoryOption
	tracer       trace.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for policy events.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = NewEventLogger(logger)
	}
}

// WithGuard installs an admission guard consulted before every change.
func WithGuard(g Guard) ManagerOption {
	return func(m *Manager) {
		m.guard = g
	}
}

// WithKnownServiceCertificate replaces the embedded certificate used by
// TrustKnownService.
func WithKnownServiceCertificate(cert *Certificate) ManagerOption {
	return func(m *Manager) {
		m.knownService = cert
	}
}

// WithFactoryOptions passes options to every factory the Manager builds.
func WithFactoryOptions(opts ...FactoryOption) ManagerOption {
	return func(m *Manager) {
		m.factoryOpts = append(m.factoryOpts, opts...)
	}
}

// NewManager returns a Manager in KindSystemDefault.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: NewEventLogger(nil),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&state{
		policy:  Policy{Kind: KindSystemDefault},
		factory: SystemDefaultFactory(),
	})
	return m
}

// Current returns the effective policy.
func (m *Manager) Current() Policy {
	return m.current.Load().policy
}

// Factory returns the effective connection factory.
func (m *Manager) Factory() *ConnectionFactory {
	return m.current.Load().factory
}

// snapshot returns policy and factory from the same publication.
func (m *Manager) snapshot() (Policy, *ConnectionFactory) {
	s := m.current.Load()
	return s.policy, s.factory
}

// DialContext dials through the factory effective at call time.
func (m *Manager) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return m.Factory().DialContext(ctx, network, addr)
}

// TrustAuthority makes cert the only trusted authority. On failure the
// previous policy stays in effect.
func (m *Manager) TrustAuthority(ctx context.Context, cert *Certificate) error {
	requested := Policy{Kind: KindPinned, Certificate: cert}
	return m.apply(ctx, requested, func() (*ConnectionFactory, error) {
		tmf, err := BuildSingle(cert, DefaultEntryName)
		if err != nil {
			return nil, err
		}
		return BuildFromTrustManagers(tmf, m.factoryOpts...)
	})
}

// TrustKnownService pins the known-service certificate: the embedded one
// unless WithKnownServiceCertificate replaced it.
func (m *Manager) TrustKnownService(ctx context.Context) error {
	cert := m.knownService
	if cert == nil {
		var err error
		cert, err = KnownServiceCertificate()
		if err != nil {
			m.logger.LogPolicyRejected(ctx, KindPinned, err)
			recordPolicyFailure(ctx, KindPinned, err)
			return err
		}
	}
	if cert.empty() {
		err := newParseError(FormatX509, "known-service certificate is empty", nil)
		m.logger.LogPolicyRejected(ctx, KindPinned, err)
		recordPolicyFailure(ctx, KindPinned, err)
		return err
	}
	if cert.ExpiresWithin(time.Now(), knownServiceExpiryWarning) {
		m.logger.LogKnownServiceExpiry(ctx, cert)
	}
	return m.TrustAuthority(ctx, cert)
}

// InsecureTrustEveryone disables chain and hostname verification for every
// connection using the effective factory. Never use it outside development.
func (m *Manager) InsecureTrustEveryone(ctx context.Context) error {
	return m.apply(ctx, Policy{Kind: KindEveryone}, func() (*ConnectionFactory, error) {
		return BuildInsecureTrustEveryone(m.factoryOpts...)
	})
}

func (m *Manager) apply(ctx context.Context, requested Policy, build func() (*ConnectionFactory, error)) error {
	ctx, span := m.tracer.Start(ctx, "trust.apply_policy",
		trace.WithAttributes(
			attribute.String("trust.policy", requested.Kind.String()),
			attribute.String("trust.certificate.identity", requested.Identity()),
		))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.LogPolicyRejected(ctx, requested.Kind, err)
		recordPolicyFailure(ctx, requested.Kind, err)
		return err
	}

	previous, previousFactory := m.snapshot()

	// The guard also rules on re-applying the effective policy.
	if samePolicy(previous, requested) {
		if err := m.admit(ctx, previous, requested); err != nil {
			return fail(err)
		}
		m.logger.LogPolicyUnchanged(ctx, previous)
		return nil
	}

	factory, err := build()
	if err != nil {
		return fail(err)
	}
	if err := m.admit(ctx, previous, requested); err != nil {
		return fail(err)
	}

	m.current.Store(&state{policy: requested, factory: factory})
	previousFactory.CloseIdleConnections()

	span.SetAttributes(attribute.String("trust.factory.id", factory.ID()))
	m.logger.LogPolicyApplied(ctx, previous, requested, factory)
	recordPolicyChange(ctx, requested)
	return nil
}

func (m *Manager) admit(ctx context.Context, previous, requested Policy) error {
	if m.guard == nil {
		return nil
	}
	req := AdmissionRequest{Requested: requested, Previous: previous, RequestedAt: time.Now()}
	if err := m.guard.Admit(ctx, req); err != nil {
		if KindOf(err) == "" {
			err = newError(KindAdmission, "trust policy "+requested.Kind.String()+" refused", err)
		}
		return err
	}
	return nil
}

func samePolicy(a, b Policy) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindPinned {
		return a.Certificate.Equal(b.Certificate)
	}
	return true
}
