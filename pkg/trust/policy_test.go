package trust

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/polisai/polis-trust/pkg/trust/trusttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type guardFunc func(ctx context.Context, req AdmissionRequest) error

func (f guardFunc) Admit(ctx context.Context, req AdmissionRequest) error { return f(ctx, req) }

func TestNewManager_StartsWithSystemDefault(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))

	assert.Equal(t, KindSystemDefault, m.Current().Kind)
	assert.Nil(t, m.Current().Certificate)
	assert.Equal(t, KindSystemDefault, m.Factory().Kind())
}

func TestManager_TrustAuthority(t *testing.T) {
	ctx := context.Background()
	ca := trusttest.NewAuthority(t, "Manager CA")
	cert := mustLoad(t, ca)
	m := NewManager(WithLogger(quietLogger()))

	require.NoError(t, m.TrustAuthority(ctx, cert))

	p := m.Current()
	assert.Equal(t, KindPinned, p.Kind)
	assert.Equal(t, cert.Identity(), p.Identity())
	assert.Equal(t, KindPinned, m.Factory().Kind())
	assert.Equal(t, []string{cert.Identity()}, m.Factory().Identities())

	addr := trusttest.StartTLSServer(t, trusttest.IssueServer(t, ca))
	conn, err := m.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestManager_TrustAuthorityIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ca := trusttest.NewAuthority(t, "Idempotent CA")
	m := NewManager(WithLogger(quietLogger()))

	require.NoError(t, m.TrustAuthority(ctx, mustLoad(t, ca)))
	first := m.Factory()

	// A separately parsed copy of the same certificate is the same policy.
	require.NoError(t, m.TrustAuthority(ctx, mustLoad(t, ca)))
	assert.Same(t, first, m.Factory())

	other := mustLoad(t, trusttest.NewAuthority(t, "Replacement CA"))
	require.NoError(t, m.TrustAuthority(ctx, other))
	assert.NotEqual(t, first.ID(), m.Factory().ID())
	assert.Equal(t, other.Identity(), m.Current().Identity())
}

func TestManager_FailedChangeKeepsPreviousPolicy(t *testing.T) {
	ctx := context.Background()
	ca := mustLoad(t, trusttest.NewAuthority(t, "Kept CA"))

	m := NewManager(WithLogger(quietLogger()))
	require.NoError(t, m.TrustAuthority(ctx, ca))
	before := m.Factory()

	err := m.TrustAuthority(ctx, nil)
	assert.ErrorIs(t, err, ErrParse)
	assert.Same(t, before, m.Factory())
	assert.Equal(t, ca.Identity(), m.Current().Identity())

	broken := NewManager(WithLogger(quietLogger()), WithFactoryOptions(WithRandom(brokenRandom{})))
	err = broken.TrustAuthority(ctx, ca)
	assert.ErrorIs(t, err, ErrTLSInit)
	assert.Equal(t, KindSystemDefault, broken.Current().Kind)

	err = broken.InsecureTrustEveryone(ctx)
	assert.ErrorIs(t, err, ErrTLSInit)
	assert.Equal(t, KindSystemDefault, broken.Current().Kind)
}

func TestManager_GuardVeto(t *testing.T) {
	ctx := context.Background()
	var seen []AdmissionRequest

	guard := guardFunc(func(_ context.Context, req AdmissionRequest) error {
		seen = append(seen, req)
		if req.Requested.Kind == KindEveryone {
			return errors.New("not in production")
		}
		return nil
	})
	m := NewManager(WithLogger(quietLogger()), WithGuard(guard))

	err := m.InsecureTrustEveryone(ctx)
	assert.ErrorIs(t, err, ErrAdmission)
	assert.Contains(t, err.Error(), "not in production")
	assert.Equal(t, KindSystemDefault, m.Current().Kind)

	cert := mustLoad(t, trusttest.NewAuthority(t, "Admitted CA"))
	require.NoError(t, m.TrustAuthority(ctx, cert))
	assert.Equal(t, KindPinned, m.Current().Kind)

	require.Len(t, seen, 2)
	assert.Equal(t, KindSystemDefault, seen[1].Previous.Kind)
	assert.Equal(t, cert.Identity(), seen[1].Requested.Identity())
	assert.False(t, seen[1].RequestedAt.IsZero())
}

func TestManager_GuardErrorKindIsPreserved(t *testing.T) {
	guard := guardFunc(func(_ context.Context, req AdmissionRequest) error {
		return NewAdmissionError(req.Requested.Kind, "frozen")
	})
	m := NewManager(WithLogger(quietLogger()), WithGuard(guard))

	err := m.InsecureTrustEveryone(context.Background())
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "frozen", tErr.Context["reason"])
}

func TestManager_GuardConsultedWhenPolicyIsReapplied(t *testing.T) {
	ctx := context.Background()
	cert := mustLoad(t, trusttest.NewAuthority(t, "Reapplied CA"))

	var seen []AdmissionRequest
	blocked := false
	guard := guardFunc(func(_ context.Context, req AdmissionRequest) error {
		seen = append(seen, req)
		if blocked {
			return errors.New("no longer admitted")
		}
		return nil
	})
	m := NewManager(WithLogger(quietLogger()), WithGuard(guard))

	require.NoError(t, m.TrustAuthority(ctx, cert))
	before := m.Factory()

	blocked = true
	err := m.TrustAuthority(ctx, cert)
	assert.ErrorIs(t, err, ErrAdmission)
	assert.Contains(t, err.Error(), "no longer admitted")
	assert.Same(t, before, m.Factory())
	assert.Equal(t, cert.Identity(), m.Current().Identity())

	require.Len(t, seen, 2)
	assert.Equal(t, cert.Identity(), seen[1].Previous.Identity())
	assert.Equal(t, cert.Identity(), seen[1].Requested.Identity())

	blocked = false
	require.NoError(t, m.InsecureTrustEveryone(ctx))
	everyone := m.Factory()

	blocked = true
	err = m.InsecureTrustEveryone(ctx)
	assert.ErrorIs(t, err, ErrAdmission)
	assert.Same(t, everyone, m.Factory())
	require.Len(t, seen, 4)
	assert.Equal(t, KindEveryone, seen[3].Previous.Kind)
}

func TestManager_TrustKnownServiceRejectsEmptyCertificate(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()), WithKnownServiceCertificate(&Certificate{}))

	err := m.TrustKnownService(context.Background())
	assert.ErrorIs(t, err, ErrParse)
	assert.Equal(t, KindSystemDefault, m.Current().Kind)
}

func TestManager_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	ca := trusttest.NewAuthority(t, "Precedence CA")
	selfSigned := trusttest.StartTLSServer(t, trusttest.MustGenerate(t, trusttest.CertificateOptions{}))

	m := NewManager(WithLogger(quietLogger()))

	require.NoError(t, m.InsecureTrustEveryone(ctx))
	assert.NoError(t, dialGreeting(t, m.Factory(), selfSigned))

	require.NoError(t, m.TrustAuthority(ctx, mustLoad(t, ca)))
	assert.Error(t, dialGreeting(t, m.Factory(), selfSigned))

	require.NoError(t, m.InsecureTrustEveryone(ctx))
	assert.Equal(t, KindEveryone, m.Current().Kind)
	assert.Nil(t, m.Current().Certificate)
}

func TestManager_InsecureTrustEveryoneLogsWarning(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	require.NoError(t, m.InsecureTrustEveryone(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "DISABLED")
	assert.Contains(t, out, "component=trust")
	assert.Contains(t, out, "policy=everyone")
}

func TestManager_TrustKnownService(t *testing.T) {
	ctx := context.Background()

	t.Run("embedded certificate", func(t *testing.T) {
		embedded, err := KnownServiceCertificate()
		require.NoError(t, err)
		assert.True(t, embedded.IsCA())

		m := NewManager(WithLogger(quietLogger()))
		require.NoError(t, m.TrustKnownService(ctx))
		assert.Equal(t, embedded.Identity(), m.Current().Identity())
	})

	t.Run("service reachable only through its authority", func(t *testing.T) {
		service := trusttest.NewAuthority(t, "Known Service CA")
		m := NewManager(
			WithLogger(quietLogger()),
			WithKnownServiceCertificate(mustLoad(t, service)),
		)
		require.NoError(t, m.TrustKnownService(ctx))

		known := trusttest.StartTLSServer(t, trusttest.IssueServer(t, service))
		assert.NoError(t, dialGreeting(t, m.Factory(), known))

		impostor := trusttest.StartTLSServer(t, trusttest.IssueServer(t, trusttest.NewAuthority(t, "Impostor CA")))
		assert.Error(t, dialGreeting(t, m.Factory(), impostor))
	})
}

// Readers must always observe a policy and factory from the same
// publication, and a dial must succeed or fail as that factory dictates.
func TestManager_ConcurrentPublishAndDial(t *testing.T) {
	ctx := context.Background()
	serving := trusttest.NewAuthority(t, "Serving CA")
	servingCert := mustLoad(t, serving)
	otherCert := mustLoad(t, trusttest.NewAuthority(t, "Other CA"))
	addr := trusttest.StartTLSServer(t, trusttest.IssueServer(t, serving))

	m := NewManager(WithLogger(quietLogger()))

	const writers, readers, rounds = 4, 8, 25
	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch (w + i) % 3 {
				case 0:
					err = m.TrustAuthority(ctx, servingCert)
				case 1:
					err = m.TrustAuthority(ctx, otherCert)
				default:
					err = m.InsecureTrustEveryone(ctx)
				}
				assert.NoError(t, err)
			}
		}(w)
	}

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				p, f := m.snapshot()
				assert.Equal(t, p.Kind, f.Kind())
				if p.Kind == KindPinned {
					assert.Equal(t, []string{p.Identity()}, f.Identities())
				}

				err := dialGreeting(t, f, addr)
				switch {
				case f.Kind() == KindEveryone:
					assert.NoError(t, err)
				case f.Kind() == KindPinned && f.Identities()[0] == servingCert.Identity():
					assert.NoError(t, err)
				default:
					assert.Error(t, err)
				}
			}
		}()
	}

	wg.Wait()
}
