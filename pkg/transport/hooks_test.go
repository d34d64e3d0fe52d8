package transport

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gocallosum/callosum/pkg/classifier"
	"github.com/gocallosum/callosum/pkg/gate"
	"github.com/gocallosum/callosum/pkg/model"
	"github.com/gocallosum/callosum/pkg/store/file"
)

func newTestGate(t *testing.T) *gate.Gate {
	g, _ := newTestGatePair(t)
	return g
}

// newTestGatePair returns two gates, for two instances, sharing one
// store — the shape needed to exercise cross-instance conflicts.
func newTestGatePair(t *testing.T) (*gate.Gate, *gate.Gate) {
	t.Helper()
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cl, err := classifier.New(classifier.DefaultRules())
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return gate.New("alpha", st, cl, gate.DefaultConfig(), nil, log), gate.New("beta", st, cl, gate.DefaultConfig(), nil, log)
}

func TestHooks_BeforeReturnsNilOnAllow(t *testing.T) {
	hooks := NewHooks(newTestGate(t), nil)
	reason := hooks.Before("read-file", model.Params{"path": "/x"})
	require.Nil(t, reason)
}

func TestHooks_BeforeReturnsReasonOnBlock(t *testing.T) {
	alphaGate, betaGate := newTestGatePair(t)
	alpha := NewHooks(alphaGate, nil)
	beta := NewHooks(betaGate, nil)
	params := model.Params{"action": "channel-delete", "target": "general"}

	reason := alpha.Before("message", params)
	require.Nil(t, reason, "first call should be allowed")

	betaReason := beta.Before("message", params)
	require.NotNil(t, betaReason)
	require.Contains(t, *betaReason, "alpha")
}

func TestHooks_OnPersistenceErrorSilentWhenGateHealthy(t *testing.T) {
	// A hook wired to a functioning gate never reports a persistence
	// error; the journal-failure path needs a faulty store and is
	// covered directly in pkg/gate.
	var called bool
	hooks := NewHooks(newTestGate(t), func(error) { called = true })
	hooks.Before("read-file", model.Params{})
	require.False(t, called)
}
