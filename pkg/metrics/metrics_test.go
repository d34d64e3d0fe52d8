package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveVerdict_IncrementsByKindAndTier(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveVerdict("allow", 3)
	c.ObserveVerdict("allow", 3)
	c.ObserveVerdict("block", 4)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.Decisions.WithLabelValues("allow", "3")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Decisions.WithLabelValues("block", "4")))
}

func TestObserveJournal_IncrementsByAction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveJournal("intercept")
	c.ObserveJournal("intercept")
	c.ObserveJournal("complete")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.JournalEntriesTotal.WithLabelValues("intercept")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.JournalEntriesTotal.WithLabelValues("complete")))
}

func TestNew_RegistersAllCollectorsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		New(reg)
	})
}
