package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("PartyA", "initiator", "signing")
	m.Transition("PartyA", "initiator", "signing")
	m.Finished("PartyA", "initiator", "committed", 20*time.Millisecond)
	m.Notary("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("PartyA", "initiator", "signing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("PartyA", "initiator", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notaryRequests.WithLabelValues("accepted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestNilMetricsIsSilent(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b", "c")
	m.Finished("a", "b", "c", time.Second)
	m.Notary("error")
}
