package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCall_ActiveGauge(t *testing.T) {
	m := NewMetrics("call-service-test")

	m.RecordCall("one_to_one", "initiated")
	m.RecordCall("group", "initiated")
	m.RecordCall("one_to_one", "ongoing")
	m.RecordCall("one_to_one", "ended")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callsTotal.WithLabelValues("one_to_one", "ongoing")))
}

func TestNewMetrics_Independent(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	a.RecordSignalFailure("call.offered")
	a.RecordTokenIssued("publisher")
	a.RecordCallDuration("group", 30*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.signalFailuresTotal.WithLabelValues("call.offered")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.signalFailuresTotal.WithLabelValues("call.offered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.mediaTokensTotal.WithLabelValues("publisher")))
}
