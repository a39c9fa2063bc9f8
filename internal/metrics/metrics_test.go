package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues(PathDirect))
	IncDelivery(PathDirect)
	IncDelivery(PathDirect)
	assert.Equal(t, before+2, testutil.ToFloat64(deliveries.WithLabelValues(PathDirect)))

	beforeTimeouts := testutil.ToFloat64(rpcCalls.WithLabelValues("resolve-audience", OutcomeTimeout))
	ObserveRPC("resolve-audience", OutcomeTimeout, 10*time.Millisecond)
	assert.Equal(t, beforeTimeouts+1, testutil.ToFloat64(rpcCalls.WithLabelValues("resolve-audience", OutcomeTimeout)))

	SetPresence(3, 5)
	assert.Equal(t, float64(3), testutil.ToFloat64(onlineIdentities))
	assert.Equal(t, float64(5), testutil.ToFloat64(liveSessions))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	IncEmailQueued()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "edurelay_emails_queued_total")
}
