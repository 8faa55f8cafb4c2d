package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodCallRecordsSuccessAndErrorMutuallyExclusive(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.MethodCall("widgets", "list", nil, 5*time.Millisecond)
	m.MethodCall("widgets", "list", assertErr{}, 5*time.Millisecond)
	m.MethodCall("widgets", "list", assertErr{}, 5*time.Millisecond)

	calls := testutil.ToFloat64(m.methodCalls.WithLabelValues("widgets", "list"))
	success := testutil.ToFloat64(m.methodSuccess.WithLabelValues("widgets", "list"))
	errs := testutil.ToFloat64(m.methodErrors.WithLabelValues("widgets", "list"))

	require.Equal(t, 3.0, calls)
	assert.Equal(t, 1.0, success)
	assert.Equal(t, 2.0, errs)
	assert.Equal(t, calls, success+errs)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestIncAuthRevokedDenialIncrementsCounter(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.IncAuthRevokedDenial()
	m.IncAuthRevokedDenial()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.authRevokedDenials))
}

func TestIncRateLimitedTracksPerEndpoint(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.IncRateLimited("/rpc")
	m.IncRateLimited("/rpc")
	m.IncRateLimited("/auth")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("/rpc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("/auth")))
}

func TestSetNodesAliveOverwritesGaugeValue(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.SetNodesAlive(4)
	m.SetNodesAlive(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.nodesAlive))
}
