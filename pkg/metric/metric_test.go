package metric

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("should record", func(t *testing.T) {
		m := New()
		m.RecordSDLFetch("accounts", nil)
		m.RecordSDLFetch("accounts", errors.New("refused"))
		m.RecordRetryAttempt("accounts")
		m.RecordSchemaReplaced(4)
		m.RecordUpstreamRequest("reviews", 10*time.Millisecond, nil)
		m.SubscriptionStarted()
		m.SubscriptionStarted()
		m.SubscriptionFinished()

		assert.Equal(t, 1.0, testutil.ToFloat64(m.SDLFetches.WithLabelValues("accounts", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SDLFetches.WithLabelValues("accounts", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("accounts")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaReplacements))
		assert.Equal(t, 4.0, testutil.ToFloat64(m.SchemaVersion))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("reviews", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSubscriptions))
	})

	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordSDLFetch("accounts", nil)
			m.RecordRetryAttempt("accounts")
			m.RecordServiceHealth("accounts", 2)
			m.RecordSchemaReplaced(1)
			m.RecordUpstreamRequest("accounts", time.Second, nil)
			m.SubscriptionStarted()
			m.SubscriptionFinished()
		})
	})

	t.Run("should serve metrics", func(t *testing.T) {
		m := New()
		m.RecordSchemaReplaced(2)

		recorder := httptest.NewRecorder()
		m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "graphql_gateway_schema_replacements_total 1")
	})
}
