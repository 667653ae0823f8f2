package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Checkpoint.Set(42)
	m.TickErrors.WithLabelValues("transient").Inc()

	assert.Equal(t, float64(42), testutil.ToFloat64(m.Checkpoint))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mirrorx_checkpoint_height 42")
	assert.Contains(t, string(body), `mirrorx_tick_errors_total{class="transient"} 1`)
}
