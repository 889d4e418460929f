package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreExported(t *testing.T) {
	before := testutil.ToFloat64(DeltasRejected.WithLabelValues("decode"))
	DeltasRejected.WithLabelValues("decode").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeltasRejected.WithLabelValues("decode")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "omniforge_collab_deltas_rejected_total"))
}
