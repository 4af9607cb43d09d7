package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCommission(t *testing.T) {
	before := testutil.ToFloat64(commissions.WithLabelValues("1"))
	beforeAmount := testutil.ToFloat64(commissionAmount.WithLabelValues("1"))

	RecordCommission(1, 12.5)

	assert.Equal(t, before+1, testutil.ToFloat64(commissions.WithLabelValues("1")))
	assert.InDelta(t, beforeAmount+12.5, testutil.ToFloat64(commissionAmount.WithLabelValues("1")), 1e-9)
}

func TestRecordIntegrityAudit(t *testing.T) {
	at := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	RecordIntegrityAudit(3, at)

	assert.Equal(t, 3.0, testutil.ToFloat64(integrityViolations))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(integrityLastRun))
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/users/{id}", "418"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/abc", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/users/{id}", "418")))
}

func TestHandler_Exposition(t *testing.T) {
	RecordWithdrawal("pending")
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `referral_engine_ledger_withdrawal_transitions_total{status="pending"}`)
}
