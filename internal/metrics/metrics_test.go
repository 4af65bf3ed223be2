package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecordersAreExposed(t *testing.T) {
	Init()
	Init()

	RecordAuth(FlowPIN, OutcomeLocked)
	RecordLockout()
	RecordAuditPublish("audit.security", errors.New("broker down"))

	body := scrape(t)
	assert.Contains(t, body, `stackpos_auth_attempts_total{flow="pin",outcome="locked"}`)
	assert.Contains(t, body, "stackpos_account_lockouts_total")
	assert.Contains(t, body, `stackpos_audit_events_published_total{queue="audit.security",result="error"}`)
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()

	router := chi.NewRouter()
	router.Use(Instrument)
	router.Get("/api/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things/123", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t)
	assert.Contains(t, body, `stackpos_http_requests_total{method="GET",route="/api/things/{id}",status="418"}`)
	assert.NotContains(t, body, `route="/api/things/123"`)
}
