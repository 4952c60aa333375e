package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/technosupport/ts-license/internal/license"
)

func TestRecord_Verifications(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	c.Record(ctx, license.Event{Type: license.EventDeviceActivated})
	c.Record(ctx, license.Event{Type: license.EventDeviceRevalidated})
	c.Record(ctx, license.Event{Type: license.EventVerifyRejected, Reason: license.ReasonExpired})
	c.Record(ctx, license.Event{Type: license.EventLicenseIssued})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.verifications.WithLabelValues("accepted", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.verifications.WithLabelValues("rejected", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("license.issued")))
}

func TestCollect_Up(t *testing.T) {
	c := NewCollector()
	c.Watch("db", PingFunc(func(context.Context) error { return nil }))
	c.Watch("redis", PingFunc(func(context.Context) error { return errors.New("down") }))

	c.collect(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(c.up.WithLabelValues("db")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.up.WithLabelValues("redis")))
	assert.False(t, c.LastSnapshot().IsZero())
}

func TestHandler_Exposes(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTP("POST", "/api/verify-license", 200, 5*time.Millisecond)
	c.RecordRateLimit("ip", "blocked")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(body, `license_http_requests_total{method="POST",route="/api/verify-license",status="200"} 1`))
	assert.True(t, strings.Contains(body, `license_rate_limit_requests_total{result="blocked",scope="ip"} 1`))
}
