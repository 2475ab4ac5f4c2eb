package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWebhookMetricsReuseCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewWebhookMetrics(reg, nil)
	b := NewWebhookMetrics(reg, nil)

	a.Observe("subscription.created", "handled", time.Now())
	b.Observe("subscription.created", "handled", time.Now())
	b.Observe("", "rejected", time.Now())

	require.Equal(t, float64(2), a.Count("subscription.created", "handled"))
	require.Equal(t, float64(1), a.Count("unknown", "rejected"))

	var nilMetrics *WebhookMetrics
	nilMetrics.Observe("x", "y", time.Now())
}

func TestPrometheusMiddlewareExposesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	r := gin.New()
	p := NewPrometheus(NewPrometheusOptions{
		Subsystem: "test",
		Registry:  reg,
		ReqCntURLLabelMappingFn: func(c *gin.Context) string {
			return c.FullPath()
		},
	})
	p.Use(r)
	r.GET("/things/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.True(t, strings.Contains(body, `test_req_total{code="200",method="GET",ref="",url="/things/:id"} 1`), body)
}
