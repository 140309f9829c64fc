package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/excport/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("excwatch", "GET", "/health", 200, 12*time.Millisecond)
	RecordListen("excwatch", "delivered", 40*time.Millisecond)
	RecordException("excwatch", "arithmetic")
	RecordServerEvent("excwatch", ServerEventGrow)
	RecordRestoreFailure("excwatch")

	if got := testutil.ToFloat64(exceptions.WithLabelValues("excwatch", "arithmetic")); got < 1 {
		t.Fatalf("exception counter not incremented: %v", got)
	}
	if got := testutil.ToFloat64(serverEvents.WithLabelValues("excwatch", ServerEventGrow)); got < 1 {
		t.Fatalf("server event counter not incremented: %v", got)
	}
}

func TestMiddlewareRecordsRoutePath(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware("mw-test"))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/items/:id", "204")); got != 1 {
		t.Fatalf("expected route-labelled request metric, got %v", got)
	}
}

func TestMiddlewareCollapsesUnmatchedPaths(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestMetricsMiddleware("mw-unmatched"))

	for _, p := range []string{"/a", "/b/c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-unmatched", "GET", "unmatched", "404")); got != 2 {
		t.Fatalf("expected unmatched requests to share one label, got %v", got)
	}
}
