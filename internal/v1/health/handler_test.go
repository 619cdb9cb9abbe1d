package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error {
	return m.err
}

func probe(handler *Handler, path string, serve func(*gin.Context)) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	serve(c)
	return w
}

func TestLiveness_AlwaysSucceeds(t *testing.T) {
	// Even with no store wired at all, liveness reports the process alive.
	handler := NewHandler(nil)

	w := probe(handler, "/health/live", handler.Liveness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_HealthyStore(t *testing.T) {
	handler := NewHandler(&mockPinger{})

	w := probe(handler, "/health/ready", handler.Readiness)

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "healthy")
	assert.Contains(t, body, "timestamp")
}

func TestReadiness_FailingStore(t *testing.T) {
	handler := NewHandler(&mockPinger{err: assert.AnError})

	w := probe(handler, "/health/ready", handler.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestReadiness_NilStore(t *testing.T) {
	handler := NewHandler(nil)

	w := probe(handler, "/health/ready", handler.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
