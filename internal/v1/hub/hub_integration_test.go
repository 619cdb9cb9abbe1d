package hub

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serveContext() (*httptest.ResponseRecorder, *gin.Context) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws", nil)
	return w, c
}

func TestServeWS_NoCredential(t *testing.T) {
	h := newTestHub(t, &stubAdmitter{unlimited: true})
	w, c := serveContext()

	h.ServeWS(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeWS_InvalidCredential(t *testing.T) {
	h := newTestHub(t, &stubAdmitter{unlimited: true})
	h.validator = &MockTokenValidator{shouldFail: true}

	w, c := serveContext()
	c.Request.AddCookie(&http.Cookie{Name: "parlor_session", Value: "tampered"})

	h.ServeWS(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeWS_BadOriginWithValidCredential(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000")
	h := newTestHub(t, &stubAdmitter{unlimited: true})

	w, c := serveContext()
	c.Request.AddCookie(&http.Cookie{Name: "parlor_session", Value: "good"})
	c.Request.Header.Set("Origin", "http://evil.example")

	h.ServeWS(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "origin not allowed")
}
