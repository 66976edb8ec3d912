package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/open", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": UserID(c)})
	})
	protected := r.Group("/", RequireUser())
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": UserID(c)})
	})
	return r
}

func TestMiddleware_SetsUserFromHeader(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-ID", "usr_abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != `{"user":"usr_abc123"}` {
		t.Errorf("Unexpected body: %s", body)
	}
}

func TestRequireUser_RejectsMissingHeader(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest("GET", "/me", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_IgnoresMalformedID(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-ID", "not a valid id;")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for malformed id, got %d", w.Code)
	}
}

func TestOpenRouteWithoutUser(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest("GET", "/open", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
