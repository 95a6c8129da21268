package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/platform/ctxutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

func authTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func signToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRequireAuthAcceptsBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	creator := uuid.New()

	var seen *uuid.UUID
	r := gin.New()
	r.Use(NewAuthMiddleware(authTestLogger(t), "secret-1").RequireAuth())
	r.GET("/api/tasks", func(c *gin.Context) {
		seen = ctxutil.CreatorID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret-1", creator.String()))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if seen == nil || *seen != creator {
		t.Fatalf("creator in context = %v, want %s", seen, creator)
	}
}

func TestRequireAuthAcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	creator := uuid.New()

	r := gin.New()
	r.Use(NewAuthMiddleware(authTestLogger(t), "secret-1").RequireAuth())
	r.GET("/ws/tasks/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet,
		"/ws/tasks/abc?token="+signToken(t, "secret-1", creator.String()), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "other-secret", uuid.New().String())},
		{"non uuid subject", signToken(t, "secret-1", "creator-42")},
	}

	r := gin.New()
	r.Use(NewAuthMiddleware(authTestLogger(t), "secret-1").RequireAuth())
	r.GET("/api/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body map[string]map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body: %v", err)
			}
			if body["error"]["code"] != "unauthorized" {
				t.Fatalf("code = %q", body["error"]["code"])
			}
		})
	}
}

func TestRequireAuthNoopWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(NewAuthMiddleware(authTestLogger(t), "").RequireAuth())
	r.GET("/api/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}
}
