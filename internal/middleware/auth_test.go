package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/irfndi/tickerpulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, secret string, method jwt.SigningMethod, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestRequireBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := testutil.GenerateTestSecret()
	r := gin.New()
	r.POST("/close", RequireBearer(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SubjectKey))
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signed(t, "other-secret", jwt.SigningMethodHS256, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + signed(t, secret, jwt.SigningMethodHS512, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"valid", "Bearer " + signed(t, secret, jwt.SigningMethodHS256, time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/close", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "operator", w.Body.String())
			}
		})
	}
}

func TestRequireBearer_DisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/close", RequireBearer(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/close", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
