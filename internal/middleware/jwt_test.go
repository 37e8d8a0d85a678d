package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	userID, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = ParseToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken(secret, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func protected() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	token, err := IssueToken(secret, "bob", time.Hour)
	require.NoError(t, err)
	r := protected()

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{name: "bearer header", path: "/me", header: "Bearer " + token, status: http.StatusOK, body: "bob"},
		{name: "query parameter", path: "/me?token=" + token, status: http.StatusOK, body: "bob"},
		{name: "missing", path: "/me", status: http.StatusUnauthorized},
		{name: "bad scheme", path: "/me", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "bad token", path: "/me", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "header wins over query", path: "/me?token=" + token, header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}
