package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/bqrunner/internal/authz"
	"github.com/stanstork/bqrunner/internal/models"
)

func TestIssueToken_RequiresSecret(t *testing.T) {
	_, err := NewAuthHandler("", zerolog.Nop()).IssueToken("ci", []models.Role{models.RoleOperator}, time.Hour)
	require.Error(t, err)
}

func TestJWTMiddleware_SetsIdentity(t *testing.T) {
	h := NewAuthHandler("secret", zerolog.Nop())
	token, err := h.IssueToken("ci", []models.Role{models.RoleOperator}, time.Hour)
	require.NoError(t, err)

	var subject string
	var roles []models.Role
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = authz.SubjectFromRequest(r)
		roles, _ = authz.RolesFromRequest(r)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.JWTMiddleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ci", subject)
	assert.Equal(t, []models.Role{models.RoleOperator}, roles)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	h := NewAuthHandler("secret", zerolog.Nop())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("should not be reached") })

	unknownRole := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ci",
		"roles": []string{"admin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	badRoles, err := unknownRole.SignedString([]byte("secret"))
	require.NoError(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ci", "roles": []string{"viewer"}})
	noExpToken, err := noExp.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"unknown role", "Bearer " + badRoles},
		{"no expiry", "Bearer " + noExpToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.JWTMiddleware(next).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
