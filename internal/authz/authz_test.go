package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stanstork/bqrunner/internal/models"
)

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireRoleHandler(models.RoleOperator, ok)

	tests := []struct {
		name  string
		roles []models.Role
		want  int
	}{
		{"no identity", nil, http.StatusForbidden},
		{"viewer", []models.Role{models.RoleViewer}, http.StatusForbidden},
		{"operator", []models.Role{models.RoleOperator}, http.StatusNoContent},
		{"both", []models.Role{models.RoleViewer, models.RoleOperator}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/runs", nil)
			if tt.roles != nil {
				req = req.WithContext(WithIdentity(req.Context(), "ci", tt.roles))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIdentityFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := SubjectFromRequest(req)
	assert.False(t, ok)

	req = req.WithContext(WithIdentity(req.Context(), "scheduler", []models.Role{models.RoleViewer}))
	sub, ok := SubjectFromRequest(req)
	assert.True(t, ok)
	assert.Equal(t, "scheduler", sub)
	roles, ok := RolesFromRequest(req)
	assert.True(t, ok)
	assert.Equal(t, []models.Role{models.RoleViewer}, roles)
}
