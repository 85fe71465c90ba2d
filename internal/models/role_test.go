package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRoles(t *testing.T) {
	roles, ok := ParseRoles(" Operator, viewer ,")
	assert.True(t, ok)
	assert.Equal(t, []Role{RoleOperator, RoleViewer}, roles)

	_, ok = ParseRoles("admin")
	assert.False(t, ok)
	_, ok = ParseRoles(" , ")
	assert.False(t, ok)
}

func TestHasAtLeast(t *testing.T) {
	assert.True(t, HasAtLeast([]Role{RoleOperator}, RoleViewer))
	assert.False(t, HasAtLeast([]Role{RoleViewer}, RoleOperator))
	assert.False(t, HasAtLeast(nil, RoleViewer))
}
