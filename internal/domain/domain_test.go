package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionValidStrictlyLessThan(t *testing.T) {
	now := time.Now()
	s := Session{ExpiresAt: now}

	assert.False(t, s.Valid(now), "a session with ExpiresAt == now must be treated as expired")
	assert.True(t, s.Valid(now.Add(-time.Second)))
	assert.False(t, s.Valid(now.Add(time.Second)))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleStudent.Valid())
	assert.True(t, RoleTeacher.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("superadmin").Valid())
}
