package identity_test

import (
	"testing"
	"time"

	"github.com/aussiehq/gateway/internal/identity"
	"github.com/stretchr/testify/assert"
)

func TestPrincipal_HasPermission_ExactMatch(t *testing.T) {
	p := identity.Principal{Permissions: map[string]bool{"svc-a.admin": true}}
	assert.True(t, p.HasPermission("svc-a.admin"))
	assert.False(t, p.HasPermission("svc-a.readonly"))
}

func TestPrincipal_HasPermission_WildcardAllowsAnything(t *testing.T) {
	p := identity.Principal{Permissions: map[string]bool{"*": true}}
	assert.True(t, p.HasPermission("anything.at.all"))
}

func TestPrincipal_HasAnyPermission_IntersectionNonEmpty(t *testing.T) {
	p := identity.Principal{Permissions: map[string]bool{"svc-a.readonly": true}}
	assert.True(t, p.HasAnyPermission([]string{"svc-a.admin", "svc-a.readonly"}))
}

func TestPrincipal_HasAnyPermission_EmptyIntersection_Forbidden(t *testing.T) {
	p := identity.Principal{Permissions: map[string]bool{"svc-a.readonly": true}}
	assert.False(t, p.HasAnyPermission([]string{"svc-a.admin"}))
}

func TestPrincipal_HasAnyPermission_PolicyWildcardAllowsAny(t *testing.T) {
	p := identity.Principal{Permissions: map[string]bool{"svc-a.readonly": true}}
	assert.True(t, p.HasAnyPermission([]string{"*"}))
}

func TestSessionToken_Expired(t *testing.T) {
	now := time.Now()
	tok := identity.SessionToken{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, tok.Expired(now))

	tok2 := identity.SessionToken{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, tok2.Expired(now))
}

func TestSession_Expired_AbsoluteExpiry(t *testing.T) {
	now := time.Now()
	s := identity.Session{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, s.Expired(now))
}

func TestSession_Expired_IdleTimeout(t *testing.T) {
	now := time.Now()
	s := identity.Session{
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now.Add(-30 * time.Minute),
		IdleTimeout:    10 * time.Minute,
	}
	assert.True(t, s.Expired(now))
}

func TestSession_NotExpired_WithinIdleWindow(t *testing.T) {
	now := time.Now()
	s := identity.Session{
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now.Add(-1 * time.Minute),
		IdleTimeout:    10 * time.Minute,
	}
	assert.False(t, s.Expired(now))
}
