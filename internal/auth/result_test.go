package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/aussiehq/gateway/internal/identity"
	"github.com/stretchr/testify/assert"
)

func TestRouteAuthResult_Authenticated(t *testing.T) {
	tok := identity.SessionToken{Token: "abc", ExpiresAt: time.Now().Add(time.Minute)}
	r := Authenticated(tok)

	assert.True(t, r.IsAuthenticated())
	assert.True(t, r.Allowed())
	assert.Equal(t, tok, r.Token())
	assert.Equal(t, http.StatusOK, r.Status())
}

func TestRouteAuthResult_AuthenticatedViaAPIKey(t *testing.T) {
	tok := identity.SessionToken{Token: "abc", ExpiresAt: time.Now().Add(time.Minute)}
	r := AuthenticatedViaAPIKey(tok, "key-1", "billing key")

	assert.True(t, r.IsAuthenticated())
	id, name := r.APIKeyIdentity()
	assert.Equal(t, "key-1", id)
	assert.Equal(t, "billing key", name)
}

func TestRouteAuthResult_Authenticated_HasNoAPIKeyIdentity(t *testing.T) {
	r := Authenticated(identity.SessionToken{})
	id, name := r.APIKeyIdentity()
	assert.Empty(t, id)
	assert.Empty(t, name)
}

func TestRouteAuthResult_NotRequired(t *testing.T) {
	r := NotRequired()
	assert.True(t, r.IsNotRequired())
	assert.True(t, r.Allowed())
	assert.Equal(t, http.StatusOK, r.Status())
}

func TestRouteAuthResult_Unauthorized(t *testing.T) {
	r := Unauthorized("no credentials presented")
	assert.True(t, r.IsUnauthorized())
	assert.False(t, r.Allowed())
	assert.Equal(t, "no credentials presented", r.Reason())
	assert.Equal(t, http.StatusUnauthorized, r.Status())
}

func TestRouteAuthResult_Forbidden(t *testing.T) {
	r := Forbidden("missing permission")
	assert.True(t, r.IsForbidden())
	assert.False(t, r.Allowed())
	assert.Equal(t, http.StatusForbidden, r.Status())
}

func TestRouteAuthResult_BadRequest(t *testing.T) {
	r := BadRequest("both a session and a bearer token were presented")
	assert.True(t, r.IsBadRequest())
	assert.False(t, r.Allowed())
	assert.Equal(t, http.StatusBadRequest, r.Status())
}

func TestRouteAuthResult_String_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Authenticated(identity.SessionToken{}).String()
		_ = Unauthorized("x").String()
	})
}
