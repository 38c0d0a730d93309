package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aussiehq/gateway/internal/config"
	"github.com/aussiehq/gateway/internal/identity"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

// timeNow is indirected so tests can observe session-expiry behavior
// deterministically; production code always calls time.Now.
var timeNow = time.Now

// Pipeline runs the full per-request auth flow (spec.md §4.4): identity
// extraction, session/bearer/API-key validation, permission-policy
// enforcement, and forwarding-token issuance. Mirrors the teacher's
// Community/Pro dual-slot pattern (Noop vs APIKey middleware,
// NoopAuthorizer vs PluginAuthorizer): jwksClient, when supplied by the
// embedder, takes priority over the pipeline's own internal JWKS cache.
type Pipeline struct {
	issuer          string
	signingKey      string
	maxTokenTTL     time.Duration
	requireAudience bool

	sessions store.SessionStore
	apiKeys  store.ApiKeyStore

	jwksClient store.JwksClient
	jwksURL    string
	localJWKS  *jwksCache
	refresher  *jwksRefresher

	trustedProxies []*net.IPNet
	events         store.SecurityEventSink
}

// NewPipeline builds a Pipeline from the gateway's JWS configuration.
// jwksClient may be nil, in which case the pipeline maintains its own
// internal JWKS cache against cfg.JWKSURL.
func NewPipeline(cfg config.JWSConfig, sessions store.SessionStore, apiKeys store.ApiKeyStore, jwksClient store.JwksClient, trustedProxies []*net.IPNet, events store.SecurityEventSink) *Pipeline {
	p := &Pipeline{
		issuer:         cfg.Issuer,
		signingKey:     cfg.SigningKey,
		maxTokenTTL:    cfg.SessionTTL,
		sessions:       sessions,
		apiKeys:        apiKeys,
		jwksClient:     jwksClient,
		jwksURL:        cfg.JWKSURL,
		trustedProxies: trustedProxies,
		events:         events,
	}
	if jwksClient == nil && cfg.JWKSURL != "" {
		p.localJWKS = newJWKSCache(cfg.JWKSURL, cfg.JWKSRefreshInterval)
		p.refresher = newJWKSRefresher(p.localJWKS, cfg.JWKSRefreshInterval)
	}
	return p
}

// Start begins the background JWKS refresh loop, if the pipeline owns a
// local JWKS cache. A no-op when an external JwksClient was supplied.
func (p *Pipeline) Start(ctx context.Context) {
	if p.refresher != nil {
		p.refresher.Start(ctx)
	}
}

// Stop halts the background JWKS refresh loop, if running.
func (p *Pipeline) Stop() {
	if p.refresher != nil {
		p.refresher.Stop()
	}
}

// publicKey resolves the verification key for kid, preferring an
// externally supplied JwksClient over the pipeline's own cache.
func (p *Pipeline) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if p.jwksClient != nil {
		key, err := p.jwksClient.Fetch(ctx, p.jwksURL, kid)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch jwks key via external client: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("auth: external jwks client returned non-RSA key for kid %s", kid)
		}
		return pub, nil
	}
	if p.localJWKS == nil {
		return nil, fmt.Errorf("auth: no jwks source configured")
	}
	return p.localJWKS.publicKey(kid)
}

// Authorize runs the full auth pipeline for an inbound request against its
// resolved route (spec.md §4.4): identity extraction, credential
// validation, visibility/authRequired evaluation, and permission-policy
// enforcement. Only on full success does it issue a forwarding token.
func (p *Pipeline) Authorize(ctx context.Context, r *http.Request, route registry.RouteLookupResult) RouteAuthResult {
	extracted, pres := ExtractIdentity(r, p.trustedProxies)
	if pres.session && pres.bearer {
		return BadRequest("both a session and a bearer token were presented")
	}

	principal, sessionID, err := p.resolvePrincipal(ctx, extracted, route)

	authRequired := route.EffectiveAuthRequired()
	if !authRequired && err != nil {
		return NotRequired()
	}
	if err != nil {
		p.notify(ctx, "auth_failed", extracted.Value, route, err.Error())
		return Unauthorized(err.Error())
	}
	if !authRequired {
		return NotRequired()
	}

	if route.IsRouteMatch() {
		if op := route.Endpoint().OperationName; op != "" {
			if rule, ok := route.Service().PermissionPolicy[op]; ok {
				if !principal.HasAnyPermission(rule.AnyOfPermissions) {
					p.notify(ctx, "forbidden", principal.ID, route, "permission policy denied "+op)
					return Forbidden(fmt.Sprintf("principal lacks any of %v for operation %s", rule.AnyOfPermissions, op))
				}
			}
		}
	}

	forwardClaims := make([]string, 0, len(principal.Attributes))
	for name := range principal.Attributes {
		forwardClaims = append(forwardClaims, name)
	}
	audience := route.Endpoint().Audience
	if audience == "" {
		audience = route.Service().ServiceID
	}
	token, err := p.issueToken(principal, sessionID, p.maxTokenTTL, p.maxTokenTTL, forwardClaims, audience)
	if err != nil {
		return Unauthorized(fmt.Sprintf("failed to issue forwarding token: %v", err))
	}
	if extracted.Kind == IdentityAPIKey {
		return AuthenticatedViaAPIKey(token, principal.ID, principal.Name)
	}
	return Authenticated(token)
}

// resolvePrincipal dispatches extracted to the matching validator. The
// anonymous-IP case never yields a principal; whether that's acceptable is
// decided by the caller based on the route's authRequired flag.
func (p *Pipeline) resolvePrincipal(ctx context.Context, extracted ExtractedIdentity, route registry.RouteLookupResult) (identity.Principal, string, error) {
	switch extracted.Kind {
	case IdentitySession:
		return p.validateSession(ctx, extracted.Value)
	case IdentityBearer:
		requireAud := route.Endpoint().Audience != ""
		principal, err := p.validateBearer(ctx, extracted.Value, requireAud, route.Endpoint().Audience)
		return principal, "", err
	case IdentityAPIKey:
		principal, err := p.validateAPIKey(ctx, extracted.Value, extracted.Secret)
		return principal, "", err
	default:
		return identity.Principal{}, "", fmt.Errorf("no credentials presented")
	}
}

func (p *Pipeline) notify(ctx context.Context, kind, clientID string, route registry.RouteLookupResult, reason string) {
	if p.events == nil {
		return
	}
	p.events.Dispatch(ctx, store.SecurityEvent{
		Kind:      kind,
		ClientID:  clientID,
		ServiceID: route.Service().ServiceID,
		Reason:    reason,
	})
}
