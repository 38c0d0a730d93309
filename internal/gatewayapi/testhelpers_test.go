package api_test

import (
	"testing"

	"github.com/go-chi/chi/v5"

	api "github.com/aussiehq/gateway/internal/gatewayapi"
)

// chiRouterFor mounts srv's admin routes directly at the router root, so
// admin-handler tests can issue requests against plain "/services" and
// "/api-keys" paths without needing a full NewRouter stack (CORS, auth,
// body-size limiting) in the way.
func chiRouterFor(t *testing.T, srv *api.Server) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	api.MountServiceAdminRoutes(r, srv)
	api.MountApiKeyAdminRoutes(r, srv)
	return r
}
