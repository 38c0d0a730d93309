package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aussiehq/gateway/internal/identity"
	"github.com/aussiehq/gateway/internal/primitives/hash"
	"github.com/aussiehq/gateway/internal/problem"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

// MountServiceAdminRoutes wires "/admin/services" (spec.md §6: POST
// register, GET list, GET/DELETE /{id} get/unregister; PUT update via
// optimistic-version CAS).
func MountServiceAdminRoutes(r chi.Router, srv *Server) {
	r.Post("/services", srv.handleRegisterService)
	r.Get("/services", srv.handleListServices)
	r.Get("/services/{id}", srv.handleGetService)
	r.Put("/services/{id}", srv.handleUpdateService)
	r.Delete("/services/{id}", srv.handleUnregisterService)
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var reg registry.ServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		problem.WriteKind(w, problem.KindValidationError, "malformed request body: "+err.Error())
		return
	}

	result := s.Registry.Register(r.Context(), reg)
	if !result.Ok() {
		reason, status := result.Reason()
		problem.WriteKind(w, kindForStatus(status), reason)
		return
	}
	stored, _ := result.Registration()
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.ListAll())
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reg, ok := s.Registry.Get(id)
	if !ok {
		problem.WriteKind(w, problem.KindServiceNotFound, "no service registered with this id")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var reg registry.ServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		problem.WriteKind(w, problem.KindValidationError, "malformed request body: "+err.Error())
		return
	}
	reg.ServiceID = id

	result := s.Registry.Update(r.Context(), reg)
	if !result.Ok() {
		reason, status := result.Reason()
		problem.WriteKind(w, kindForStatus(status), reason)
		return
	}
	stored, _ := result.Registration()
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.Registry.Unregister(r.Context(), id)
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, err.Error())
		return
	}
	if !ok {
		problem.WriteKind(w, problem.KindServiceNotFound, "no service registered with this id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MountApiKeyAdminRoutes wires "/admin/api-keys" (spec.md §6: key
// lifecycle). Creation/listing/revocation requires the wired ApiKeyStore
// to additionally implement store.ApiKeyAdmin; when it doesn't, these
// routes report 501.
func MountApiKeyAdminRoutes(r chi.Router, srv *Server) {
	r.Post("/api-keys", srv.handleCreateApiKey)
	r.Get("/api-keys", srv.handleListApiKeys)
	r.Delete("/api-keys/{prefix}", srv.handleRevokeApiKey)
}

func (s *Server) apiKeyAdmin() (store.ApiKeyAdmin, bool) {
	admin, ok := s.ApiKeys.(store.ApiKeyAdmin)
	return admin, ok
}

// createApiKeyRequest is the admin-facing DTO for minting a key. The raw
// secret is generated server-side and returned exactly once; only its hash
// is persisted.
type createApiKeyRequest struct {
	Name          string            `json:"name"`
	PrincipalID   string            `json:"principalId"`
	PrincipalName string            `json:"principalName,omitempty"`
	PrincipalType identity.PrincipalType `json:"principalType,omitempty"`
	Permissions   []string          `json:"permissions,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type createApiKeyResponse struct {
	ID        string    `json:"id"`
	Prefix    string    `json:"prefix"`
	Secret    string    `json:"secret"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type apiKeyView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Prefix     string    `json:"prefix"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

func (s *Server) handleCreateApiKey(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.apiKeyAdmin()
	if !ok {
		problem.Write(w, problem.Problem{Type: "about:blank", Title: http.StatusText(http.StatusNotImplemented), Status: http.StatusNotImplemented, Detail: "api key lifecycle is not supported by the configured store"})
		return
	}

	var req createApiKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.WriteKind(w, problem.KindValidationError, "malformed request body: "+err.Error())
		return
	}
	if req.PrincipalID == "" {
		problem.WriteKind(w, problem.KindValidationError, "principalId must not be blank")
		return
	}
	principalType := req.PrincipalType
	if principalType == "" {
		principalType = identity.PrincipalService
	}

	prefix, err := randomHex(8)
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, "failed to generate key prefix")
		return
	}
	secret, err := randomHex(32)
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, "failed to generate key secret")
		return
	}

	permissions := make(map[string]bool, len(req.Permissions))
	for _, p := range req.Permissions {
		permissions[p] = true
	}

	key := identity.ApiKey{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Prefix: prefix,
		SecretHash: hash.SHA256Hex(secret),
		Principal: identity.Principal{
			ID:          req.PrincipalID,
			Name:        req.PrincipalName,
			Type:        principalType,
			Attributes:  req.Attributes,
			Permissions: permissions,
		},
		CreatedAt: time.Now(),
	}

	if err := admin.Create(r.Context(), key); err != nil {
		problem.WriteKind(w, problem.KindConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createApiKeyResponse{
		ID:        key.ID,
		Prefix:    key.Prefix,
		Secret:    secret,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
	})
}

func (s *Server) handleListApiKeys(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.apiKeyAdmin()
	if !ok {
		problem.Write(w, problem.Problem{Type: "about:blank", Title: http.StatusText(http.StatusNotImplemented), Status: http.StatusNotImplemented, Detail: "api key lifecycle is not supported by the configured store"})
		return
	}
	keys, err := admin.List(r.Context())
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, err.Error())
		return
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, apiKeyView{
			ID: k.ID, Name: k.Name, Prefix: k.Prefix, Revoked: k.Revoked,
			CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRevokeApiKey(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.apiKeyAdmin()
	if !ok {
		problem.Write(w, problem.Problem{Type: "about:blank", Title: http.StatusText(http.StatusNotImplemented), Status: http.StatusNotImplemented, Detail: "api key lifecycle is not supported by the configured store"})
		return
	}
	prefix := chi.URLParam(r, "prefix")
	if err := admin.Revoke(r.Context(), prefix); err != nil {
		if err == store.ErrNotFound {
			problem.WriteKind(w, problem.KindServiceNotFound, "no api key with this prefix")
			return
		}
		problem.WriteKind(w, problem.KindInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// kindForStatus maps a RegistrationResult's failure status back to a
// problem.Kind so admin handlers share one taxonomy with tenant ingress.
func kindForStatus(status int) problem.Kind {
	switch status {
	case http.StatusConflict:
		return problem.KindConflict
	case http.StatusNotFound:
		return problem.KindServiceNotFound
	case http.StatusForbidden:
		return problem.KindForbidden
	default:
		return problem.KindValidationError
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
