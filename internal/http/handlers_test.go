package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elba-security/elba-connect/internal/connectors/calendly"
	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/secrets"
	"github.com/elba-security/elba-connect/internal/store"
)

const (
	testSecret    = "webhook-secret"
	testCipherKey = "0000000000000000000000000000000000000000000000000000000000000000"
)

// memStore is an in-memory OrganisationStore for handler tests.
type memStore struct {
	orgs map[string]store.Organisation
}

func newMemStore() *memStore {
	return &memStore{orgs: make(map[string]store.Organisation)}
}

func storeKey(organisationID, connectorKind string) string {
	return strings.TrimSpace(organisationID) + "/" + strings.ToLower(strings.TrimSpace(connectorKind))
}

func (s *memStore) UpsertOrganisation(_ context.Context, p store.UpsertOrganisationParams) (store.Organisation, error) {
	org := store.Organisation{
		OrganisationID:       strings.TrimSpace(p.OrganisationID),
		ConnectorKind:        strings.ToLower(strings.TrimSpace(p.ConnectorKind)),
		Region:               p.Region,
		EncryptedCredentials: p.EncryptedCredentials,
		TokenExpiresAt:       p.TokenExpiresAt,
	}
	s.orgs[storeKey(p.OrganisationID, p.ConnectorKind)] = org
	return org, nil
}

func (s *memStore) GetOrganisation(_ context.Context, organisationID, connectorKind string) (store.Organisation, error) {
	org, ok := s.orgs[storeKey(organisationID, connectorKind)]
	if !ok {
		return store.Organisation{}, store.ErrNotFound
	}
	return org, nil
}

func testServer(t *testing.T) (*Server, *memStore) {
	t.Helper()

	reg := registry.NewRegistry()
	if err := reg.Register(calendly.Definition{ClientID: "id", ClientSecret: "secret"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cipher, err := secrets.NewAESCipher(testCipherKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	st := newMemStore()

	s, err := NewServer(ServerConfig{Addr: ":0", WebhookSecret: testSecret}, st, cipher, reg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, st
}

func doRequest(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(s, nethttp.MethodGet, "/healthz", "", "")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPIRejectsMissingOrWrongSecret(t *testing.T) {
	s, _ := testServer(t)

	if rec := doRequest(s, nethttp.MethodGet, "/api/connectors", "", ""); rec.Code != nethttp.StatusUnauthorized {
		t.Fatalf("missing secret: status = %d", rec.Code)
	}
	if rec := doRequest(s, nethttp.MethodGet, "/api/connectors", "wrong", ""); rec.Code != nethttp.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", rec.Code)
	}
}

func TestListConnectors(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(s, nethttp.MethodGet, "/api/connectors", testSecret, "")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Connectors []struct {
			Kind        string `json:"kind"`
			DisplayName string `json:"displayName"`
		} `json:"connectors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Connectors) != 1 || payload.Connectors[0].Kind != "calendly" {
		t.Fatalf("connectors = %+v", payload.Connectors)
	}
}

func TestInstallUnknownKind(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/nope/install", testSecret, `{"organisationId":"org-1"}`)
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInstallRejectsMissingOrganisation(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/install", testSecret, `{"credentials":{}}`)
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestInstallRejectsInvalidCredentials(t *testing.T) {
	s, _ := testServer(t)
	body := `{"organisationId":"org-1","credentials":{"access_token":""}}`
	rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/install", testSecret, body)
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestInstallStoresEncryptedCredentials(t *testing.T) {
	s, st := testServer(t)
	body := `{"organisationId":"org-1","region":"eu","credentials":{"access_token":"at","refresh_token":"rt","organization_uri":"https://api.calendly.com/organizations/abc"}}`
	rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/install", testSecret, body)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	org, err := st.GetOrganisation(context.Background(), "org-1", "calendly")
	if err != nil {
		t.Fatalf("GetOrganisation: %v", err)
	}
	if strings.Contains(string(org.EncryptedCredentials), "at") && strings.Contains(string(org.EncryptedCredentials), "refresh_token") {
		t.Fatalf("credentials stored in plaintext")
	}
}

func TestReinstallKeepsStoredSecretsWhenPayloadBlank(t *testing.T) {
	s, st := testServer(t)

	install := `{"organisationId":"org-1","credentials":{"access_token":"stored-at","refresh_token":"stored-rt","organization_uri":"https://api.calendly.com/organizations/abc"}}`
	if rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/install", testSecret, install); rec.Code != nethttp.StatusOK {
		t.Fatalf("install: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The reinstall payload carries no tokens, only the organisation URI.
	reinstall := `{"organisationId":"org-1","credentials":{"organization_uri":"https://api.calendly.com/organizations/new"}}`
	if rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/install", testSecret, reinstall); rec.Code != nethttp.StatusOK {
		t.Fatalf("reinstall: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	org, err := st.GetOrganisation(context.Background(), "org-1", "calendly")
	if err != nil {
		t.Fatalf("GetOrganisation: %v", err)
	}
	cipher, err := secrets.NewAESCipher(testCipherKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	plaintext, err := cipher.Decrypt(context.Background(), org.EncryptedCredentials)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	creds, err := configstore.DecodeCalendlyCredentials(plaintext)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if creds.AccessToken != "stored-at" || creds.RefreshToken != "stored-rt" {
		t.Fatalf("stored secrets were clobbered: %+v", creds)
	}
	if creds.OrganizationURI != "https://api.calendly.com/organizations/new" {
		t.Fatalf("OrganizationURI = %q", creds.OrganizationURI)
	}
}

func TestRequestSyncUnknownOrganisation(t *testing.T) {
	s, _ := testServer(t)
	rec := doRequest(s, nethttp.MethodPost, "/api/webhooks/calendly/sync", testSecret, `{"organisationId":"ghost"}`)
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
