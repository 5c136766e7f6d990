package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
	"github.com/elba-security/elba-connect/internal/store"
)

// memOrgStore is an in-memory OrganisationStore mirroring the Postgres
// semantics the workflows rely on.
type memOrgStore struct {
	mu     gosync.Mutex
	orgs   map[string]store.Organisation
	tokens map[string]string

	credentialUpdates int
}

func newMemOrgStore(orgs ...store.Organisation) *memOrgStore {
	s := &memOrgStore{
		orgs:   make(map[string]store.Organisation),
		tokens: make(map[string]string),
	}
	for _, org := range orgs {
		s.orgs[orgKey(org.OrganisationID, org.ConnectorKind)] = org
	}
	return s
}

func orgKey(organisationID, connectorKind string) string {
	return strings.ToLower(organisationID) + "/" + strings.ToLower(connectorKind)
}

func (s *memOrgStore) GetOrganisation(_ context.Context, organisationID, connectorKind string) (store.Organisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgKey(organisationID, connectorKind)]
	if !ok {
		return store.Organisation{}, store.ErrNotFound
	}
	return org, nil
}

func (s *memOrgStore) ListOrganisations(_ context.Context) ([]store.Organisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Organisation, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	return out, nil
}

func (s *memOrgStore) ListOrganisationsExpiringBefore(_ context.Context, deadline time.Time) ([]store.Organisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Organisation
	for _, org := range s.orgs {
		if org.TokenExpiresAt == nil || org.TokenExpiresAt.Before(deadline) {
			out = append(out, org)
		}
	}
	return out, nil
}

func (s *memOrgStore) UpdateOrganisationCredentials(_ context.Context, organisationID, connectorKind string, encrypted []byte, tokenExpiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgKey(organisationID, connectorKind)
	org, ok := s.orgs[key]
	if !ok {
		return store.ErrNotFound
	}
	org.EncryptedCredentials = encrypted
	org.TokenExpiresAt = tokenExpiresAt
	s.orgs[key] = org
	s.credentialUpdates++
	return nil
}

func (s *memOrgStore) DeleteOrganisation(_ context.Context, organisationID, connectorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs, orgKey(organisationID, connectorKind))
	return nil
}

func (s *memOrgStore) GetDeltaToken(_ context.Context, organisationID, connectorKind, resourceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[orgKey(organisationID, connectorKind)+"/"+resourceID], nil
}

func (s *memOrgStore) SetDeltaToken(_ context.Context, organisationID, connectorKind, resourceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[orgKey(organisationID, connectorKind)+"/"+resourceID] = token
	return nil
}

// plainCipher stores credential payloads as-is.
type plainCipher struct{}

func (plainCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (plainCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

type stubLock struct {
	kind, name string
}

func (l *stubLock) ScopeKind() string { return l.kind }
func (l *stubLock) ScopeName() string { return l.name }
func (l *stubLock) StartHeartbeat(context.Context, func(error)) func() {
	return func() {}
}
func (l *stubLock) Release(context.Context) error { return nil }

type stubLocks struct {
	contended bool
}

func (m *stubLocks) TryAcquire(_ context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	if m.contended {
		return nil, false, nil
	}
	return &stubLock{kind: scopeKind, name: scopeName}, true, nil
}

func (m *stubLocks) Acquire(_ context.Context, scopeKind, scopeName string) (Lock, error) {
	return &stubLock{kind: scopeKind, name: scopeName}, nil
}

// stubDefinition registers a pre-built connector under a fixed kind.
type stubDefinition struct {
	kind      string
	connector registry.Connector
}

func (d *stubDefinition) Kind() string                              { return d.kind }
func (d *stubDefinition) DisplayName() string                       { return "Stub" }
func (d *stubDefinition) DecodeCredentials(raw []byte) (any, error) { return string(raw), nil }
func (d *stubDefinition) ValidateCredentials(any) error             { return nil }
func (d *stubDefinition) SourceName(any) string                     { return "stub.example.com" }
func (d *stubDefinition) NewConnector(any) (registry.Connector, error) {
	return d.connector, nil
}

// gatedConnector serves the first page immediately, then blocks on the second
// until the test releases it.
type gatedConnector struct {
	started gosync.Once
	gate    chan struct{}
	release chan struct{}

	mu      gosync.Mutex
	fetches []string
}

func (c *gatedConnector) Kind() string       { return "stub" }
func (c *gatedConnector) SourceName() string { return "stub.example.com" }

func (c *gatedConnector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	c.mu.Lock()
	c.fetches = append(c.fetches, cursor)
	c.mu.Unlock()

	if cursor == "" {
		return registry.UsersPage{ValidUsers: []elba.User{user("u1")}, NextCursor: "p2"}, nil
	}
	c.started.Do(func() { close(c.gate) })
	select {
	case <-ctx.Done():
		return registry.UsersPage{}, ctx.Err()
	case <-c.release:
		return registry.UsersPage{ValidUsers: []elba.User{user("u2")}}, nil
	}
}

func newSyncFixture(t *testing.T, conn registry.Connector, apiURL string) (*memOrgStore, *Orchestrator, *Lifecycle) {
	t.Helper()

	reg := registry.NewRegistry()
	if err := reg.Register(&stubDefinition{kind: "stub", connector: conn}); err != nil {
		t.Fatalf("register: %v", err)
	}
	st := newMemOrgStore(store.Organisation{
		OrganisationID:       "org-1",
		ConnectorKind:        "stub",
		Region:               "eu",
		EncryptedCredentials: []byte(`{}`),
	})

	orch, err := NewOrchestrator(st, plainCipher{}, reg, &stubLocks{}, OrchestratorConfig{
		ElbaAPIBaseURL: apiURL,
		ElbaAPIKey:     "key",
		MaxAttempts:    2,
		FailureBackoff: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	lc, err := NewLifecycle(st, plainCipher{}, reg, orch, apiURL, "key")
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	return st, orch, lc
}

func TestUninstallStopsInFlightSync(t *testing.T) {
	var mu gosync.Mutex
	requests := make(map[string]int)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests[r.Method+" "+r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer api.Close()

	conn := &gatedConnector{gate: make(chan struct{}), release: make(chan struct{})}
	st, orch, lc := newSyncFixture(t, conn, api.URL)

	done := make(chan error, 1)
	go func() {
		done <- orch.SyncOrganisation(context.Background(), "org-1", "stub")
	}()

	// Wait until the sync is mid-pagination, then uninstall the tenant.
	select {
	case <-conn.gate:
	case <-time.After(5 * time.Second):
		t.Fatal("sync never reached the second page")
	}
	if err := lc.Uninstall(context.Background(), "org-1", "stub"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	close(conn.release)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not stop after uninstall")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSyncAborted) {
		t.Fatalf("sync error = %v, want cancellation", err)
	}

	if _, err := st.GetOrganisation(context.Background(), "org-1", "stub"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("organisation row survived uninstall: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Only the first page reached Elba; the cancelled run must neither push
	// the second page nor prune stale users.
	if got := requests["POST /api/rest/users"]; got != 1 {
		t.Fatalf("users updates = %d, want 1 (requests: %v)", got, requests)
	}
	if got := requests["DELETE /api/rest/users"]; got != 0 {
		t.Fatalf("users deletions = %d, want 0 (requests: %v)", got, requests)
	}
	// Uninstall flags the connection as dead before the row disappears.
	if got := requests["POST /api/rest/connection_status"]; got != 1 {
		t.Fatalf("connection status updates = %d, want 1 (requests: %v)", got, requests)
	}
}

func TestSyncOrganisationReportsContention(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(&stubDefinition{kind: "stub"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	st := newMemOrgStore(store.Organisation{
		OrganisationID:       "org-1",
		ConnectorKind:        "stub",
		EncryptedCredentials: []byte(`{}`),
	})

	orch, err := NewOrchestrator(st, plainCipher{}, reg, &stubLocks{contended: true}, OrchestratorConfig{
		ElbaAPIBaseURL: "https://elba.invalid",
		ElbaAPIKey:     "key",
	}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.SyncOrganisation(context.Background(), "org-1", "stub"); !errors.Is(err, ErrSyncAlreadyRunning) {
		t.Fatalf("err = %v, want ErrSyncAlreadyRunning", err)
	}
}

func TestRunOnceWithoutInstallations(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(&stubDefinition{kind: "stub"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	orch, err := NewOrchestrator(newMemOrgStore(), plainCipher{}, reg, &stubLocks{}, OrchestratorConfig{
		ElbaAPIBaseURL: "https://elba.invalid",
		ElbaAPIKey:     "key",
	}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.RunOnce(context.Background()); !errors.Is(err, ErrNoConnectorsDue) {
		t.Fatalf("err = %v, want ErrNoConnectorsDue", err)
	}
}
