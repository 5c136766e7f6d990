package calendly

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestConnector(t *testing.T, rt roundTripperFunc) *Connector {
	t.Helper()
	c, err := New(configstore.CalendlyCredentials{
		AccessToken:     "at",
		RefreshToken:    "rt",
		OrganizationURI: "https://api.calendly.com/organizations/org-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.HTTP = &http.Client{Transport: rt}
	return c
}

func bodyResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFetchUsersPagePassesCursorAndReturnsNext(t *testing.T) {
	var firstQuery, secondQuery string
	call := 0
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		call++
		switch call {
		case 1:
			firstQuery = req.URL.RawQuery
			return bodyResponse(http.StatusOK, `{
				"collection": [
					{"uri":"https://api.calendly.com/organization_memberships/m1","role":"admin","user":{"name":"Ada","email":"ada@acme.test"}}
				],
				"pagination": {"next_page_token":"next-token"}
			}`), nil
		default:
			secondQuery = req.URL.RawQuery
			return bodyResponse(http.StatusOK, `{
				"collection": [
					{"uri":"https://api.calendly.com/organization_memberships/m2","role":"user","user":{"name":"Bob","email":"bob@acme.test"}}
				],
				"pagination": {"next_page_token":""}
			}`), nil
		}
	})

	page, err := c.FetchUsersPage(context.Background(), "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if strings.Contains(firstQuery, "page_token") {
		t.Fatalf("first page must not send a page token: %s", firstQuery)
	}
	if page.NextCursor != "next-token" {
		t.Fatalf("NextCursor = %q, want next-token", page.NextCursor)
	}
	if len(page.ValidUsers) != 1 || page.ValidUsers[0].ID != "m1" {
		t.Fatalf("unexpected first page users: %+v", page.ValidUsers)
	}

	page, err = c.FetchUsersPage(context.Background(), page.NextCursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if !strings.Contains(secondQuery, "page_token=next-token") {
		t.Fatalf("continuation must send the vendor cursor verbatim: %s", secondQuery)
	}
	if page.NextCursor != "" {
		t.Fatalf("last page must have empty cursor, got %q", page.NextCursor)
	}
	if len(page.ValidUsers) != 1 || page.ValidUsers[0].ID != "m2" {
		t.Fatalf("unexpected second page users: %+v", page.ValidUsers)
	}
}

func TestFetchUsersPagePartitionsInvalidRecords(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusOK, `{
			"collection": [
				{"uri":"https://api.calendly.com/organization_memberships/m1","role":"user","user":{"name":"Ada","email":"ada@acme.test"}},
				{"uri":"https://api.calendly.com/organization_memberships/m2","role":"user","user":{"name":"","email":""}},
				{"uri":"","role":"user","user":{"name":"Ghost","email":"ghost@acme.test"}}
			],
			"pagination": {"next_page_token":""}
		}`), nil
	})

	page, err := c.FetchUsersPage(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchUsersPage: %v", err)
	}
	if got := len(page.ValidUsers) + len(page.InvalidUsers); got != 3 {
		t.Fatalf("valid + invalid = %d, want 3", got)
	}
	if len(page.ValidUsers) != 1 {
		t.Fatalf("valid = %d, want 1", len(page.ValidUsers))
	}
	for _, rec := range page.InvalidUsers {
		if rec.Reason == "" {
			t.Fatalf("invalid record without reason: %s", rec.Raw)
		}
	}
}

func TestFetchUsersPageMapsUnauthorized(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusUnauthorized, `{"title":"Unauthenticated"}`), nil
	})

	_, err := c.FetchUsersPage(context.Background(), "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !registry.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized kind, got %v", err)
	}
}

func TestDeleteUserTreats404AsSuccess(t *testing.T) {
	var method, path string
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		method = req.Method
		path = req.URL.Path
		return bodyResponse(http.StatusNotFound, `{"title":"Resource Not Found"}`), nil
	})

	if err := c.DeleteUser(context.Background(), "m1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if method != http.MethodDelete || path != "/organization_memberships/m1" {
		t.Fatalf("unexpected request: %s %s", method, path)
	}
}

func TestDeleteUserSurfacesForbidden(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusForbidden, `{"title":"Permission Denied"}`), nil
	})

	err := c.DeleteUser(context.Background(), "m1")
	if !registry.IsNotAdmin(err) {
		t.Fatalf("expected not_admin kind, got %v", err)
	}
}

func TestDefinitionRefreshCredentials(t *testing.T) {
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := req.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("grant_type = %q", got)
		}
		if got := req.PostForm.Get("refresh_token"); got != "rt" {
			t.Fatalf("refresh_token = %q", got)
		}
		return bodyResponse(http.StatusOK, `{"access_token":"new-at","refresh_token":"new-rt","token_type":"Bearer","expires_in":7200}`), nil
	})

	def := Definition{ClientID: "cid", ClientSecret: "secret", HTTP: &http.Client{Transport: rt}}
	creds := configstore.CalendlyCredentials{
		AccessToken:     "at",
		RefreshToken:    "rt",
		OrganizationURI: "https://api.calendly.com/organizations/org-1",
	}

	updated, expiresAt, err := def.RefreshCredentials(context.Background(), creds)
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	got, ok := updated.(configstore.CalendlyCredentials)
	if !ok {
		t.Fatalf("unexpected credentials type %T", updated)
	}
	if got.AccessToken != "new-at" || got.RefreshToken != "new-rt" {
		t.Fatalf("tokens not rotated: %+v", got)
	}
	if expiresAt.IsZero() {
		t.Fatalf("expected non-zero expiry")
	}
}
