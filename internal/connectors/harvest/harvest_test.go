package harvest

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

func bodyResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestConnector(t *testing.T, rt roundTripperFunc) *Connector {
	t.Helper()
	c, err := New(configstore.HarvestCredentials{AccessToken: "at", RefreshToken: "rt", AccountID: "12345"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.HTTP = &http.Client{Transport: rt}
	return c
}

func TestFetchUsersPageCursorMath(t *testing.T) {
	var query string
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		query = req.URL.RawQuery
		if got := req.Header.Get("Harvest-Account-Id"); got != "12345" {
			t.Fatalf("Harvest-Account-Id = %q", got)
		}
		return bodyResponse(http.StatusOK, `{
			"users": [{"id": 7, "first_name": "Ada", "last_name": "Lovelace", "email": "ada@acme.test", "is_active": true, "access_roles": ["administrator"]}],
			"page": 1,
			"total_pages": 3
		}`), nil
	})

	page, err := c.FetchUsersPage(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchUsersPage: %v", err)
	}
	if !strings.Contains(query, "page=1") {
		t.Fatalf("empty cursor must request page 1: %s", query)
	}
	if page.NextCursor != "2" {
		t.Fatalf("NextCursor = %q, want 2", page.NextCursor)
	}
	user := page.ValidUsers[0]
	if user.ID != "7" || user.DisplayName != "Ada Lovelace" || user.Role != "admin" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestFetchUsersPageLastPageHasEmptyCursor(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusOK, `{"users": [], "page": 3, "total_pages": 3}`), nil
	})

	page, err := c.FetchUsersPage(context.Background(), "3")
	if err != nil {
		t.Fatalf("FetchUsersPage: %v", err)
	}
	if page.NextCursor != "" {
		t.Fatalf("NextCursor = %q, want empty", page.NextCursor)
	}
}

func TestFetchUsersPageRejectsMalformedCursor(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected for malformed cursor")
		return nil, nil
	})

	if _, err := c.FetchUsersPage(context.Background(), "not-a-page"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFetchUsersPageMapsForbidden(t *testing.T) {
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusForbidden, `{"error":"insufficient permissions"}`), nil
	})

	_, err := c.FetchUsersPage(context.Background(), "")
	if !registry.IsNotAdmin(err) {
		t.Fatalf("expected not_admin kind, got %v", err)
	}
}

func TestDeleteUserArchivesAndIgnores404(t *testing.T) {
	var method, path, body string
	c := newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		method = req.Method
		path = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		body = string(b)
		return bodyResponse(http.StatusOK, `{"id": 7, "is_active": false}`), nil
	})

	if err := c.DeleteUser(context.Background(), "7"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if method != http.MethodPatch || path != "/v2/users/7" {
		t.Fatalf("unexpected request: %s %s", method, path)
	}
	if !strings.Contains(body, `"is_active":false`) {
		t.Fatalf("expected archive payload, got %s", body)
	}

	c = newTestConnector(t, func(req *http.Request) (*http.Response, error) {
		return bodyResponse(http.StatusNotFound, `{"error":"not found"}`), nil
	})
	if err := c.DeleteUser(context.Background(), "7"); err != nil {
		t.Fatalf("DeleteUser on missing user: %v", err)
	}
}
