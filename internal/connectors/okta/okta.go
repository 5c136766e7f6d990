// Package okta syncs Okta directory users.
package okta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	sdk "github.com/okta/okta-sdk-golang/v6/okta"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
)

const (
	Kind = configstore.KindOkta

	defaultPageSize = 200
)

type Connector struct {
	BaseURL string
	api     *sdk.APIClient
}

func New(creds configstore.OktaCredentials) (*Connector, error) {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	cfg, err := sdk.NewConfiguration(
		sdk.WithOrgUrl(creds.BaseURL()),
		sdk.WithToken(creds.Token),
		sdk.WithCache(false),
		sdk.WithRequestTimeout(120),
		sdk.WithRateLimitMaxBackOff(30),
		sdk.WithRateLimitMaxRetries(4),
	)
	if err != nil {
		return nil, fmt.Errorf("okta sdk config: %w", err)
	}
	return &Connector{BaseURL: creds.BaseURL(), api: sdk.NewAPIClient(cfg)}, nil
}

func (c *Connector) Kind() string { return Kind }

func (c *Connector) SourceName() string { return c.BaseURL }

// FetchUsersPage lists one page of directory users. The cursor is Okta's
// "after" pagination parameter, extracted from the rel="next" Link header.
func (c *Connector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	if c.api == nil {
		return registry.UsersPage{}, errors.New("okta client is not initialized")
	}

	req := c.api.UserAPI.ListUsers(ctx).Limit(defaultPageSize)
	if cursor != "" {
		req = req.After(cursor)
	}
	users, resp, err := req.Execute()
	if err != nil {
		return registry.UsersPage{}, mapOktaError("/api/v1/users", err, resp)
	}

	page := registry.UsersPage{NextCursor: nextAfterCursor(resp)}
	for _, u := range users {
		user, raw, err := mapUser(u)
		if err != nil {
			page.InvalidUsers = append(page.InvalidUsers, registry.InvalidRecord{Raw: raw, Reason: err.Error()})
			continue
		}
		if err := user.Validate(); err != nil {
			page.InvalidUsers = append(page.InvalidUsers, registry.InvalidRecord{Raw: raw, Reason: err.Error()})
			continue
		}
		page.ValidUsers = append(page.ValidUsers, user)
	}
	return page, nil
}

// DeleteUser deactivates the user, which revokes access while keeping the
// account recoverable. An already-missing user counts as success.
func (c *Connector) DeleteUser(ctx context.Context, userID string) error {
	if c.api == nil {
		return errors.New("okta client is not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("okta user id is required")
	}

	resp, err := c.api.UserLifecycleAPI.DeactivateUser(ctx, userID).Execute()
	if err != nil {
		if resp != nil && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound {
			return nil
		}
		return mapOktaError("/api/v1/users/"+userID+"/lifecycle/deactivate", err, resp)
	}
	return nil
}

func mapUser(u sdk.User) (elba.User, []byte, error) {
	raw := encodeJSON(u)

	id := strings.TrimSpace(u.GetId())
	if id == "" {
		return elba.User{}, raw, errors.New("user id is missing")
	}

	email := ""
	login := ""
	display := ""
	first := ""
	last := ""
	if u.Profile != nil {
		email = strings.TrimSpace(u.Profile.GetEmail())
		login = strings.TrimSpace(u.Profile.GetLogin())
		display = strings.TrimSpace(u.Profile.GetDisplayName())
		first = strings.TrimSpace(u.Profile.GetFirstName())
		last = strings.TrimSpace(u.Profile.GetLastName())
	}
	if email == "" {
		email = login
	}
	if display == "" {
		display = strings.TrimSpace(first + " " + last)
	}
	if display == "" {
		display = email
	}

	status := strings.ToUpper(strings.TrimSpace(u.GetStatus()))
	suspendable := status != "DEPROVISIONED" && status != "SUSPENDED"

	return elba.User{
		ID:            id,
		DisplayName:   display,
		Email:         email,
		Role:          strings.ToLower(status),
		AuthMethod:    elba.AuthMethodSSO,
		IsSuspendable: &suspendable,
	}, raw, nil
}

// nextAfterCursor extracts the "after" parameter from the rel="next" Link
// header. Okta omits the link on the last page.
func nextAfterCursor(resp *sdk.APIResponse) string {
	if resp == nil || resp.Response == nil {
		return ""
	}
	for _, link := range resp.Response.Header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			if !strings.Contains(part, `rel="next"`) {
				continue
			}
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start < 0 || end <= start {
				continue
			}
			u, err := url.Parse(part[start+1 : end])
			if err != nil {
				continue
			}
			if after := u.Query().Get("after"); after != "" {
				return after
			}
		}
	}
	return ""
}

func mapOktaError(endpoint string, err error, resp *sdk.APIResponse) error {
	if err == nil {
		return nil
	}
	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.Response.StatusCode
	}
	if statusCode == 0 {
		return err
	}

	body := []byte(err.Error())
	var apiErr *sdk.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		if model := apiErr.Model(); model != nil {
			if e, ok := model.(sdk.Error); ok {
				if summary := strings.TrimSpace(e.GetErrorSummary()); summary != "" {
					body = []byte(summary)
				}
			}
		} else if b := apiErr.Body(); len(b) > 0 {
			body = b
		}
	}
	return registry.NewStatusError(endpoint, statusCode, body)
}

func encodeJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
