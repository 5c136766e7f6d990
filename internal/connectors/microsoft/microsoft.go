// Package microsoft syncs Entra ID users and OneDrive sharing state through
// Microsoft Graph.
package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
)

const (
	Kind = configstore.KindMicrosoft

	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	defaultTimeout   = 120 * time.Second
	defaultPageSize  = 100
	defaultWorkers   = 4
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	userSelectFields = "id,displayName,mail,otherMails,userPrincipalName,accountEnabled,userType"
)

type Connector struct {
	BaseURL            string
	AccessToken        string
	TenantID           string
	OrganisationDomain string
	Workers            int
	HTTP               *http.Client
}

func New(creds configstore.MicrosoftCredentials) (*Connector, error) {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if creds.AccessToken == "" {
		return nil, errors.New("microsoft access token is required")
	}
	return &Connector{
		BaseURL:            DefaultBaseURL,
		AccessToken:        creds.AccessToken,
		TenantID:           creds.TenantID,
		OrganisationDomain: creds.OrganisationDomain,
		Workers:            defaultWorkers,
		HTTP:               &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Connector) Kind() string { return Kind }

func (c *Connector) SourceName() string { return "tenant " + c.TenantID }

// FetchUsersPage lists one page of directory users. Graph paginates with an
// @odata.nextLink URL, which is carried as the cursor verbatim.
func (c *Connector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	endpoint := cursor
	if endpoint == "" {
		u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/users")
		if err != nil {
			return registry.UsersPage{}, err
		}
		q := u.Query()
		q.Set("$top", strconv.Itoa(defaultPageSize))
		q.Set("$select", userSelectFields)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return registry.UsersPage{}, err
	}

	var payload struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.UsersPage{}, fmt.Errorf("decode graph users: %w", err)
	}

	page := registry.UsersPage{NextCursor: strings.TrimSpace(payload.NextLink)}
	for _, raw := range payload.Value {
		user, err := mapUser(raw)
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

func (c *Connector) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "elba-connect")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = registry.NewStatusError(endpoint, resp.StatusCode, body)
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, registry.NewStatusError(endpoint, resp.StatusCode, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("graph request failed")
}

func mapUser(raw json.RawMessage) (elba.User, error) {
	var payload struct {
		ID                string   `json:"id"`
		DisplayName       string   `json:"displayName"`
		Mail              string   `json:"mail"`
		OtherMails        []string `json:"otherMails"`
		UserPrincipalName string   `json:"userPrincipalName"`
		AccountEnabled    *bool    `json:"accountEnabled"`
		UserType          string   `json:"userType"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return elba.User{}, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return elba.User{}, errors.New("user id is missing")
	}

	name := strings.TrimSpace(payload.DisplayName)
	if name == "" {
		name = strings.TrimSpace(payload.UserPrincipalName)
	}

	email := strings.TrimSpace(payload.Mail)
	if email == "" {
		if upn := strings.TrimSpace(payload.UserPrincipalName); strings.Contains(upn, "@") && !strings.Contains(upn, "#EXT#") {
			email = upn
		}
	}

	var extra []string
	for _, m := range payload.OtherMails {
		if m = strings.TrimSpace(m); m != "" && !strings.EqualFold(m, email) {
			extra = append(extra, m)
		}
	}

	role := "member"
	if strings.EqualFold(strings.TrimSpace(payload.UserType), "guest") {
		role = "guest"
	}

	suspendable := payload.AccountEnabled == nil || *payload.AccountEnabled
	return elba.User{
		ID:               strings.TrimSpace(payload.ID),
		DisplayName:      name,
		Email:            email,
		AdditionalEmails: extra,
		Role:             role,
		AuthMethod:       elba.AuthMethodSSO,
		IsSuspendable:    &suspendable,
	}, nil
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
