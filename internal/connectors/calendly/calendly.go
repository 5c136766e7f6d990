// Package calendly syncs Calendly organization memberships.
package calendly

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
	Kind = configstore.KindCalendly

	DefaultBaseURL = "https://api.calendly.com"
	TokenURL       = "https://auth.calendly.com/oauth/token"

	defaultTimeout   = 120 * time.Second
	defaultPageSize  = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
)

type Connector struct {
	BaseURL         string
	AccessToken     string
	OrganizationURI string
	HTTP            *http.Client
}

func New(creds configstore.CalendlyCredentials) (*Connector, error) {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		BaseURL:         DefaultBaseURL,
		AccessToken:     creds.AccessToken,
		OrganizationURI: creds.OrganizationURI,
		HTTP:            &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Connector) Kind() string { return Kind }

func (c *Connector) SourceName() string { return c.OrganizationURI }

// FetchUsersPage lists one page of organization memberships. An empty cursor
// requests the first page; the returned cursor is Calendly's next_page_token
// and is empty on the last page.
func (c *Connector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	endpoint, err := c.membershipsEndpoint(cursor)
	if err != nil {
		return registry.UsersPage{}, err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return registry.UsersPage{}, err
	}

	var payload struct {
		Collection []json.RawMessage `json:"collection"`
		Pagination struct {
			NextPageToken string `json:"next_page_token"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.UsersPage{}, fmt.Errorf("decode calendly memberships: %w", err)
	}

	page := registry.UsersPage{NextCursor: strings.TrimSpace(payload.Pagination.NextPageToken)}
	for _, raw := range payload.Collection {
		user, err := mapMembership(raw)
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

// DeleteUser removes one organization membership. Calendly returning 404 means
// the membership is already gone, which counts as success.
func (c *Connector) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("calendly membership id is required")
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/organization_memberships/" + url.PathEscape(userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("User-Agent", "elba-connect")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return registry.NewStatusError(endpoint, resp.StatusCode, body)
	}
	return nil
}

func (c *Connector) membershipsEndpoint(cursor string) (string, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return "", errors.New("calendly base URL is required")
	}
	u, err := url.Parse(base + "/organization_memberships")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("organization", c.OrganizationURI)
	q.Set("count", strconv.Itoa(defaultPageSize))
	if cursor != "" {
		q.Set("page_token", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
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
	return nil, errors.New("calendly request failed")
}

func mapMembership(raw json.RawMessage) (elba.User, error) {
	var payload struct {
		URI  string `json:"uri"`
		Role string `json:"role"`
		User struct {
			Name          string `json:"name"`
			Email         string `json:"email"`
			SchedulingURL string `json:"scheduling_url"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return elba.User{}, err
	}

	id := lastPathSegment(payload.URI)
	if id == "" {
		return elba.User{}, errors.New("membership uri is missing")
	}
	name := strings.TrimSpace(payload.User.Name)
	if name == "" {
		name = strings.TrimSpace(payload.User.Email)
	}

	suspendable := !strings.EqualFold(strings.TrimSpace(payload.Role), "owner")
	return elba.User{
		ID:            id,
		DisplayName:   name,
		Email:         strings.TrimSpace(payload.User.Email),
		Role:          strings.ToLower(strings.TrimSpace(payload.Role)),
		AuthMethod:    elba.AuthMethodPassword,
		IsSuspendable: &suspendable,
		URL:           strings.TrimSpace(payload.User.SchedulingURL),
	}, nil
}

func lastPathSegment(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if uri == "" {
		return ""
	}
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
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
