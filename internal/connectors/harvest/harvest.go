// Package harvest syncs Harvest account users.
package harvest

import (
	"bytes"
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
	Kind = configstore.KindHarvest

	DefaultBaseURL = "https://api.harvestapp.com/v2"
	TokenURL       = "https://id.getharvest.com/api/v2/oauth2/token"

	defaultTimeout   = 120 * time.Second
	defaultPageSize  = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
)

type Connector struct {
	BaseURL     string
	AccessToken string
	AccountID   string
	HTTP        *http.Client
}

func New(creds configstore.HarvestCredentials) (*Connector, error) {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		BaseURL:     DefaultBaseURL,
		AccessToken: creds.AccessToken,
		AccountID:   creds.AccountID,
		HTTP:        &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Connector) Kind() string { return Kind }

func (c *Connector) SourceName() string { return "harvest account " + c.AccountID }

// FetchUsersPage lists one page of users. Harvest paginates with 1-based page
// numbers and reports total_pages, so the cursor is the page number as a
// string; empty means page 1 on input and "done" on output.
func (c *Connector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return registry.UsersPage{}, fmt.Errorf("invalid harvest cursor %q", cursor)
		}
		pageNum = n
	}

	endpoint, err := c.usersEndpoint(pageNum)
	if err != nil {
		return registry.UsersPage{}, err
	}
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return registry.UsersPage{}, err
	}

	var payload struct {
		Users      []json.RawMessage `json:"users"`
		Page       int               `json:"page"`
		TotalPages int               `json:"total_pages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.UsersPage{}, fmt.Errorf("decode harvest users: %w", err)
	}

	page := registry.UsersPage{}
	if payload.Page < payload.TotalPages {
		page.NextCursor = strconv.Itoa(payload.Page + 1)
	}
	for _, raw := range payload.Users {
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

// DeleteUser archives the user rather than destroying it, which is the
// reversible operation Harvest admins expect. A 404 counts as success.
func (c *Connector) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("harvest user id is required")
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/users/" + url.PathEscape(userID)

	_, err := c.do(ctx, http.MethodPatch, endpoint, []byte(`{"is_active":false}`))
	var apiErr *registry.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Connector) usersEndpoint(page int) (string, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return "", errors.New("harvest base URL is required")
	}
	u, err := url.Parse(base + "/users")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(defaultPageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connector) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
		req.Header.Set("Harvest-Account-Id", c.AccountID)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "elba-connect")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

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
	return nil, errors.New("harvest request failed")
}

func mapUser(raw json.RawMessage) (elba.User, error) {
	var payload struct {
		ID          int64    `json:"id"`
		FirstName   string   `json:"first_name"`
		LastName    string   `json:"last_name"`
		Email       string   `json:"email"`
		IsActive    bool     `json:"is_active"`
		AccessRoles []string `json:"access_roles"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return elba.User{}, err
	}
	if payload.ID == 0 {
		return elba.User{}, errors.New("user id is missing")
	}

	name := strings.TrimSpace(strings.TrimSpace(payload.FirstName) + " " + strings.TrimSpace(payload.LastName))
	if name == "" {
		name = strings.TrimSpace(payload.Email)
	}

	role := "member"
	for _, r := range payload.AccessRoles {
		if strings.EqualFold(strings.TrimSpace(r), "administrator") {
			role = "admin"
			break
		}
	}

	suspendable := payload.IsActive
	return elba.User{
		ID:            strconv.FormatInt(payload.ID, 10),
		DisplayName:   name,
		Email:         strings.TrimSpace(payload.Email),
		Role:          role,
		AuthMethod:    elba.AuthMethodPassword,
		IsSuspendable: &suspendable,
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
