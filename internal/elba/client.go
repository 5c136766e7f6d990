package elba

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
)

const (
	defaultTimeout   = 60 * time.Second
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// Client talks to the Elba identity-governance API on behalf of one
// organisation. Construct one per workflow invocation; it holds no state
// beyond its configuration.
type Client struct {
	BaseURL        string
	APIKey         string
	OrganisationID string
	Region         string
	HTTP           *http.Client
}

// New creates a new Elba client scoped to a single organisation.
func New(baseURL, apiKey, organisationID, region string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)
	organisationID = strings.TrimSpace(organisationID)

	if base == "" {
		return nil, errors.New("elba base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("elba api key is required")
	}
	if organisationID == "" {
		return nil, errors.New("elba organisation id is required")
	}

	return &Client{
		BaseURL:        base,
		APIKey:         apiKey,
		OrganisationID: organisationID,
		Region:         strings.TrimSpace(region),
		HTTP:           &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Client) ensureClient() error {
	if c.BaseURL == "" {
		return errors.New("elba base URL is required")
	}
	if c.APIKey == "" {
		return errors.New("elba api key is required")
	}
	if c.OrganisationID == "" {
		return errors.New("elba organisation id is required")
	}
	if c.HTTP == nil {
		return errors.New("elba http client is not configured")
	}
	return nil
}

func (c *Client) endpoint(path string) (string, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		return "", errors.New("elba base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	if err := c.ensureClient(); err != nil {
		return err
	}
	endpoint, err := c.endpoint(path)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "elba-connect")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = formatElbaAPIError("elba api rate limited", endpoint, resp, body)
			if attempt == maxRetriesOn429 {
				return lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return formatElbaAPIError("elba api failed", endpoint, resp, body)
		}
		if out == nil {
			return nil
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return json.Unmarshal(body, out)
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("elba request failed")
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

func formatElbaAPIError(prefix, reqURL string, resp *http.Response, body []byte) error {
	message := extractElbaAPIErrorMessage(body)
	details := formatElbaAPIErrorDetails(reqURL, resp)

	if message != "" && details != "" {
		return fmt.Errorf("%s: %s: %s (%s)", prefix, resp.Status, message, details)
	}
	if message != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, message)
	}
	if details != "" {
		return fmt.Errorf("%s: %s (%s)", prefix, resp.Status, details)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

func extractElbaAPIErrorMessage(body []byte) string {
	var payload struct {
		Errors  []string `json:"errors"`
		Error   string   `json:"error"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Errors) > 0 {
			first := strings.TrimSpace(payload.Errors[0])
			if first != "" {
				return first
			}
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "…"
	}
	return msg
}

func formatElbaAPIErrorDetails(reqURL string, resp *http.Response) string {
	var parts []string
	if v := safeURL(reqURL); v != "" {
		parts = append(parts, "url="+v)
	}
	if v := strings.TrimSpace(resp.Header.Get("x-request-id")); v != "" {
		parts = append(parts, "request_id="+v)
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		parts = append(parts, "retry_after="+v)
	}
	return strings.Join(parts, ", ")
}

func safeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.Path
}
