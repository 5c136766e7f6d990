// Package configstore defines the typed per-organisation credential payloads
// stored (encrypted) in the organisations table, plus their decode,
// validation and merge rules.
package configstore

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

const (
	KindCalendly  = "calendly"
	KindHarvest   = "harvest"
	KindMicrosoft = "microsoft"
	KindAWS       = "aws_identity_center"
	KindOkta      = "okta"
)

const (
	AWSAuthTypeDefaultChain = "default_chain"
	AWSAuthTypeAccessKey    = "access_key"
)

type CalendlyCredentials struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	OrganizationURI string    `json:"organization_uri"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
}

func (c CalendlyCredentials) Normalized() CalendlyCredentials {
	out := c
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	out.OrganizationURI = strings.TrimSpace(out.OrganizationURI)
	return out
}

func (c CalendlyCredentials) Validate() error {
	c = c.Normalized()
	if c.AccessToken == "" {
		return errors.New("Calendly access token is required")
	}
	if c.RefreshToken == "" {
		return errors.New("Calendly refresh token is required")
	}
	if c.OrganizationURI == "" {
		return errors.New("Calendly organization URI is required")
	}
	if _, err := url.Parse(c.OrganizationURI); err != nil {
		return errors.New("Calendly organization URI is invalid")
	}
	return nil
}

type HarvestCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccountID    string    `json:"account_id"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

func (c HarvestCredentials) Normalized() HarvestCredentials {
	out := c
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	out.AccountID = strings.TrimSpace(out.AccountID)
	return out
}

func (c HarvestCredentials) Validate() error {
	c = c.Normalized()
	if c.AccessToken == "" {
		return errors.New("Harvest access token is required")
	}
	if c.RefreshToken == "" {
		return errors.New("Harvest refresh token is required")
	}
	if c.AccountID == "" {
		return errors.New("Harvest account ID is required")
	}
	return nil
}

type MicrosoftCredentials struct {
	TenantID           string    `json:"tenant_id"`
	AccessToken        string    `json:"access_token"`
	OrganisationDomain string    `json:"organisation_domain"`
	ExpiresAt          time.Time `json:"expires_at,omitzero"`
}

func (c MicrosoftCredentials) Normalized() MicrosoftCredentials {
	out := c
	out.TenantID = normalizeGUID(out.TenantID)
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.OrganisationDomain = strings.ToLower(strings.TrimSpace(out.OrganisationDomain))
	return out
}

func (c MicrosoftCredentials) Validate() error {
	c = c.Normalized()
	if c.TenantID == "" {
		return errors.New("Microsoft tenant ID is required")
	}
	return nil
}

type AWSCredentials struct {
	Region          string `json:"region"`
	InstanceARN     string `json:"instance_arn"`
	IdentityStoreID string `json:"identity_store_id"`
	AuthType        string `json:"auth_type"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

func (c AWSCredentials) Normalized() AWSCredentials {
	out := c
	out.Region = strings.TrimSpace(out.Region)
	out.InstanceARN = strings.TrimSpace(out.InstanceARN)
	out.IdentityStoreID = strings.TrimSpace(out.IdentityStoreID)
	out.AuthType = strings.ToLower(strings.TrimSpace(out.AuthType))
	if out.AuthType == "" {
		out.AuthType = AWSAuthTypeDefaultChain
	}
	out.AccessKeyID = strings.TrimSpace(out.AccessKeyID)
	out.SecretAccessKey = strings.TrimSpace(out.SecretAccessKey)
	out.SessionToken = strings.TrimSpace(out.SessionToken)
	return out
}

func (c AWSCredentials) Validate() error {
	c = c.Normalized()
	if c.Region == "" {
		return errors.New("AWS region is required")
	}
	switch c.AuthType {
	case AWSAuthTypeDefaultChain:
		return nil
	case AWSAuthTypeAccessKey:
		if c.AccessKeyID == "" {
			return errors.New("AWS access key ID is required")
		}
		if c.SecretAccessKey == "" {
			return errors.New("AWS secret access key is required")
		}
		return nil
	default:
		return errors.New("AWS credentials type is invalid")
	}
}

type OktaCredentials struct {
	Domain string `json:"domain"`
	Token  string `json:"token"`
}

func (c OktaCredentials) Normalized() OktaCredentials {
	out := c
	out.Domain = strings.TrimSpace(out.Domain)
	out.Token = strings.TrimSpace(out.Token)
	return out
}

func (c OktaCredentials) BaseURL() string {
	base := strings.TrimSpace(c.Domain)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func (c OktaCredentials) Validate() error {
	c = c.Normalized()
	if c.Domain == "" {
		return errors.New("Okta domain is required")
	}
	if c.Token == "" {
		return errors.New("Okta token is required")
	}
	return nil
}

func DecodeCalendlyCredentials(raw []byte) (CalendlyCredentials, error) {
	var creds CalendlyCredentials
	return creds, decodeJSON(raw, &creds)
}

func DecodeHarvestCredentials(raw []byte) (HarvestCredentials, error) {
	var creds HarvestCredentials
	return creds, decodeJSON(raw, &creds)
}

func DecodeMicrosoftCredentials(raw []byte) (MicrosoftCredentials, error) {
	var creds MicrosoftCredentials
	return creds, decodeJSON(raw, &creds)
}

func DecodeAWSCredentials(raw []byte) (AWSCredentials, error) {
	var creds AWSCredentials
	return creds, decodeJSON(raw, &creds)
}

func DecodeOktaCredentials(raw []byte) (OktaCredentials, error) {
	var creds OktaCredentials
	return creds, decodeJSON(raw, &creds)
}

func EncodeCredentials(v any) ([]byte, error) {
	return json.Marshal(v)
}

// CredentialsExpiry extracts the token expiry carried by decoded credentials,
// or nil for credential types that never expire.
func CredentialsExpiry(creds any) *time.Time {
	var expiry time.Time
	switch c := creds.(type) {
	case CalendlyCredentials:
		expiry = c.ExpiresAt
	case HarvestCredentials:
		expiry = c.ExpiresAt
	case MicrosoftCredentials:
		expiry = c.ExpiresAt
	default:
		return nil
	}
	if expiry.IsZero() {
		return nil
	}
	return &expiry
}

// MergeCredentials applies a reinstall payload on top of stored credentials
// of the same type. The second return is false when the pair has no merge
// rule, in which case the update replaces the stored payload wholesale.
func MergeCredentials(existing, update any) (any, bool) {
	switch u := update.(type) {
	case CalendlyCredentials:
		if e, ok := existing.(CalendlyCredentials); ok {
			return MergeCalendlyCredentials(e, u), true
		}
	case HarvestCredentials:
		if e, ok := existing.(HarvestCredentials); ok {
			return MergeHarvestCredentials(e, u), true
		}
	case OktaCredentials:
		if e, ok := existing.(OktaCredentials); ok {
			return MergeOktaCredentials(e, u), true
		}
	}
	return update, false
}

// MergeCalendlyCredentials applies a reinstall payload on top of stored
// credentials, keeping existing secrets when the update leaves them blank.
func MergeCalendlyCredentials(existing, update CalendlyCredentials) CalendlyCredentials {
	merged := existing
	merged.OrganizationURI = strings.TrimSpace(update.OrganizationURI)
	if token := strings.TrimSpace(update.AccessToken); token != "" {
		merged.AccessToken = token
	}
	if token := strings.TrimSpace(update.RefreshToken); token != "" {
		merged.RefreshToken = token
	}
	if !update.ExpiresAt.IsZero() {
		merged.ExpiresAt = update.ExpiresAt
	}
	return merged
}

func MergeHarvestCredentials(existing, update HarvestCredentials) HarvestCredentials {
	merged := existing
	merged.AccountID = strings.TrimSpace(update.AccountID)
	if token := strings.TrimSpace(update.AccessToken); token != "" {
		merged.AccessToken = token
	}
	if token := strings.TrimSpace(update.RefreshToken); token != "" {
		merged.RefreshToken = token
	}
	if !update.ExpiresAt.IsZero() {
		merged.ExpiresAt = update.ExpiresAt
	}
	return merged
}

func MergeOktaCredentials(existing, update OktaCredentials) OktaCredentials {
	merged := existing
	merged.Domain = strings.TrimSpace(update.Domain)
	if token := strings.TrimSpace(update.Token); token != "" {
		merged.Token = token
	}
	return merged
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func normalizeGUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	return strings.TrimSpace(s)
}
