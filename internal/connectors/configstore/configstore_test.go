package configstore

import (
	"testing"
	"time"
)

func TestDecodeCalendlyCredentials(t *testing.T) {
	raw := []byte(`{"access_token":"at","refresh_token":"rt","organization_uri":"https://api.calendly.com/organizations/abc"}`)
	creds, err := DecodeCalendlyCredentials(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if creds.AccessToken != "at" || creds.RefreshToken != "rt" {
		t.Fatalf("unexpected tokens: %+v", creds)
	}
	if err := creds.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestDecodeHandlesEmptyAndNullPayloads(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("  "), []byte("null")} {
		creds, err := DecodeOktaCredentials(raw)
		if err != nil {
			t.Fatalf("decode %q error: %v", raw, err)
		}
		if creds != (OktaCredentials{}) {
			t.Fatalf("decode %q: expected zero credentials, got %+v", raw, creds)
		}
	}
}

func TestCalendlyValidateRequiresFields(t *testing.T) {
	tests := []struct {
		name  string
		creds CalendlyCredentials
	}{
		{"missing access token", CalendlyCredentials{RefreshToken: "rt", OrganizationURI: "https://x"}},
		{"missing refresh token", CalendlyCredentials{AccessToken: "at", OrganizationURI: "https://x"}},
		{"missing organization uri", CalendlyCredentials{AccessToken: "at", RefreshToken: "rt"}},
	}
	for _, tt := range tests {
		if err := tt.creds.Validate(); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestAWSValidateByAuthType(t *testing.T) {
	chain := AWSCredentials{Region: "eu-west-1"}
	if err := chain.Validate(); err != nil {
		t.Fatalf("default chain: %v", err)
	}

	key := AWSCredentials{Region: "eu-west-1", AuthType: AWSAuthTypeAccessKey}
	if err := key.Validate(); err == nil {
		t.Fatalf("access_key without keys: expected error")
	}
	key.AccessKeyID = "AKIA123"
	key.SecretAccessKey = "secret"
	if err := key.Validate(); err != nil {
		t.Fatalf("access_key with keys: %v", err)
	}

	bad := AWSCredentials{Region: "eu-west-1", AuthType: "magic"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown auth type: expected error")
	}
}

func TestMicrosoftNormalizedStripsGUIDBraces(t *testing.T) {
	creds := MicrosoftCredentials{TenantID: " {ABC-123} ", OrganisationDomain: " Contoso.COM "}
	norm := creds.Normalized()
	if norm.TenantID != "abc-123" {
		t.Fatalf("TenantID = %q", norm.TenantID)
	}
	if norm.OrganisationDomain != "contoso.com" {
		t.Fatalf("OrganisationDomain = %q", norm.OrganisationDomain)
	}
}

func TestOktaBaseURL(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"acme.okta.com", "https://acme.okta.com"},
		{"https://acme.okta.com/", "https://acme.okta.com"},
		{"", ""},
	}
	for _, tt := range tests {
		got := OktaCredentials{Domain: tt.domain}.BaseURL()
		if got != tt.want {
			t.Fatalf("BaseURL(%q) = %q, want %q", tt.domain, got, tt.want)
		}
	}
}

func TestMergeKeepsSecretsWhenUpdateBlank(t *testing.T) {
	existing := CalendlyCredentials{
		AccessToken:     "old-at",
		RefreshToken:    "old-rt",
		OrganizationURI: "https://api.calendly.com/organizations/old",
		ExpiresAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	update := CalendlyCredentials{OrganizationURI: "https://api.calendly.com/organizations/new"}

	merged := MergeCalendlyCredentials(existing, update)
	if merged.AccessToken != "old-at" || merged.RefreshToken != "old-rt" {
		t.Fatalf("secrets were not preserved: %+v", merged)
	}
	if merged.OrganizationURI != update.OrganizationURI {
		t.Fatalf("OrganizationURI = %q", merged.OrganizationURI)
	}

	update.AccessToken = "new-at"
	merged = MergeCalendlyCredentials(existing, update)
	if merged.AccessToken != "new-at" {
		t.Fatalf("new access token not applied: %+v", merged)
	}
}

func TestMergeCredentialsDispatch(t *testing.T) {
	existing := OktaCredentials{Domain: "acme.okta.com", Token: "stored-token"}
	update := OktaCredentials{Domain: "acme.okta.com"}

	merged, ok := MergeCredentials(existing, update)
	if !ok {
		t.Fatalf("expected a merge rule for Okta credentials")
	}
	if merged.(OktaCredentials).Token != "stored-token" {
		t.Fatalf("merged = %+v", merged)
	}

	// No merge rule: the update wins wholesale.
	aws := AWSCredentials{Region: "eu-west-1"}
	out, ok := MergeCredentials(AWSCredentials{Region: "us-east-1"}, aws)
	if ok {
		t.Fatalf("AWS credentials have no merge rule")
	}
	if out.(AWSCredentials).Region != "eu-west-1" {
		t.Fatalf("out = %+v", out)
	}

	// Mismatched types fall back to the update too.
	if _, ok := MergeCredentials(existing, HarvestCredentials{AccountID: "42"}); ok {
		t.Fatalf("mismatched credential types must not merge")
	}
}
