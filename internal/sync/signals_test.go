package sync

import "testing"

func TestParseSyncRequestPayload(t *testing.T) {
	tests := []struct {
		payload  string
		wantOrg  string
		wantKind string
	}{
		{"", "", ""},
		{"  ", "", ""},
		{"org-1/calendly", "org-1", "calendly"},
		{" org-1 / harvest ", "org-1", "harvest"},
		{"no-separator", "", ""},
	}
	for _, tt := range tests {
		org, kind := parseSyncRequestPayload(tt.payload)
		if org != tt.wantOrg || kind != tt.wantKind {
			t.Fatalf("parseSyncRequestPayload(%q) = (%q, %q), want (%q, %q)", tt.payload, org, kind, tt.wantOrg, tt.wantKind)
		}
	}
}
