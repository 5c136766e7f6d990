package microsoft

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// isInternalEmail reports whether an email belongs to the organisation's
// domain. Comparison happens at the registrable-domain level, so
// mail.eu.contoso.com and contoso.com count as the same organisation.
func (c *Connector) isInternalEmail(email string) bool {
	return sameOrganisationDomain(emailDomain(email), c.OrganisationDomain)
}

func emailDomain(email string) string {
	email = strings.TrimSpace(email)
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

func sameOrganisationDomain(domain, orgDomain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	orgDomain = strings.ToLower(strings.TrimSpace(orgDomain))
	if domain == "" || orgDomain == "" {
		return false
	}
	return registrableDomain(domain) == registrableDomain(orgDomain)
}

func registrableDomain(domain string) string {
	suffix, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return suffix
}
