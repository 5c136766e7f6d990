package elba

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Auth methods Elba distinguishes when scoring account hygiene.
const (
	AuthMethodPassword = "password"
	AuthMethodOAuth    = "oauth"
	AuthMethodMFA      = "mfa"
	AuthMethodSSO      = "sso"
)

// User is the normalized shape every vendor user is mapped into before being
// pushed to Elba.
type User struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	Email            string   `json:"email,omitempty"`
	AdditionalEmails []string `json:"additionalEmails"`
	Role             string   `json:"role,omitempty"`
	AuthMethod       string   `json:"authMethod,omitempty"`
	IsSuspendable    *bool    `json:"isSuspendable,omitempty"`
	URL              string   `json:"url,omitempty"`
}

// Validate reports whether the user satisfies the Elba users schema: a
// non-empty id and display name, and a well-formed email when one is set.
func (u User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(u.DisplayName) == "" {
		return errors.New("user display name is required")
	}
	if email := strings.TrimSpace(u.Email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("user email %q is invalid", email)
		}
	}
	for _, email := range u.AdditionalEmails {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("additional email %q is invalid", email)
		}
	}
	return nil
}

// DataProtectionPermission describes who can reach a protected object.
type DataProtectionPermission struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // "user", "domain" or "anyone"
	Email       string   `json:"email,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Metadata    any      `json:"metadata,omitempty"`
	UserIDs     []string `json:"userIds,omitempty"`
}

// DataProtectionObject is a shared resource (file, folder, drive item)
// reported to Elba's data-protection surface.
type DataProtectionObject struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	OwnerID     string                     `json:"ownerId"`
	URL         string                     `json:"url,omitempty"`
	Metadata    any                        `json:"metadata,omitempty"`
	UpdatedAt   string                     `json:"updatedAt,omitempty"`
	Permissions []DataProtectionPermission `json:"permissions"`
}

// Validate reports whether the object satisfies the Elba data-protection
// schema.
func (o DataProtectionObject) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("object id is required")
	}
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("object name is required")
	}
	if strings.TrimSpace(o.OwnerID) == "" {
		return errors.New("object owner id is required")
	}
	if len(o.Permissions) == 0 {
		return errors.New("object permissions are required")
	}
	return nil
}

// ConnectionErrorType is the taxonomy Elba understands for broken
// connections.
type ConnectionErrorType string

const (
	ConnectionErrorNone         ConnectionErrorType = ""
	ConnectionErrorUnauthorized ConnectionErrorType = "unauthorized"
	ConnectionErrorNotAdmin     ConnectionErrorType = "not_admin"
	ConnectionErrorUnknown      ConnectionErrorType = "unknown"
)
