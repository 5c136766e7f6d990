package elba

import (
	"context"
	"errors"
	"time"
)

// UpdateUsersResult reports how many users Elba inserted or updated.
type UpdateUsersResult struct {
	InsertedCount int `json:"insertedCount"`
	UpdatedCount  int `json:"updatedCount"`
}

// UpdateUsers pushes a batch of normalized users for the client's
// organisation.
func (c *Client) UpdateUsers(ctx context.Context, users []User) (UpdateUsersResult, error) {
	if len(users) == 0 {
		return UpdateUsersResult{}, errors.New("elba users update requires at least one user")
	}

	payload := struct {
		OrganisationID string `json:"organisationId"`
		Region         string `json:"region,omitempty"`
		Users          []User `json:"users"`
	}{
		OrganisationID: c.OrganisationID,
		Region:         c.Region,
		Users:          users,
	}

	var out UpdateUsersResult
	if err := c.call(ctx, "POST", "/api/rest/users", payload, &out); err != nil {
		return UpdateUsersResult{}, err
	}
	return out, nil
}

// DeleteUsersByIDs removes specific users from Elba.
func (c *Client) DeleteUsersByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("elba users delete requires at least one id")
	}

	payload := struct {
		OrganisationID string   `json:"organisationId"`
		IDs            []string `json:"ids"`
	}{
		OrganisationID: c.OrganisationID,
		IDs:            ids,
	}
	return c.call(ctx, "DELETE", "/api/rest/users", payload, nil)
}

// DeleteUsersSyncedBefore prunes users that were not refreshed during the
// current sync run.
func (c *Client) DeleteUsersSyncedBefore(ctx context.Context, syncedBefore time.Time) error {
	if syncedBefore.IsZero() {
		return errors.New("elba users delete requires a syncedBefore timestamp")
	}

	payload := struct {
		OrganisationID string `json:"organisationId"`
		SyncedBefore   string `json:"syncedBefore"`
	}{
		OrganisationID: c.OrganisationID,
		SyncedBefore:   syncedBefore.UTC().Format(time.RFC3339),
	}
	return c.call(ctx, "DELETE", "/api/rest/users", payload, nil)
}
