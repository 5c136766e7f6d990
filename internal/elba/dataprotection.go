package elba

import (
	"context"
	"errors"
	"time"
)

// UpdateDataProtectionObjects pushes shared-object records for the client's
// organisation.
func (c *Client) UpdateDataProtectionObjects(ctx context.Context, objects []DataProtectionObject) error {
	if len(objects) == 0 {
		return errors.New("elba data protection update requires at least one object")
	}

	payload := struct {
		OrganisationID string                 `json:"organisationId"`
		Objects        []DataProtectionObject `json:"objects"`
	}{
		OrganisationID: c.OrganisationID,
		Objects:        objects,
	}
	return c.call(ctx, "POST", "/api/rest/data_protection/objects", payload, nil)
}

// DeleteDataProtectionObjectsByIDs removes specific objects from Elba.
func (c *Client) DeleteDataProtectionObjectsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("elba data protection delete requires at least one id")
	}

	payload := struct {
		OrganisationID string   `json:"organisationId"`
		IDs            []string `json:"ids"`
	}{
		OrganisationID: c.OrganisationID,
		IDs:            ids,
	}
	return c.call(ctx, "DELETE", "/api/rest/data_protection/objects", payload, nil)
}

// DeleteDataProtectionObjectsSyncedBefore prunes objects that were not seen
// during the current sync run.
func (c *Client) DeleteDataProtectionObjectsSyncedBefore(ctx context.Context, syncedBefore time.Time) error {
	if syncedBefore.IsZero() {
		return errors.New("elba data protection delete requires a syncedBefore timestamp")
	}

	payload := struct {
		OrganisationID string `json:"organisationId"`
		SyncedBefore   string `json:"syncedBefore"`
	}{
		OrganisationID: c.OrganisationID,
		SyncedBefore:   syncedBefore.UTC().Format(time.RFC3339),
	}
	return c.call(ctx, "DELETE", "/api/rest/data_protection/objects", payload, nil)
}
