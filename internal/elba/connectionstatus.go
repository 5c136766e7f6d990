package elba

import "context"

// UpdateConnectionStatus reflects a broken (or repaired) vendor connection in
// Elba so the organisation's admins see "needs reconnection".
func (c *Client) UpdateConnectionStatus(ctx context.Context, errorType ConnectionErrorType, metadata any) error {
	payload := struct {
		OrganisationID string              `json:"organisationId"`
		ErrorType      ConnectionErrorType `json:"errorType"`
		ErrorMetadata  any                 `json:"errorMetadata,omitempty"`
	}{
		OrganisationID: c.OrganisationID,
		ErrorType:      errorType,
		ErrorMetadata:  metadata,
	}
	return c.call(ctx, "POST", "/api/rest/connection_status", payload, nil)
}
