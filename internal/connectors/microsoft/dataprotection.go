package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
	"github.com/elba-security/elba-connect/internal/sync"
)

// driveItem is the subset of a Graph driveItem the delta walk needs.
type driveItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	WebURL          string `json:"webUrl"`
	LastModified    string `json:"lastModifiedDateTime"`
	Deleted         *struct{} `json:"deleted"`
	Shared          *struct{} `json:"shared"`
	ParentReference struct {
		DriveID string `json:"driveId"`
	} `json:"parentReference"`
	CreatedBy struct {
		User struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"createdBy"`
}

// FetchObjectsDelta walks one page of the root drive's change feed. The
// cursor is a Graph nextLink mid-sweep or a deltaLink from a completed sweep;
// empty starts a full enumeration. Only items with non-inherited sharing are
// reported, items covered entirely by a parent's permissions are skipped.
func (c *Connector) FetchObjectsDelta(ctx context.Context, cursor string) (registry.ObjectsDelta, error) {
	endpoint := cursor
	if endpoint == "" {
		u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + "/sites/root/drive/root/delta")
		if err != nil {
			return registry.ObjectsDelta{}, err
		}
		q := u.Query()
		q.Set("$top", "200")
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return registry.ObjectsDelta{}, err
	}

	var payload struct {
		Value     []json.RawMessage `json:"value"`
		NextLink  string            `json:"@odata.nextLink"`
		DeltaLink string            `json:"@odata.deltaLink"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registry.ObjectsDelta{}, fmt.Errorf("decode drive delta: %w", err)
	}

	delta := registry.ObjectsDelta{
		NextCursor: strings.TrimSpace(payload.NextLink),
		DeltaToken: strings.TrimSpace(payload.DeltaLink),
	}

	type sharedItem struct {
		item driveItem
		raw  json.RawMessage
	}
	var shared []sharedItem
	for _, raw := range payload.Value {
		var item driveItem
		if err := json.Unmarshal(raw, &item); err != nil {
			delta.InvalidObjects = append(delta.InvalidObjects, registry.InvalidRecord{Raw: raw, Reason: err.Error()})
			continue
		}
		if item.Deleted != nil {
			if item.ID != "" {
				delta.DeletedObjectIDs = append(delta.DeletedObjectIDs, item.ID)
			}
			continue
		}
		if item.Shared == nil {
			continue
		}
		shared = append(shared, sharedItem{item: item, raw: raw})
	}

	type resolved struct {
		obj *elba.DataProtectionObject
		raw json.RawMessage
	}
	results, err := sync.ParallelCollect(ctx, shared, c.Workers, func(ctx context.Context, s sharedItem) (resolved, error) {
		perms, err := c.itemPermissions(ctx, s.item.ParentReference.DriveID, s.item.ID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{obj: c.buildObject(s.item, perms), raw: s.raw}, nil
	}, nil)
	if err != nil {
		return registry.ObjectsDelta{}, err
	}

	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if res.Value.obj == nil {
			// All permissions were inherited, the parent object covers it.
			continue
		}
		if err := res.Value.obj.Validate(); err != nil {
			delta.InvalidObjects = append(delta.InvalidObjects, registry.InvalidRecord{Raw: res.Value.raw, Reason: err.Error()})
			continue
		}
		delta.Objects = append(delta.Objects, *res.Value.obj)
	}
	return delta, nil
}

// graphPermission is the subset of a Graph permission the classifier needs.
type graphPermission struct {
	ID            string `json:"id"`
	InheritedFrom *struct {
		ID string `json:"id"`
	} `json:"inheritedFrom"`
	Link *struct {
		Scope string `json:"scope"`
		Type  string `json:"type"`
	} `json:"link"`
	GrantedToV2 *struct {
		User struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		} `json:"user"`
	} `json:"grantedToV2"`
	GrantedToIdentitiesV2 []struct {
		User struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		} `json:"user"`
	} `json:"grantedToIdentitiesV2"`
}

func (c *Connector) itemPermissions(ctx context.Context, driveID, itemID string) ([]graphPermission, error) {
	endpoint := fmt.Sprintf("%s/drives/%s/items/%s/permissions",
		strings.TrimRight(c.BaseURL, "/"), url.PathEscape(driveID), url.PathEscape(itemID))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Value []graphPermission `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode item permissions: %w", err)
	}
	return payload.Value, nil
}

// buildObject maps an item and its direct permissions to the Elba shape.
// Returns nil when every permission is inherited: the ancestor that granted
// them is reported instead, so the walk never double-counts a share.
func (c *Connector) buildObject(item driveItem, perms []graphPermission) *elba.DataProtectionObject {
	var mapped []elba.DataProtectionPermission
	for _, p := range perms {
		if p.InheritedFrom != nil {
			continue
		}
		mapped = append(mapped, c.classifyPermission(p)...)
	}
	if len(mapped) == 0 {
		return nil
	}

	ownerID := strings.TrimSpace(item.CreatedBy.User.ID)
	return &elba.DataProtectionObject{
		ID:          item.ID,
		Name:        item.Name,
		OwnerID:     ownerID,
		URL:         item.WebURL,
		UpdatedAt:   item.LastModified,
		Permissions: mapped,
	}
}

func (c *Connector) classifyPermission(p graphPermission) []elba.DataProtectionPermission {
	if p.Link != nil {
		switch strings.ToLower(strings.TrimSpace(p.Link.Scope)) {
		case "anonymous":
			return []elba.DataProtectionPermission{{ID: p.ID, Type: "anyone"}}
		case "organization":
			return []elba.DataProtectionPermission{{ID: p.ID, Type: "domain", Domain: c.OrganisationDomain}}
		case "users":
			var out []elba.DataProtectionPermission
			for _, grantee := range p.GrantedToIdentitiesV2 {
				email := strings.TrimSpace(grantee.User.Email)
				out = append(out, elba.DataProtectionPermission{
					ID:          p.ID,
					Type:        "user",
					Email:       email,
					DisplayName: grantee.User.DisplayName,
					Metadata:    map[string]any{"external": !c.isInternalEmail(email)},
				})
			}
			return out
		default:
			return []elba.DataProtectionPermission{{ID: p.ID, Type: "anyone"}}
		}
	}

	if p.GrantedToV2 != nil {
		email := strings.TrimSpace(p.GrantedToV2.User.Email)
		return []elba.DataProtectionPermission{{
			ID:          p.ID,
			Type:        "user",
			Email:       email,
			DisplayName: p.GrantedToV2.User.DisplayName,
			Metadata:    map[string]any{"external": !c.isInternalEmail(email)},
		}}
	}
	return nil
}
