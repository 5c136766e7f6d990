package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	nethttp "net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/store"
	"github.com/elba-security/elba-connect/internal/sync"
)

type installRequest struct {
	OrganisationID string          `json:"organisationId"`
	Region         string          `json:"region"`
	Credentials    json.RawMessage `json:"credentials"`
}

type organisationRequest struct {
	OrganisationID string `json:"organisationId"`
}

type deleteUserRequest struct {
	OrganisationID string `json:"organisationId"`
	UserID         string `json:"userId"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(nethttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnectors(c echo.Context) error {
	type connectorInfo struct {
		Kind        string `json:"kind"`
		DisplayName string `json:"displayName"`
	}
	infos := make([]connectorInfo, 0)
	for _, def := range s.registry.All() {
		infos = append(infos, connectorInfo{Kind: def.Kind(), DisplayName: def.DisplayName()})
	}
	return c.JSON(nethttp.StatusOK, map[string]any{"connectors": infos})
}

// handleInstall stores an organisation's credentials and requests an initial
// sync. Reinstalling an existing organisation merges the new payload onto the
// stored one, so a payload that leaves a secret blank keeps the stored value.
func (s *Server) handleInstall(c echo.Context) error {
	def, ok := s.registry.Get(c.Param("kind"))
	if !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "unknown connector kind")
	}

	var req installRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid request body")
	}
	req.OrganisationID = strings.TrimSpace(req.OrganisationID)
	if req.OrganisationID == "" {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "organisationId is required")
	}

	creds, err := def.DecodeCredentials(req.Credentials)
	if err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid credentials: "+err.Error())
	}

	existing, err := s.st.GetOrganisation(c.Request().Context(), req.OrganisationID, def.Kind())
	switch {
	case err == nil:
		creds = s.mergeStoredCredentials(c.Request().Context(), def, existing, creds)
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	if err := def.ValidateCredentials(creds); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid credentials: "+err.Error())
	}

	encoded, err := configstore.EncodeCredentials(creds)
	if err != nil {
		return err
	}
	encrypted, err := s.cipher.Encrypt(c.Request().Context(), encoded)
	if err != nil {
		return err
	}

	_, err = s.st.UpsertOrganisation(c.Request().Context(), store.UpsertOrganisationParams{
		OrganisationID:       req.OrganisationID,
		ConnectorKind:        def.Kind(),
		Region:               strings.TrimSpace(req.Region),
		EncryptedCredentials: encrypted,
		TokenExpiresAt:       configstore.CredentialsExpiry(creds),
	})
	if err != nil {
		return err
	}

	slog.Info("installed organisation",
		"organisation_id", req.OrganisationID,
		"connector_kind", def.Kind(),
		"source", def.SourceName(creds))

	if s.pool != nil {
		if err := sync.NotifySyncRequested(c.Request().Context(), s.pool, req.OrganisationID, def.Kind()); err != nil {
			slog.Warn("failed to request initial sync", "organisation_id", req.OrganisationID, "err", err)
		}
	}
	return c.JSON(nethttp.StatusOK, map[string]string{"status": "installed"})
}

// mergeStoredCredentials folds a reinstall payload onto the organisation's
// stored credentials. Unreadable stored credentials fall back to the new
// payload wholesale: a reinstall is how a broken row gets repaired.
func (s *Server) mergeStoredCredentials(ctx context.Context, def registry.ConnectorDefinition, existing store.Organisation, update any) any {
	plaintext, err := s.cipher.Decrypt(ctx, existing.EncryptedCredentials)
	if err != nil {
		slog.Warn("could not decrypt stored credentials for reinstall",
			"organisation_id", existing.OrganisationID,
			"connector_kind", existing.ConnectorKind,
			"err", err)
		return update
	}
	stored, err := def.DecodeCredentials(plaintext)
	if err != nil {
		slog.Warn("could not decode stored credentials for reinstall",
			"organisation_id", existing.OrganisationID,
			"connector_kind", existing.ConnectorKind,
			"err", err)
		return update
	}
	merged, _ := configstore.MergeCredentials(stored, update)
	return merged
}

func (s *Server) handleUninstall(c echo.Context) error {
	kind := c.Param("kind")
	if _, ok := s.registry.Get(kind); !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "unknown connector kind")
	}

	var req organisationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid request body")
	}
	req.OrganisationID = strings.TrimSpace(req.OrganisationID)
	if req.OrganisationID == "" {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "organisationId is required")
	}

	if err := s.lifecycle.Uninstall(c.Request().Context(), req.OrganisationID, kind); err != nil {
		return err
	}
	return c.JSON(nethttp.StatusOK, map[string]string{"status": "uninstalled"})
}

func (s *Server) handleDeleteUser(c echo.Context) error {
	kind := c.Param("kind")
	if _, ok := s.registry.Get(kind); !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "unknown connector kind")
	}

	var req deleteUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid request body")
	}
	req.OrganisationID = strings.TrimSpace(req.OrganisationID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.OrganisationID == "" || req.UserID == "" {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "organisationId and userId are required")
	}

	err := s.lifecycle.DeleteUser(c.Request().Context(), req.OrganisationID, kind, req.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(nethttp.StatusNotFound, "organisation is not installed")
	case errors.Is(err, sync.ErrUserDeletionUnsupported):
		return echo.NewHTTPError(nethttp.StatusUnprocessableEntity, "connector does not support user deletion")
	case err != nil:
		return err
	}
	return c.JSON(nethttp.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRequestSync(c echo.Context) error {
	kind := c.Param("kind")
	if _, ok := s.registry.Get(kind); !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "unknown connector kind")
	}

	var req organisationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid request body")
	}
	req.OrganisationID = strings.TrimSpace(req.OrganisationID)
	if req.OrganisationID == "" {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "organisationId is required")
	}

	if _, err := s.st.GetOrganisation(c.Request().Context(), req.OrganisationID, kind); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(nethttp.StatusNotFound, "organisation is not installed")
		}
		return err
	}
	if s.pool == nil {
		return echo.NewHTTPError(nethttp.StatusServiceUnavailable, "sync requests are not available")
	}
	if err := sync.NotifySyncRequested(c.Request().Context(), s.pool, req.OrganisationID, kind); err != nil {
		return err
	}
	return c.JSON(nethttp.StatusAccepted, map[string]string{"status": "queued"})
}
