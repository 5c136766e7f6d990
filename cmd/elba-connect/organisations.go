package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/elba-security/elba-connect/internal/config"
	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/store"
)

var organisationsCmd = &cobra.Command{
	Use:   "organisations",
	Short: "Manage installed organisations.",
}

var (
	installOrganisationID   string
	installConnectorKind    string
	installRegion           string
	installCredentialsFile  string
	installCredentialsStdin bool
)

var organisationsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install (or reinstall) an organisation with vendor credentials.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		organisationID := strings.TrimSpace(installOrganisationID)
		if organisationID == "" {
			return errors.New("--organisation-id is required")
		}

		cfg, err := config.LoadOptionalElba()
		if err != nil {
			return err
		}
		reg, err := buildConnectorRegistry(cfg)
		if err != nil {
			return err
		}
		def, ok := reg.Get(installConnectorKind)
		if !ok {
			return fmt.Errorf("unknown connector kind %q (known: %s)", installConnectorKind, strings.Join(reg.Kinds(), ", "))
		}

		raw, err := resolveInstallCredentials(cmd)
		if err != nil {
			return err
		}
		creds, err := def.DecodeCredentials(raw)
		if err != nil {
			return err
		}
		if err := def.ValidateCredentials(creds); err != nil {
			return err
		}

		cipher, err := buildCipher(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st := store.New(pool)

		encoded, err := configstore.EncodeCredentials(creds)
		if err != nil {
			return err
		}
		encrypted, err := cipher.Encrypt(ctx, encoded)
		if err != nil {
			return err
		}

		_, err = st.UpsertOrganisation(ctx, store.UpsertOrganisationParams{
			OrganisationID:       organisationID,
			ConnectorKind:        def.Kind(),
			Region:               strings.TrimSpace(installRegion),
			EncryptedCredentials: encrypted,
			TokenExpiresAt:       configstore.CredentialsExpiry(creds),
		})
		if err != nil {
			return err
		}

		cmd.Printf("installed %s for organisation %s (%s)\n", def.Kind(), organisationID, def.SourceName(creds))
		return nil
	},
}

var organisationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed organisations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOptionalElba()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		orgs, err := store.New(pool).ListOrganisations(ctx)
		if err != nil {
			return err
		}
		if len(orgs) == 0 {
			cmd.Println("no organisations installed")
			return nil
		}
		for _, org := range orgs {
			expiry := "-"
			if org.TokenExpiresAt != nil {
				expiry = org.TokenExpiresAt.UTC().Format(time.RFC3339)
			}
			cmd.Printf("%s\t%s\tregion=%s\ttoken_expires_at=%s\n", org.OrganisationID, org.ConnectorKind, org.Region, expiry)
		}
		return nil
	},
}

var (
	uninstallOrganisationID string
	uninstallConnectorKind  string
)

var organisationsUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove an organisation and destroy its stored credentials.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		organisationID := strings.TrimSpace(uninstallOrganisationID)
		if organisationID == "" {
			return errors.New("--organisation-id is required")
		}

		cfg, err := config.LoadOptionalElba()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.New(pool).DeleteOrganisation(ctx, organisationID, uninstallConnectorKind); err != nil {
			return err
		}
		cmd.Printf("uninstalled %s for organisation %s\n", uninstallConnectorKind, organisationID)
		return nil
	},
}

func resolveInstallCredentials(cmd *cobra.Command) ([]byte, error) {
	if installCredentialsFile != "" && installCredentialsStdin {
		return nil, errors.New("--credentials-file and --credentials-stdin are mutually exclusive")
	}

	if installCredentialsFile != "" {
		return os.ReadFile(installCredentialsFile)
	}

	if installCredentialsStdin {
		in, err := os.Stdin.Stat()
		if err != nil {
			return nil, err
		}
		if in.Mode()&os.ModeCharDevice != 0 {
			return nil, errors.New("stdin is a terminal; omit --credentials-stdin to prompt")
		}
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("credentials are empty")
		}
		return []byte(scanner.Text()), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("no credentials provided (use --credentials-file or --credentials-stdin)")
	}

	// Credentials contain secrets, so the prompt stays hidden.
	cmd.Print("Credentials JSON: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("credentials are empty")
	}
	return raw, nil
}

func init() {
	organisationsCmd.AddCommand(organisationsInstallCmd, organisationsListCmd, organisationsUninstallCmd)

	organisationsInstallCmd.Flags().StringVar(&installOrganisationID, "organisation-id", "", "Elba organisation identifier")
	organisationsInstallCmd.Flags().StringVar(&installConnectorKind, "kind", "", "Connector kind (e.g. calendly, okta)")
	organisationsInstallCmd.Flags().StringVar(&installRegion, "region", "", "Elba region for the organisation")
	organisationsInstallCmd.Flags().StringVar(&installCredentialsFile, "credentials-file", "", "Path to a JSON credentials file")
	organisationsInstallCmd.Flags().BoolVar(&installCredentialsStdin, "credentials-stdin", false, "Read JSON credentials from stdin")
	_ = organisationsInstallCmd.MarkFlagRequired("organisation-id")
	_ = organisationsInstallCmd.MarkFlagRequired("kind")

	organisationsUninstallCmd.Flags().StringVar(&uninstallOrganisationID, "organisation-id", "", "Elba organisation identifier")
	organisationsUninstallCmd.Flags().StringVar(&uninstallConnectorKind, "kind", "", "Connector kind")
	_ = organisationsUninstallCmd.MarkFlagRequired("organisation-id")
	_ = organisationsUninstallCmd.MarkFlagRequired("kind")
}
