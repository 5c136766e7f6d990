// Package aws syncs IAM Identity Center users.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/aws/smithy-go"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
)

const (
	Kind = configstore.KindAWS

	defaultHTTPTimeout = 120 * time.Second
	defaultPageSize    = 100
)

type ssoAdminAPI interface {
	ListInstances(context.Context, *ssoadmin.ListInstancesInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListInstancesOutput, error)
}

type identityStoreAPI interface {
	ListUsers(context.Context, *identitystore.ListUsersInput, ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error)
	DeleteUser(context.Context, *identitystore.DeleteUserInput, ...func(*identitystore.Options)) (*identitystore.DeleteUserOutput, error)
}

type Connector struct {
	region          string
	instanceARN     string
	identityStoreID string

	ssoadmin      ssoAdminAPI
	identitystore identityStoreAPI
}

func New(ctx context.Context, creds configstore.AWSCredentials) (*Connector, error) {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(creds.Region),
		config.WithHTTPClient(&http.Client{Timeout: defaultHTTPTimeout}),
	}
	if creds.AuthType == configstore.AWSAuthTypeAccessKey {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return NewWithClients(creds, ssoadmin.NewFromConfig(cfg), identitystore.NewFromConfig(cfg)), nil
}

func NewWithClients(creds configstore.AWSCredentials, sso ssoAdminAPI, identity identityStoreAPI) *Connector {
	creds = creds.Normalized()
	return &Connector{
		region:          creds.Region,
		instanceARN:     creds.InstanceARN,
		identityStoreID: creds.IdentityStoreID,
		ssoadmin:        sso,
		identitystore:   identity,
	}
}

func (c *Connector) Kind() string { return Kind }

func (c *Connector) SourceName() string {
	if c.identityStoreID != "" {
		return "identity store " + c.identityStoreID
	}
	return "region " + c.region
}

// FetchUsersPage lists one page of Identity Center users. The cursor is the
// identitystore NextToken verbatim.
func (c *Connector) FetchUsersPage(ctx context.Context, cursor string) (registry.UsersPage, error) {
	if err := c.ensureIdentityStore(ctx); err != nil {
		return registry.UsersPage{}, mapAWSError("sso:ListInstances", err)
	}

	input := &identitystore.ListUsersInput{
		IdentityStoreId: aws.String(c.identityStoreID),
		MaxResults:      aws.Int32(defaultPageSize),
	}
	if cursor != "" {
		input.NextToken = aws.String(cursor)
	}

	resp, err := c.identitystore.ListUsers(ctx, input)
	if err != nil {
		return registry.UsersPage{}, mapAWSError("identitystore:ListUsers", err)
	}

	page := registry.UsersPage{NextCursor: strings.TrimSpace(aws.ToString(resp.NextToken))}
	for _, u := range resp.Users {
		user, raw, err := mapUser(u)
		if err != nil {
			page.InvalidUsers = append(page.InvalidUsers, registry.InvalidRecord{Raw: raw, Reason: err.Error()})
			continue
		}
		if err := user.Validate(); err != nil {
			page.InvalidUsers = append(page.InvalidUsers, registry.InvalidRecord{Raw: raw, Reason: err.Error()})
			continue
		}
		page.ValidUsers = append(page.ValidUsers, user)
	}
	return page, nil
}

// DeleteUser removes the user from the identity store. A missing user counts
// as success.
func (c *Connector) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("aws user id is required")
	}
	if err := c.ensureIdentityStore(ctx); err != nil {
		return mapAWSError("sso:ListInstances", err)
	}

	_, err := c.identitystore.DeleteUser(ctx, &identitystore.DeleteUserInput{
		IdentityStoreId: aws.String(c.identityStoreID),
		UserId:          aws.String(userID),
	})
	var notFound *identitystoretypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return mapAWSError("identitystore:DeleteUser", err)
	}
	return nil
}

func (c *Connector) ensureIdentityStore(ctx context.Context) error {
	if c.identitystore == nil {
		return errors.New("aws identitystore client is required")
	}
	if c.identityStoreID != "" {
		return nil
	}
	if c.ssoadmin == nil {
		return errors.New("aws ssoadmin client is required to discover identity center instance")
	}

	var token *string
	var matched bool
	for {
		resp, err := c.ssoadmin.ListInstances(ctx, &ssoadmin.ListInstancesInput{NextToken: token})
		if err != nil {
			return fmt.Errorf("list aws identity center instances: %w", err)
		}
		for _, inst := range resp.Instances {
			if c.instanceARN != "" && aws.ToString(inst.InstanceArn) != c.instanceARN {
				continue
			}
			if matched {
				return errors.New("multiple aws identity center instances found; set instance ARN and identity store ID")
			}
			c.identityStoreID = aws.ToString(inst.IdentityStoreId)
			if c.instanceARN == "" {
				c.instanceARN = aws.ToString(inst.InstanceArn)
			}
			matched = true
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}

	if c.identityStoreID == "" {
		return errors.New("no aws identity center instances found")
	}
	return nil
}

func mapUser(u identitystoretypes.User) (elba.User, []byte, error) {
	raw := marshalJSON(u)

	userID := strings.TrimSpace(aws.ToString(u.UserId))
	if userID == "" {
		return elba.User{}, raw, errors.New("user id is missing")
	}

	display := strings.TrimSpace(aws.ToString(u.DisplayName))
	if display == "" {
		display = strings.TrimSpace(aws.ToString(u.UserName))
	}
	if display == "" {
		display = userID
	}

	suspendable := true
	return elba.User{
		ID:            userID,
		DisplayName:   display,
		Email:         firstNonEmptyEmail(u.Emails),
		AuthMethod:    elba.AuthMethodSSO,
		IsSuspendable: &suspendable,
	}, raw, nil
}

// mapAWSError translates SDK failures onto the error taxonomy so the driver
// can distinguish broken credentials from transient faults.
func mapAWSError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidClientTokenId", "ExpiredTokenException", "InvalidSignatureException":
		return registry.NewStatusError(operation, http.StatusUnauthorized, []byte(apiErr.ErrorMessage()))
	case "AccessDeniedException", "AccessDenied", "UnauthorizedException":
		return registry.NewStatusError(operation, http.StatusForbidden, []byte(apiErr.ErrorMessage()))
	case "ThrottlingException", "TooManyRequestsException":
		return registry.NewStatusError(operation, http.StatusTooManyRequests, []byte(apiErr.ErrorMessage()))
	default:
		return err
	}
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func firstNonEmptyEmail(emails []identitystoretypes.Email) string {
	for _, email := range emails {
		if value := strings.TrimSpace(aws.ToString(email.Value)); value != "" {
			return value
		}
	}
	return ""
}
