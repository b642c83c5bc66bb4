// Package directory implements the IdP boundary against an AWS Cognito
// user pool. The pool is the source of truth for accounts, credentials and
// group memberships; this package only reads.
package directory

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cognito "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
)

// cognitoAPI is the slice of the Cognito client the directory uses,
// abstracted so tests can fake it.
type cognitoAPI interface {
	ListUsers(ctx context.Context, params *cognito.ListUsersInput, optFns ...func(*cognito.Options)) (*cognito.ListUsersOutput, error)
	AdminListGroupsForUser(ctx context.Context, params *cognito.AdminListGroupsForUserInput, optFns ...func(*cognito.Options)) (*cognito.AdminListGroupsForUserOutput, error)
}

type Config struct {
	Region     string
	UserPoolID string
	PageSize   int32
}

// ConfigFromEnv reads directory config from environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Region:     os.Getenv("AWS_REGION"),
		UserPoolID: os.Getenv("COGNITO_USER_POOL_ID"),
		PageSize:   60,
	}
	if v := os.Getenv("DIRECTORY_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 60 {
			cfg.PageSize = int32(n)
		}
	}
	return cfg
}

// CognitoDirectory adapts a Cognito user pool to the sync.Directory
// interface.
type CognitoDirectory struct {
	api        cognitoAPI
	userPoolID string
	pageSize   int32
}

// NewCognitoDirectory loads the default AWS config chain and wraps a
// Cognito client for the configured user pool.
func NewCognitoDirectory(ctx context.Context, cfg Config) (*CognitoDirectory, error) {
	if cfg.UserPoolID == "" {
		return nil, fmt.Errorf("COGNITO_USER_POOL_ID is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newCognitoDirectory(cognito.NewFromConfig(awsCfg), cfg), nil
}

func newCognitoDirectory(api cognitoAPI, cfg Config) *CognitoDirectory {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 60
	}
	return &CognitoDirectory{api: api, userPoolID: cfg.UserPoolID, pageSize: pageSize}
}

// ListUsers returns one page of pool users and the pagination token of the
// next page, empty when the listing is exhausted.
func (d *CognitoDirectory) ListUsers(ctx context.Context, pageToken string) ([]entity.ExternalUserRecord, string, error) {
	in := &cognito.ListUsersInput{
		UserPoolId: aws.String(d.userPoolID),
		Limit:      aws.Int32(d.pageSize),
	}
	if pageToken != "" {
		in.PaginationToken = aws.String(pageToken)
	}
	out, err := d.api.ListUsers(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("cognito list users: %w", err)
	}
	records := make([]entity.ExternalUserRecord, 0, len(out.Users))
	for _, u := range out.Users {
		records = append(records, recordFromUser(u))
	}
	return records, aws.ToString(out.PaginationToken), nil
}

// ListGroupsForUser pages through all group memberships of one user.
func (d *CognitoDirectory) ListGroupsForUser(ctx context.Context, subjectOrUsername string) ([]string, error) {
	groups := []string{}
	var token *string
	for {
		out, err := d.api.AdminListGroupsForUser(ctx, &cognito.AdminListGroupsForUserInput{
			UserPoolId: aws.String(d.userPoolID),
			Username:   aws.String(subjectOrUsername),
			NextToken:  token,
		})
		if err != nil {
			return nil, fmt.Errorf("cognito list groups for %s: %w", subjectOrUsername, err)
		}
		for _, g := range out.Groups {
			groups = append(groups, aws.ToString(g.GroupName))
		}
		if out.NextToken == nil {
			return groups, nil
		}
		token = out.NextToken
	}
}

// recordFromUser flattens a Cognito user into the raw record shape the
// pipeline consumes. Groups are fetched separately per user.
func recordFromUser(u types.UserType) entity.ExternalUserRecord {
	attrs := make(map[string]string, len(u.Attributes))
	for _, a := range u.Attributes {
		attrs[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}
	return entity.ExternalUserRecord{
		SubjectID:      attrs["sub"],
		Username:       aws.ToString(u.Username),
		Email:          attrs["email"],
		Name:           attrs["name"],
		Attributes:     attrs,
		Enabled:        u.Enabled,
		ExternalStatus: string(u.UserStatus),
	}
}
