package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"astraops/internal/job"
)

// DefaultSessionDuration is how long assumed-role sessions last.
const DefaultSessionDuration = time.Hour

// STSAPI is the subset of the STS client used here.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSFactory builds an STS client signed with the caller's credentials.
type STSFactory func(ctx context.Context, region string, creds job.AWSCredentials) (STSAPI, error)

// Authenticator exchanges caller credentials for a session on the target role.
type Authenticator struct {
	newClient STSFactory
	duration  time.Duration
}

// NewAuthenticator returns an Authenticator backed by the AWS SDK.
func NewAuthenticator() *Authenticator {
	return NewAuthenticatorWith(func(ctx context.Context, region string, creds job.AWSCredentials) (STSAPI, error) {
		cfg, err := loadConfig(ctx, region, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		if err != nil {
			return nil, err
		}
		return sts.NewFromConfig(cfg), nil
	})
}

// NewAuthenticatorWith returns an Authenticator using a custom client factory.
func NewAuthenticatorWith(factory STSFactory) *Authenticator {
	return &Authenticator{newClient: factory, duration: DefaultSessionDuration}
}

// Assume assumes req.RoleArn with creds and returns the session credentials.
// sessionName appears in CloudTrail, so callers pass something traceable
// such as the job ID.
func (a *Authenticator) Assume(ctx context.Context, req job.Request, creds job.AWSCredentials, sessionName string) (job.Credentials, error) {
	client, err := a.newClient(ctx, req.Region, creds)
	if err != nil {
		return job.Credentials{}, fmt.Errorf("failed to configure STS client: %w", err)
	}

	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(req.RoleArn),
		RoleSessionName: aws.String(roleSessionName(sessionName)),
		DurationSeconds: aws.Int32(int32(a.duration.Seconds())),
	})
	if err != nil {
		return job.Credentials{}, wrapError("sts:AssumeRole", err)
	}
	if out.Credentials == nil {
		return job.Credentials{}, &Error{Op: "sts:AssumeRole", Class: ErrInvalidCredentials, Err: fmt.Errorf("no credentials returned")}
	}

	return job.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// roleSessionName keeps the name within STS limits (2-64 chars of [\w+=,.@-]).
func roleSessionName(name string) string {
	name = "astraops-" + name
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
