// Package cloud talks to the AWS APIs the deployment workflow needs
// directly: STS for role assumption and S3 for the remote state bucket.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"
)

// Error classes for AWS API failures.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrNotFound           = errors.New("resource not found")
	ErrUnavailable        = errors.New("service unavailable")
)

// Error wraps an AWS API failure with the operation that produced it.
type Error struct {
	Op    string // e.g. "sts:AssumeRole"
	Class error  // one of the Err* classes, or nil if unclassified
	Code  string // AWS error code, if any
	Err   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, message(e.Err))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the class and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Class == nil {
		return []error{e.Err}
	}
	return []error{e.Class, e.Err}
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Op: op, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped.Code = apiErr.ErrorCode()
		switch wrapped.Code {
		case "AccessDenied", "AccessDeniedException", "Forbidden":
			wrapped.Class = ErrAccessDenied
		case "InvalidAccessKeyId", "InvalidClientTokenId", "SignatureDoesNotMatch", "ExpiredToken", "ExpiredTokenException":
			wrapped.Class = ErrInvalidCredentials
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			wrapped.Class = ErrThrottled
		case "NoSuchBucket", "NotFound", "NoSuchKey":
			wrapped.Class = ErrNotFound
		case "ServiceUnavailable", "InternalError":
			wrapped.Class = ErrUnavailable
		}
	}
	return wrapped
}

func message(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}

// Describe renders err as a single line suitable for a job log entry.
func Describe(err error) string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return strings.TrimSpace(cerr.Error())
	}
	return err.Error()
}

// loadConfig builds an AWS config for region using a fixed set of
// credentials, never the ambient credential chain of the service host.
func loadConfig(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)),
	)
}
