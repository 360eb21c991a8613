package job

import (
	"fmt"
	"regexp"
	"strings"

	"astraops/internal/apperrors"
)

// Validation limits
const (
	maxServices    = 20
	maxEnvEntries  = 64
	maxAppNameLen  = 40
	maxImageRefLen = 512
)

var (
	accountIDPattern = regexp.MustCompile(`^\d{12}$`)
	regionPattern    = regexp.MustCompile(`^[a-z]{2}-[a-z]+-\d$`)
	roleArnPattern   = regexp.MustCompile(`^arn:aws:iam::\d{12}:role/[\w+=,.@/-]+$`)
	// DNS-1123 label, since the name becomes a namespace and resource prefix.
	dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	// registry/repo[:tag][@digest], loosely.
	imagePattern = regexp.MustCompile(`^[\w.\-/:@]+$`)
)

// Validate checks req and reports every problem found, not just the first.
func Validate(req *Request) error {
	var errs apperrors.ValidationErrors

	switch {
	case req.AccountID == "":
		errs.Add("accountId", "accountId is required")
	case !accountIDPattern.MatchString(req.AccountID):
		errs.Add("accountId", "accountId must be exactly 12 digits")
	}

	switch {
	case req.Region == "":
		errs.Add("region", "region is required")
	case !regionPattern.MatchString(req.Region):
		errs.Add("region", fmt.Sprintf("region %q is not a valid AWS region (expected e.g. us-east-1)", req.Region))
	}

	switch {
	case req.RoleArn == "":
		errs.Add("roleArn", "roleArn is required")
	case !roleArnPattern.MatchString(req.RoleArn):
		errs.Add("roleArn", "roleArn must be an IAM role ARN (arn:aws:iam::<account>:role/<name>)")
	}

	if c := req.AWSCredentials; c != nil && (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		errs.Add("awsCredentials", "awsCredentials requires both accessKeyId and secretAccessKey")
	}

	validateConfig(req.AstraopsConfig, &errs)

	return errs.ErrOrNil()
}

func validateConfig(cfg *AppConfig, errs *apperrors.ValidationErrors) {
	if cfg == nil {
		errs.Add("astraopsConfig", "astraopsConfig is required")
		return
	}

	switch {
	case cfg.ApplicationName == "":
		errs.Add("astraopsConfig.applicationName", "astraopsConfig.applicationName is required")
	case len(cfg.ApplicationName) > maxAppNameLen || !dnsLabelPattern.MatchString(cfg.ApplicationName):
		errs.Add("astraopsConfig.applicationName",
			fmt.Sprintf("astraopsConfig.applicationName must be a lowercase DNS label of at most %d characters", maxAppNameLen))
	}

	if len(cfg.Services) == 0 {
		errs.Add("astraopsConfig.services", "astraopsConfig.services is required and must contain at least one service")
		return
	}
	if len(cfg.Services) > maxServices {
		errs.Add("astraopsConfig.services", fmt.Sprintf("astraopsConfig.services exceeds maximum of %d", maxServices))
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		field := fmt.Sprintf("astraopsConfig.services[%d]", i)

		switch {
		case strings.TrimSpace(svc.Name) == "":
			errs.Add(field+".name", field+".name is required")
		case !dnsLabelPattern.MatchString(svc.Name):
			errs.Add(field+".name", field+".name must be a lowercase DNS label")
		case seen[svc.Name]:
			errs.Add(field+".name", fmt.Sprintf("%s.name %q is duplicated", field, svc.Name))
		}
		seen[svc.Name] = true

		if svc.Port < 1 || svc.Port > 65535 {
			errs.Add(field+".port", field+".port must be between 1 and 65535")
		}

		switch {
		case svc.Image == "":
			errs.Add(field+".image", field+".image is required")
		case len(svc.Image) > maxImageRefLen || !imagePattern.MatchString(svc.Image):
			errs.Add(field+".image", field+".image is not a valid image reference")
		}

		if len(svc.Environment) > maxEnvEntries {
			errs.Add(field+".environment", fmt.Sprintf("%s.environment exceeds maximum of %d entries", field, maxEnvEntries))
		}

		if svc.Storage != nil {
			if svc.Storage.Size == "" {
				errs.Add(field+".storage.size", field+".storage.size is required")
			}
			if !strings.HasPrefix(svc.Storage.MountPath, "/") {
				errs.Add(field+".storage.mountPath", field+".storage.mountPath must be an absolute path")
			}
		}
	}
}
