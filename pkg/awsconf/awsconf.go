// Package awsconf builds the shared AWS SDK configuration used by every AWS
// adapter (object storage, queues, topics, job records, vault).
package awsconf

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// DefaultAWSRegion is the fallback region when none is configured and no
// custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// Config selects region, credentials and endpoint for AWS clients.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials/config files, optionally with Profile
//  4. EC2 instance metadata / ECS task role / EKS IRSA
type Config struct {
	// Region is the AWS region. Empty lets the SDK resolve it from the
	// environment or profile.
	Region string

	// Endpoint overrides the service endpoint (moto, localstack, MinIO).
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string
}

// Validate checks that the configuration is consistent.
func (c Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "aws config: " + e.Field + ": " + e.Message
}

// Load builds the AWS configuration with appropriate credentials.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	if err := cfg.Validate(); err != nil {
		return aws.Config{}, err
	}

	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; let the SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = ResolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// ResolveRegion applies the fallback default after SDK loading.
//
// sdkRegion already reflects explicit config, environment and profile. When
// it is still empty and no custom endpoint is set, DefaultAWSRegion is used.
// Custom endpoints get no default.
func ResolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// EndpointOverride returns cfg.Endpoint as an SDK BaseEndpoint value, or nil.
func (c Config) EndpointOverride() *string {
	if c.Endpoint == "" {
		return nil
	}
	return aws.String(c.Endpoint)
}
