// Package s3 implements hot storage on AWS S3 and S3-compatible stores.
package s3

import "github.com/3leaps/annoflow/pkg/awsconf"

// Config configures an S3 provider.
//
// Credentials and region resolve through awsconf (explicit keys, then the
// SDK default chain). For S3-compatible stores (MinIO, moto) set
// AWS.Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// AWS selects region, credentials and endpoint.
	AWS awsconf.Config

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores and useful for local development.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if err := c.AWS.Validate(); err != nil {
		return &ConfigError{Field: "AWS", Message: err.Error()}
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
	return "s3 config: " + e.Field + ": " + e.Message
}
