package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annoflow/pkg/awsconf"
	"github.com/3leaps/annoflow/pkg/provider"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "empty bucket",
			config:  Config{},
			wantErr: "bucket name is required",
		},
		{
			name:   "valid minimal config",
			config: Config{Bucket: "results"},
		},
		{
			name: "valid S3-compatible config",
			config: Config{
				Bucket:         "results",
				AWS:            awsconf.Config{Endpoint: "http://localhost:9000", AccessKeyID: "k", SecretAccessKey: "s"},
				ForcePathStyle: true,
			},
		},
		{
			name:    "access key without secret",
			config:  Config{Bucket: "results", AWS: awsconf.Config{AccessKeyID: "k"}},
			wantErr: "both access key ID and secret access key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 config: Bucket")
}

func TestOpener_RequiresBucket(t *testing.T) {
	open := Opener(nil)
	_, err := open(context.Background(), "")
	assert.Error(t, err)

	s, err := open(context.Background(), "results")
	require.NoError(t, err)
	assert.Equal(t, "results", s.(*Provider).bucket)
}

func TestWrapError_TypedErrors(t *testing.T) {
	p := &Provider{bucket: "results"}

	err := p.wrapError("GetObject", "k", &types.NoSuchKey{})
	assert.True(t, provider.IsNotFound(err))

	err = p.wrapError("Head", "k", &types.NotFound{})
	assert.True(t, provider.IsNotFound(err))

	err = p.wrapError("Head", "k", &types.NoSuchBucket{})
	assert.True(t, provider.IsBucketNotFound(err))

	var provErr *provider.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "Head", provErr.Op)
	assert.Equal(t, "results", provErr.Bucket)
	assert.Equal(t, "k", provErr.Key)
}

func TestWrapError_APIError(t *testing.T) {
	p := &Provider{bucket: "results"}

	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NotFound", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrBucketNotFound},
		{"AccessDenied", provider.ErrAccessDenied},
		{"Forbidden", provider.ErrAccessDenied},
		{"InvalidAccessKeyId", provider.ErrInvalidCredentials},
		{"SignatureDoesNotMatch", provider.ErrInvalidCredentials},
		{"SlowDown", provider.ErrThrottled},
		{"Throttling", provider.ErrThrottled},
		{"ServiceUnavailable", provider.ErrProviderUnavailable},
		{"InternalError", provider.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := p.wrapError("PutObject", "k", &mockAPIError{code: tt.code, message: "boom"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unknown code keeps original", func(t *testing.T) {
		orig := &mockAPIError{code: "Weird", message: "boom"}
		err := p.wrapError("PutObject", "k", orig)
		assert.ErrorIs(t, err, orig)
	})
}

func TestWrapError_FromMessage(t *testing.T) {
	p := &Provider{bucket: "results"}

	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"404", "http 404", provider.ErrNotFound},
		{"403", "status 403", provider.ErrAccessDenied},
		{"429", "status 429", provider.ErrThrottled},
		{"503", "status 503", provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.wrapError("Head", "k", errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCleanETag(t *testing.T) {
	assert.Equal(t, "abc", cleanETag(`"abc"`))
	assert.Equal(t, "abc", cleanETag("abc"))
	assert.Equal(t, "", cleanETag(`""`))
}
