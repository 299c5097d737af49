// Package glacier implements coldstore.Vault on Amazon S3 Glacier vaults.
package glacier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/annoflow/pkg/awsconf"
	"github.com/3leaps/annoflow/pkg/coldstore"
)

// currentAccount tells Glacier to use the account of the signing credentials.
const currentAccount = "-"

const jobTypeArchiveRetrieval = "archive-retrieval"

// maxSingleUpload is the largest archive UploadArchive accepts in one request.
const maxSingleUpload = 4 << 30

// API is the subset of the Glacier client the vault uses.
type API interface {
	UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, optFns ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// Config configures a Glacier vault.
type Config struct {
	// Vault is the vault name (required).
	Vault string

	// AccountID owns the vault. Empty uses the credentials' account.
	AccountID string

	// AWS selects region, credentials and endpoint.
	AWS awsconf.Config
}

// Vault implements coldstore.Vault.
type Vault struct {
	client    API
	vault     string
	accountID string
}

var _ coldstore.Vault = (*Vault)(nil)

// New creates a vault client from configuration.
func New(ctx context.Context, cfg Config) (*Vault, error) {
	if strings.TrimSpace(cfg.Vault) == "" {
		return nil, errors.New("glacier config: Vault: vault name is required")
	}
	awsCfg, err := awsconf.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &coldstore.VaultError{Op: "New", Vault: cfg.Vault, Err: err}
	}
	client := glacier.NewFromConfig(awsCfg, func(o *glacier.Options) {
		if ep := cfg.AWS.EndpointOverride(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewWithClient(client, cfg.Vault, cfg.AccountID), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, vault, accountID string) *Vault {
	if accountID == "" {
		accountID = currentAccount
	}
	return &Vault{client: client, vault: vault, accountID: accountID}
}

func (v *Vault) Upload(ctx context.Context, body io.ReadSeeker, size int64, description string) (string, error) {
	if err := checkSize(body, size); err != nil {
		return "", &coldstore.VaultError{Op: "Upload", Vault: v.vault, Err: err}
	}
	out, err := v.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(v.accountID),
		VaultName:          aws.String(v.vault),
		ArchiveDescription: aws.String(description),
		Body:               body,
	})
	if err != nil {
		return "", v.wrapError("Upload", "", err)
	}
	return aws.ToString(out.ArchiveId), nil
}

// checkSize rejects archives a single upload cannot carry and bodies whose
// remaining length differs from size. body is left at its starting offset.
func checkSize(body io.ReadSeeker, size int64) error {
	if size < 0 || size > maxSingleUpload {
		return fmt.Errorf("archive size %d outside [0, %d]: %w", size, int64(maxSingleUpload), coldstore.ErrInvalidRequest)
	}
	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek archive body: %w", err)
	}
	end, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek archive body: %w", err)
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive body: %w", err)
	}
	if end-start != size {
		return fmt.Errorf("archive body is %d bytes, expected %d: %w", end-start, size, coldstore.ErrInvalidRequest)
	}
	return nil
}

func (v *Vault) InitiateRetrieval(ctx context.Context, req coldstore.RetrievalRequest) (string, error) {
	params := &types.JobParameters{
		Type:      aws.String(jobTypeArchiveRetrieval),
		ArchiveId: aws.String(req.ArchiveID),
		Tier:      aws.String(req.Tier.String()),
	}
	if req.Description != "" {
		params.Description = aws.String(req.Description)
	}
	out, err := v.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(v.accountID),
		VaultName:     aws.String(v.vault),
		JobParameters: params,
	})
	if err != nil {
		return "", v.wrapError("InitiateRetrieval", req.ArchiveID, err)
	}
	return aws.ToString(out.JobId), nil
}

func (v *Vault) DescribeRetrieval(ctx context.Context, retrievalID string) (*coldstore.Retrieval, error) {
	out, err := v.client.DescribeJob(ctx, &glacier.DescribeJobInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.vault),
		JobId:     aws.String(retrievalID),
	})
	if err != nil {
		return nil, v.wrapError("DescribeRetrieval", retrievalID, err)
	}

	r := &coldstore.Retrieval{
		ID:            retrievalID,
		ArchiveID:     aws.ToString(out.ArchiveId),
		Tier:          coldstore.Tier(aws.ToString(out.Tier)),
		StatusMessage: aws.ToString(out.StatusMessage),
	}
	switch out.StatusCode {
	case types.StatusCodeSucceeded:
		r.Status = coldstore.RetrievalSucceeded
	case types.StatusCodeFailed:
		r.Status = coldstore.RetrievalFailed
	default:
		r.Status = coldstore.RetrievalInProgress
	}
	return r, nil
}

func (v *Vault) RetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, int64, error) {
	out, err := v.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.vault),
		JobId:     aws.String(retrievalID),
	})
	if err != nil {
		return nil, 0, v.wrapError("RetrievalOutput", retrievalID, err)
	}
	return out.Body, -1, nil
}

func (v *Vault) DeleteArchive(ctx context.Context, archiveID string) error {
	_, err := v.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(v.accountID),
		VaultName: aws.String(v.vault),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		wrapped := v.wrapError("DeleteArchive", archiveID, err)
		if coldstore.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// Close releases any resources held by the vault.
func (v *Vault) Close() error {
	return nil
}

// wrapError converts Glacier errors to vault errors with sentinel causes.
func (v *Vault) wrapError(op, id string, err error) error {
	wrapped := &coldstore.VaultError{Op: op, Vault: v.vault, ID: id, Err: err}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}

	switch apiErr.ErrorCode() {
	case "PolicyEnforcedException", "InsufficientCapacityException":
		wrapped.Err = coldstore.ErrTierUnavailable
	case "ResourceNotFoundException":
		wrapped.Err = coldstore.ErrNotFound
	case "InvalidParameterValueException", "MissingParameterValueException":
		// GetJobOutput on an unfinished job reports an invalid parameter.
		if op == "RetrievalOutput" && strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not") {
			wrapped.Err = coldstore.ErrNotReady
		} else {
			wrapped.Err = coldstore.ErrInvalidRequest
		}
	case "AccessDeniedException", "UnrecognizedClientException":
		wrapped.Err = coldstore.ErrAccessDenied
	case "LimitExceededException", "ThrottlingException":
		wrapped.Err = coldstore.ErrThrottled
	case "ServiceUnavailableException", "RequestTimeoutException":
		wrapped.Err = coldstore.ErrUnavailable
	}
	return wrapped
}
