package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-ingest/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numS3Retries       = 3
	s3RetryWait        = 2 * time.Second
	fingerprintMetaKey = "fingerprint"
	directPartSize     = 10 * 1024 * 1024
)

// S3API is the subset of the S3 client used by S3Endpoint.
type S3API interface {
	manager.UploadAPIClient
	s3.ListPartsAPIClient
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// S3Params configures an S3Endpoint.
type S3Params struct {
	Bucket string
	Region string
	// Prefix is prepended to every object key.
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for R2 or MinIO. Path style
	// addressing is used when set.
	Endpoint string
}

type s3Upload struct {
	key      string
	uploadID string
}

// S3Endpoint maps chunked uploads onto S3 multipart uploads. Chunk i is part
// i+1. The prefix fingerprint is part of the object key, which lets
// CheckResumable find unfinished multipart uploads of the same file.
type S3Endpoint struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	baseURL  string
	logger   log.Logger

	mu      sync.Mutex
	uploads map[string]s3Upload
}

// NewS3Endpoint creates an endpoint using credentials from params or, when
// empty, the default AWS credential chain.
func NewS3Endpoint(ctx context.Context, params S3Params, logger log.Logger) (*S3Endpoint, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", params.Bucket, params.Region)
	if params.Endpoint != "" {
		baseURL = fmt.Sprintf("%s/%s", strings.TrimSuffix(params.Endpoint, "/"), params.Bucket)
	}

	return NewS3EndpointWithClient(client, params.Bucket, params.Prefix, baseURL, logger), nil
}

// NewS3EndpointWithClient creates an endpoint on top of an existing client.
// baseURL is used to build object URLs when S3 does not report a location.
func NewS3EndpointWithClient(client S3API, bucket, prefix, baseURL string, logger log.Logger) *S3Endpoint {
	return &S3Endpoint{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = directPartSize
		}),
		bucket:  bucket,
		prefix:  prefix,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
		uploads: map[string]s3Upload{},
	}
}

// InitUpload starts a multipart upload.
func (e *S3Endpoint) InitUpload(ctx context.Context, req chunkuploader.InitRequest) error {
	key := e.objectKey(req.FileHash, req.FileName)

	var out *s3.CreateMultipartUploadOutput
	err := retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		out, err = e.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				fingerprintMetaKey: req.FileHash,
			},
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.uploads[req.UploadID] = s3Upload{key: key, uploadID: aws.ToString(out.UploadId)}
	e.mu.Unlock()

	e.logger.Debugf("Started multipart upload %s for %s", aws.ToString(out.UploadId), key)
	return nil
}

// UploadChunk uploads the chunk as part ChunkIndex+1.
func (e *S3Endpoint) UploadChunk(ctx context.Context, req chunkuploader.ChunkRequest) error {
	upload, err := e.lookup(req.UploadID)
	if err != nil {
		return err
	}

	out, err := e.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(upload.uploadID),
		PartNumber:    aws.Int32(int32(req.ChunkIndex + 1)),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", req.ChunkIndex+1, mapS3Error(err))
	}
	if aws.ToString(out.ETag) == "" {
		return fmt.Errorf("no ETag in response")
	}

	return nil
}

// CompleteUpload completes the multipart upload with the parts S3 holds.
func (e *S3Endpoint) CompleteUpload(ctx context.Context, uploadID, fileName string, totalChunks int) (string, error) {
	upload, err := e.lookup(uploadID)
	if err != nil {
		return "", err
	}

	parts, err := e.listParts(ctx, upload)
	if err != nil {
		return "", err
	}
	if len(parts) != totalChunks {
		return "", fmt.Errorf("expected %d parts, found %d", totalChunks, len(parts))
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
	}

	out, err := e.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(upload.key),
		UploadId:        aws.String(upload.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", mapS3Error(err))
	}

	e.forget(uploadID)

	if location := aws.ToString(out.Location); location != "" {
		return location, nil
	}
	return e.objectURL(upload.key), nil
}

// CancelUpload aborts the multipart upload and drops its parts.
func (e *S3Endpoint) CancelUpload(ctx context.Context, uploadID string) error {
	upload, err := e.lookup(uploadID)
	if err != nil {
		return err
	}

	_, err = e.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(upload.uploadID),
	})
	e.forget(uploadID)
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", mapS3Error(err))
	}
	return nil
}

// CheckResumable returns the most recent unfinished multipart upload whose
// key carries fileHash.
func (e *S3Endpoint) CheckResumable(ctx context.Context, fileHash string) (string, error) {
	if fileHash == "" {
		return "", nil
	}

	out, err := e.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(e.objectKey(fileHash, "")),
	})
	if err != nil {
		return "", fmt.Errorf("list multipart uploads: %w", mapS3Error(err))
	}

	var latest *types.MultipartUpload
	for i := range out.Uploads {
		u := &out.Uploads[i]
		if latest == nil || aws.ToTime(u.Initiated).After(aws.ToTime(latest.Initiated)) {
			latest = u
		}
	}
	if latest == nil {
		return "", nil
	}

	id := aws.ToString(latest.UploadId)
	e.mu.Lock()
	e.uploads[id] = s3Upload{key: aws.ToString(latest.Key), uploadID: id}
	e.mu.Unlock()

	return id, nil
}

// GetUploadStatus returns the chunk indices of the uploaded parts.
func (e *S3Endpoint) GetUploadStatus(ctx context.Context, uploadID string) ([]int, error) {
	upload, err := e.lookup(uploadID)
	if err != nil {
		return nil, err
	}

	parts, err := e.listParts(ctx, upload)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		indices = append(indices, int(aws.ToInt32(p.PartNumber))-1)
	}
	return indices, nil
}

// DirectUpload stores a small file as a single object.
func (e *S3Endpoint) DirectUpload(ctx context.Context, req chunkuploader.DirectRequest) (string, error) {
	key := path.Join(e.prefix, req.EndpointPath, req.FileName)

	var location string
	err := retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(e.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(req.Data),
			ContentLength: aws.Int64(int64(len(req.Data))),
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), ctx.Err() != nil
		}
		location = out.Location
		return nil, true
	})
	if err != nil {
		return "", err
	}

	if location == "" {
		location = e.objectURL(key)
	}
	return location, nil
}

func (e *S3Endpoint) listParts(ctx context.Context, upload s3Upload) ([]types.Part, error) {
	var parts []types.Part

	paginator := s3.NewListPartsPaginator(e.client, &s3.ListPartsInput{
		Bucket:   aws.String(e.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(upload.uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", mapS3Error(err))
		}
		parts = append(parts, page.Parts...)
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

func (e *S3Endpoint) lookup(uploadID string) (s3Upload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	upload, ok := e.uploads[uploadID]
	if !ok {
		return s3Upload{}, fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	return upload, nil
}

func (e *S3Endpoint) forget(uploadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.uploads, uploadID)
}

// objectKey is <prefix>/<fingerprint>/<file name>.
func (e *S3Endpoint) objectKey(fileHash, fileName string) string {
	key := path.Join(e.prefix, fileHash) + "/"
	if fileName == "" {
		return key
	}
	return key + fileName
}

func (e *S3Endpoint) objectURL(key string) string {
	escaped := strings.Split(key, "/")
	for i, s := range escaped {
		escaped[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s", e.baseURL, strings.Join(escaped, "/"))
}

func mapS3Error(err error) error {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return fmt.Errorf("%s: %w", err, ErrNotFound)
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
		return fmt.Errorf("%s: %w", err, ErrNotFound)
	}
	return err
}

func loadAWSConfig(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

var _ chunkuploader.Endpoint = (*S3Endpoint)(nil)
