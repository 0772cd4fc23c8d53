package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type Client struct {
	s3Client  *s3.Client
	bucket    string
	presigner *s3.PresignClient
}

func NewClient(ctx context.Context, region, bucket, accessKey, secretKey, endpoint string) (*Client, error) {
	var cfg aws.Config
	var err error

	if accessKey != "" && secretKey != "" {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
	} else if os.Getenv("ECS_CONTAINER_METADATA_URI_V4") != "" || os.Getenv("AWS_PROFILE") != "" {
		cfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(region))
	} else {
		err = fmt.Errorf("no AWS credentials provided")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3Client:  s3Client,
		bucket:    bucket,
		presigner: s3.NewPresignClient(s3Client),
	}, nil
}

// Ping checks the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

// GetObject streams an object. The caller closes the returned body.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

func (c *Client) PutObject(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := c.s3Client.PutObject(ctx, input)
	return err
}

// CreateMultipartUpload creates a multipart upload and returns the upload ID
func (c *Client) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	result, err := c.s3Client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", err
	}
	if result.UploadId == nil {
		return "", errors.New("create multipart upload returned no upload id")
	}
	return *result.UploadId, nil
}

// PresignUploadPart generates a presigned URL for uploading a part. The CRC-32
// checksum is signed into the request, so the store rejects a body whose
// checksum differs.
func (c *Client) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, checksum string, expires time.Duration) (string, error) {
	input := &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		ChecksumCRC32: aws.String(checksum),
	}

	request, err := c.presigner.PresignUploadPart(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", err
	}

	return request.URL, nil
}

// ListParts returns every part the store holds for the upload, ascending by
// part number.
func (c *Client) ListParts(ctx context.Context, key, uploadID string) ([]PartInfo, error) {
	paginator := s3.NewListPartsPaginator(c.s3Client, &s3.ListPartsInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})

	var parts []PartInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Parts {
			parts = append(parts, PartInfo{
				ETag:       aws.ToString(p.ETag),
				PartNumber: int(aws.ToInt32(p.PartNumber)),
			})
		}
	}
	return parts, nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []PartInfo) error {
	completedParts := make([]s3Types.CompletedPart, len(parts))
	for i, part := range parts {
		completedParts[i] = s3Types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3Types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	}

	_, err := c.s3Client.CompleteMultipartUpload(ctx, input)
	return err
}

// AbortMultipartUpload aborts a multipart upload. Aborting an upload the store
// no longer knows about is not an error.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	input := &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}

	_, err := c.s3Client.AbortMultipartUpload(ctx, input)
	if IsNoSuchUpload(err) {
		return nil
	}
	return err
}

// PartInfo represents a completed part for multipart upload
type PartInfo struct {
	ETag       string
	PartNumber int
}

// IsNotFound reports whether err is a missing-object response.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3Types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3Types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return hasErrorCode(err, "NoSuchKey", "NotFound")
}

func IsNoSuchUpload(err error) bool {
	if err == nil {
		return false
	}
	var nsu *s3Types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	return hasErrorCode(err, "NoSuchUpload")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
