package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/AnuragDani/pos-terminal/internal/logger"
)

// ErrInvalidTransactionID is returned for ids that cannot be used as an object name
var ErrInvalidTransactionID = errors.New("invalid transaction id for receipt key")

// Config holds the object storage settings for receipt archiving
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// putObjectAPI is the part of the S3 client the archiver uses
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver copies confirmed receipts to an S3-compatible bucket
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
	logger *logger.Logger
}

// NewS3Archiver builds the S3 client. Static credentials are used when
// given; otherwise the default AWS credential chain applies.
func NewS3Archiver(ctx context.Context, cfg Config, log *logger.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("receipt bucket is not configured")
	}
	if log == nil {
		log = logger.New("receipts")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info("Receipt archive enabled", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return newArchiver(client, cfg, log), nil
}

func newArchiver(client putObjectAPI, cfg Config, log *logger.Logger) *S3Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "receipts"
	}
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: log,
	}
}

// Archive uploads one receipt under <prefix>/<transaction id>.txt
func (a *S3Archiver) Archive(ctx context.Context, transactionID string, content []byte) error {
	if !ValidTransactionID(transactionID) {
		return fmt.Errorf("%w: %q", ErrInvalidTransactionID, transactionID)
	}
	key := a.objectKey(transactionID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"transaction-id": transactionID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload receipt %s: %w", transactionID, err)
	}

	a.logger.Debug("Receipt archived", "key", key, "bytes", len(content))
	return nil
}

// ValidTransactionID reports whether id stays a single object name under the
// archive prefix
func ValidTransactionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

func (a *S3Archiver) objectKey(transactionID string) string {
	return path.Join(a.prefix, transactionID+".txt")
}
