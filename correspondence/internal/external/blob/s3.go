// Package blob deletes attachment bytes from S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/google/uuid"
)

// Config locates the attachment bucket.
type Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BaseEndpoint string `mapstructure:"base_endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`
	// Providers lists the storage provider names served by this bucket.
	Providers []string `mapstructure:"providers"`
}

// ObjectAPI is the subset of the S3 client the purger uses.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg. Static credentials are used
// when both keys are set, otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Purger implements external.BlobPurger over one bucket.
type Purger struct {
	api       ObjectAPI
	bucket    string
	prefix    string
	providers []string
	logger    *logging.Logger
}

var _ external.BlobPurger = (*Purger)(nil)

func NewPurger(api ObjectAPI, cfg Config, logger *logging.Logger) *Purger {
	providers := cfg.Providers
	if len(providers) == 0 {
		providers = []string{"s3"}
	}
	return &Purger{
		api:       api,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		providers: providers,
		logger:    logger.WithComponent("blob"),
	}
}

// Key returns the object key of an attachment.
func (p *Purger) Key(attachmentID uuid.UUID) string {
	return path.Join(p.prefix, attachmentID.String())
}

// Purge deletes the attachment's object. It reports external.ErrBlobNotFound
// when the object is already gone.
func (p *Purger) Purge(ctx context.Context, attachmentID uuid.UUID, provider string) error {
	if !slices.Contains(p.providers, provider) {
		return apperr.Rejected(nil, "storage provider %q is not served by bucket %s", provider, p.bucket)
	}
	key := p.Key(attachmentID)

	_, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
	if isNotFound(err) {
		metrics.ExternalCalls.WithLabelValues("blob", "purge", "not_found").Inc()
		return fmt.Errorf("object %s: %w", key, external.ErrBlobNotFound)
	}
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("blob", "purge", "error").Inc()
		return apperr.External(err, "head object %s", key)
	}

	if _, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)}); err != nil {
		metrics.ExternalCalls.WithLabelValues("blob", "purge", "error").Inc()
		return apperr.External(err, "delete object %s", key)
	}
	metrics.ExternalCalls.WithLabelValues("blob", "purge", "ok").Inc()
	p.logger.InfoContext(ctx, "attachment bytes deleted",
		logging.AttachmentID(attachmentID.String()),
		"bucket", p.bucket,
		"key", key)
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
