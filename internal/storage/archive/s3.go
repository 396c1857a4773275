package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/config"
)

// Offloader copies sealed archive files to an S3-compatible bucket and
// removes the copies when the local archives are pruned. The local file
// stays authoritative: an offload failure is logged and retried on the
// next rotation, never surfaced to the sealing path.
type Offloader struct {
	client *s3.Client
	cfg    config.S3Config
	logger *slog.Logger
}

// NewOffloader builds an S3 offloader from configuration.
func NewOffloader(cfg config.S3Config) (*Offloader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 offload: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Offloader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		logger: logging.Component("archive.s3"),
	}, nil
}

// objectKey maps an archive to its object key: <prefix>/<group>/<filename>.
func (o *Offloader) objectKey(groupID, filename string) string {
	return path.Join(o.cfg.Prefix, groupID, filename)
}

// Upload copies a local archive file to the bucket.
func (o *Offloader) Upload(ctx context.Context, groupID, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	key := o.objectKey(groupID, path.Base(localPath))
	start := time.Now()

	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	o.logger.Debug("archive offloaded",
		"group", groupID,
		"key", key,
		"duration", time.Since(start))
	return nil
}

// Delete removes an offloaded copy. Called when the local archive is
// pruned past the retention horizon.
func (o *Offloader) Delete(ctx context.Context, groupID, filename string) error {
	key := o.objectKey(groupID, filename)

	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
