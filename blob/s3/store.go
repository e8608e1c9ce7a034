// Package s3 provides an S3-backed blob store for externalized message
// bodies. It works with AWS S3 and S3-compatible services like MinIO.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rbaliyan/mailstore/blob"
)

// Store implements blob.Store using AWS S3. Uploads go through the
// transfer manager so large message bodies are sent in parallel parts.
type Store struct {
	client *awss3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ blob.Store = (*Store)(nil)

// New creates an S3 blob store. The context is used for credential
// loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: "us-east-1",
		prefix: "messages",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("s3: build aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(so *awss3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildAWSConfig resolves credentials: static keys, an assumed role, or
// the SDK default chain (env vars, shared config, instance and task
// roles, IRSA on EKS).
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(o.region),
	}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Put uploads content under prefix/key and returns an s3:// URI.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (string, error) {
	if key == "" {
		return "", fmt.Errorf("s3: empty key")
	}
	objKey := path.Join(s.prefix, key)

	_, err := s.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3: upload object: %w", err)
	}

	s.logger.Debug("stored blob in s3", "bucket", s.bucket, "key", objKey)
	return fmt.Sprintf("s3://%s/%s", s.bucket, objKey), nil
}

// Load returns a reader for a stored object.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	return out.Body, nil
}

// Delete removes a stored object.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	s.logger.Debug("deleted blob from s3", "bucket", bucket, "key", key)
	return nil
}

// parseURI splits an s3://bucket/key URI.
func parseURI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"
	if len(uri) <= len(scheme) || uri[:len(scheme)] != scheme {
		return "", "", fmt.Errorf("s3: invalid uri: %s", uri)
	}
	rest := uri[len(scheme):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("s3: invalid uri (no key): %s", uri)
}
