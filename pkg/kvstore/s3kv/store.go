package s3kv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// Store is an S3-backed key-value store. Each key maps to one object;
// Enumerate uses delimiter listing so child ids come back as common
// prefixes without fetching every descendant.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ kvstore.Store = (*Store)(nil)

// New creates an S3 store with the given configuration.
//
// The store uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &kvstore.StoreError{Op: "New", Backend: kvstore.BackendS3, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	// Let the SDK resolve region from env/profile unless the user pinned one.
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (s *Store) objectKey(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if err := kvstore.ValidateSegment(seg); err != nil {
			return "", err
		}
	}
	return s.prefix + key, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	length := int64(len(value))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objKey),
		Body:          bytes.NewReader(value),
		ContentLength: &length,
	})
	if err != nil {
		return s.wrapError("Set", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}

	// Delete the key itself plus everything below it. S3 DeleteObject is
	// a no-op for missing keys, which matches the contract.
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return s.wrapError("Delete", key, err)
	}

	childPrefix := objKey + "/"
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(childPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return s.wrapError("Delete", key, err)
		}
		for _, obj := range out.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return s.wrapError("Delete", key, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		wrapped := s.wrapError("Exists", key, err)
		if kvstore.IsNotFound(wrapped) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

func (s *Store) Enumerate(ctx context.Context, prefix string) ([]string, error) {
	objPrefix, err := s.objectKey(prefix)
	if err != nil {
		return nil, err
	}
	objPrefix += "/"

	var ids []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(objPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.wrapError("Enumerate", prefix, err)
		}
		for _, cp := range out.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), objPrefix), "/")
			if id != "" {
				ids = append(ids, id)
			}
		}
		// Scalar children appear as plain objects, not common prefixes.
		for _, obj := range out.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), objPrefix)
			if id != "" && !strings.Contains(id, "/") {
				ids = append(ids, id)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return ids, nil
}

func (s *Store) NewCollection(ctx context.Context, prefix string) (string, error) {
	if _, err := s.objectKey(prefix); err != nil {
		return "", err
	}
	// uuid carries the uniqueness guarantee; S3 has no reservation
	// primitive so no marker object is written.
	return uuid.New().String(), nil
}

// Close releases any resources held by the store. The S3 client needs no
// explicit cleanup, but this satisfies the interface.
func (s *Store) Close() error {
	return nil
}

// wrapError converts S3 errors to kvstore errors with the matching sentinel.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &kvstore.StoreError{
		Op:      op,
		Backend: kvstore.BackendS3,
		Key:     key,
		Err:     err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		wrapped.Err = kvstore.ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = kvstore.ErrNotFound
		case "ServiceUnavailable", "InternalError", "SlowDown":
			wrapped.Err = kvstore.ErrStoreUnavailable
		}
		return wrapped
	}

	// Fallback: HeadObject surfaces bare 404s through the http response.
	msg := err.Error()
	if strings.Contains(msg, "NotFound") || strings.Contains(msg, "404") {
		wrapped.Err = kvstore.ErrNotFound
	}
	return wrapped
}
