package artifacts

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/gantryci/gantry/pkg/config"
)

// Object metadata keys. S3 lowercases user metadata, so these are
// lowercase from the start.
const (
	metaDirKey  = "gantry-dir"
	metaNameKey = "gantry-name"
)

// S3Store keeps artifacts in an S3 bucket, one object per artifact.
// Uploads are retried with exponential backoff and optionally verified
// against the stored object size.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	sse    bool
	verify bool
	log    *slog.Logger
}

// NewS3Store builds a client from the static credentials in cfg. A custom
// endpoint switches to path style addressing for MinIO and similar stores.
func NewS3Store(ctx context.Context, cfg config.S3Config, log *slog.Logger) (*S3Store, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.EndpointURL != nil && *cfg.EndpointURL != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = cfg.EndpointURL
			o.UsePathStyle = true
		})
		log.Info("using custom S3 endpoint", "endpoint", *cfg.EndpointURL)
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	prefix := ""
	if cfg.KeyPrefix != nil {
		prefix = strings.Trim(*cfg.KeyPrefix, "/")
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		sse:    cfg.EnableEncryption,
		verify: cfg.VerifyUpload,
		log:    log,
	}, nil
}

func (s *S3Store) Push(ctx context.Context, ref Ref, r io.Reader, dir bool) (Meta, error) {
	key, err := ref.Key()
	if err != nil {
		return Meta{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Meta{}, fmt.Errorf("could not read artifact %s: %w", key, err)
	}
	sum := md5.Sum(data)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])
	objectKey := s.objectKey(key)

	meta := Meta{
		Name:     ref.Name,
		Key:      key,
		Size:     int64(len(data)),
		MD5:      contentMD5,
		Dir:      dir,
		PushedAt: time.Now().UTC(),
	}

	put := func() error {
		input := &s3.PutObjectInput{
			Bucket:     &s.bucket,
			Key:        &objectKey,
			Body:       bytes.NewReader(data),
			ContentMD5: &contentMD5,
			Metadata: map[string]string{
				metaDirKey:  strconv.FormatBool(dir),
				metaNameKey: ref.Name,
			},
		}
		if s.sse {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
		if _, err := s.client.PutObject(ctx, input); err != nil {
			s.log.Warn("artifact upload attempt failed", "key", objectKey, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(put, uploadBackoff(ctx)); err != nil {
		return Meta{}, fmt.Errorf("could not upload artifact %s after retries: %w", key, err)
	}

	if s.verify {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objectKey})
		if err != nil {
			return Meta{}, fmt.Errorf("could not verify artifact %s: %w", key, err)
		}
		if head.ContentLength == nil || *head.ContentLength != meta.Size {
			return Meta{}, fmt.Errorf("artifact %s size mismatch after upload: sent %d bytes", key, meta.Size)
		}
	}

	s.log.Debug("uploaded artifact", "key", objectKey, "bytes", meta.Size)
	return meta, nil
}

func (s *S3Store) Pull(ctx context.Context, ref Ref) (io.ReadCloser, Meta, error) {
	key, err := ref.Key()
	if err != nil {
		return nil, Meta{}, err
	}
	objectKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objectKey})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, Meta{}, fmt.Errorf("could not download artifact %s: %w", key, err)
	}

	meta := Meta{
		Name: ref.Name,
		Key:  key,
		Dir:  out.Metadata[metaDirKey] == "true",
	}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		meta.PushedAt = *out.LastModified
	}
	return out.Body, meta, nil
}

func (s *S3Store) List(ctx context.Context, ref Ref) ([]Meta, error) {
	prefix, err := ref.Prefix()
	if err != nil {
		return nil, err
	}
	objectPrefix := s.objectKey(prefix) + "/"

	var metas []Meta
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &objectPrefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("could not list artifacts under %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			meta := Meta{Name: strings.TrimPrefix(key, prefix+"/"), Key: key}
			if obj.Size != nil {
				meta.Size = *obj.Size
			}
			if obj.LastModified != nil {
				meta.PushedAt = *obj.LastModified
			}
			metas = append(metas, meta)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return metas, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3Store) Delete(ctx context.Context, ref Ref) error {
	key, err := ref.Key()
	if err != nil {
		return err
	}
	objectKey := s.objectKey(key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objectKey}); err != nil {
		return fmt.Errorf("could not delete artifact %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func uploadBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx)
}
