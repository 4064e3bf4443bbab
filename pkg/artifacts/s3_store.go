package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rennerdo30/vcpkg-harbor/pkg/util/resiliency"
)

// objectMetaSuffix names the sidecar object of a payload object.
const objectMetaSuffix = ".meta.json"

// maxSidecarSize caps how much of a sidecar object is read.
const maxSidecarSize = 1 << 20

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // MinIO/LocalStack host[:port] or URL; empty means AWS
	AccessKey string
	SecretKey string
	Secure    bool   // scheme for an Endpoint given without one
	Prefix    string // optional object key prefix

	// StagingDir holds uploads while they are sent. Empty stages in memory.
	StagingDir string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
	Retry          resiliency.Policy
	Logger         *slog.Logger
}

// S3Store stores artifacts as objects named prefix+name/version/digest, with
// a prefix+name/version/digest.meta.json sidecar object.
type S3Store struct {
	client     S3API
	bucket     string
	region     string
	prefix     string
	stagingDir string
	chunkSize  int
	policy     resiliency.Policy
	logger     *slog.Logger
}

// NewS3Store builds an SDK client from cfg. The SDK's retryer is disabled;
// the store applies cfg.Retry itself.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, storageErr("new", Key{}, "bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	httpClient := awshttp.NewBuildableClient()
	if cfg.ReadTimeout > 0 {
		httpClient = httpClient.WithTimeout(cfg.ReadTimeout)
	}
	if cfg.ConnectTimeout > 0 {
		httpClient = httpClient.WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = cfg.ConnectTimeout
		})
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storageErr("new", Key{}, "failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Secure))
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})

	cfg.Region = region
	return NewS3StoreWithClient(client, cfg), nil
}

// NewS3StoreWithClient wires a store around an existing client.
func NewS3StoreWithClient(client S3API, cfg S3Config) *S3Store {
	s := &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		prefix:     cfg.Prefix,
		stagingDir: cfg.StagingDir,
		chunkSize:  cfg.ChunkSize,
		policy:     cfg.Retry,
		logger:     cfg.Logger,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.policy.MaxAttempts <= 0 {
		s.policy = resiliency.DefaultPolicy()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "artifacts.s3")
	}
	return s
}

func endpointURL(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if secure {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (s *S3Store) Initialize(ctx context.Context) error {
	if s.stagingDir != "" {
		//nolint:gosec // G301: staging dir shared with the service user
		if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
			return storageErr("initialize", Key{}, "failed to create staging dir: %w", err)
		}
	}

	err := resiliency.Do(ctx, s.policy, func() error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		if err != nil && isS3NotFound(err) {
			return resiliency.Permanent(err)
		}
		return err
	}, s.notify("initialize", Key{}))
	if err == nil {
		s.logger.InfoContext(ctx, "object storage initialized", "bucket", s.bucket, "prefix", s.prefix)
		return nil
	}
	if !isS3NotFound(err) {
		return storageErr("initialize", Key{}, "bucket %s unreachable: %w", s.bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	err = resiliency.Do(ctx, s.policy, func() error {
		_, err := s.client.CreateBucket(ctx, in)
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return err
	}, s.notify("initialize", Key{}))
	if err != nil {
		return storageErr("initialize", Key{}, "failed to create bucket %s: %w", s.bucket, err)
	}

	s.logger.InfoContext(ctx, "bucket created", "bucket", s.bucket, "region", s.region)
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key Key) (bool, error) {
	if err := s.checkKey("exists", key); err != nil {
		return false, err
	}
	_, err := s.headObject(ctx, "exists", key, s.objectKey(key))
	switch {
	case err == nil:
		return true, nil
	case isS3NotFound(err):
		return false, nil
	default:
		return false, storageErr("exists", key, "failed to check object: %w", err)
	}
}

func (s *S3Store) Head(ctx context.Context, key Key) (int64, error) {
	if err := s.checkKey("head", key); err != nil {
		return 0, err
	}
	out, err := s.statObject(ctx, "head", key)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Get(ctx context.Context, key Key, w io.Writer) (int64, error) {
	if err := s.checkKey("get", key); err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, s.chunkSize)
	err := resiliency.Do(ctx, s.policy, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return resiliency.Permanent(notFound("get", key))
			}
			return storageErr("get", key, "failed to open object: %w", err)
		}
		defer func() { _ = out.Body.Close() }()

		n, err := copyChunks(ctx, w, out.Body, buf)
		written += n
		if err == nil {
			return nil
		}
		if written > 0 {
			// bytes already reached the sink; a replay would duplicate them
			return resiliency.Permanent(readErr("get", key, err))
		}
		return readErr("get", key, err)
	}, s.notify("get", key))
	if err != nil {
		s.logger.ErrorContext(ctx, "package retrieval failed", "package", key.String(), "written", written, "error", err)
		return written, err
	}

	s.logger.DebugContext(ctx, "package retrieved", "package", key.String(), "size", written)
	return written, nil
}

func (s *S3Store) Put(ctx context.Context, key Key, r io.Reader) (int64, error) {
	if err := s.checkKey("put", key); err != nil {
		return 0, err
	}
	objKey := s.objectKey(key)

	if _, err := s.headObject(ctx, "put", key, objKey); err == nil {
		return 0, alreadyExists("put", key)
	} else if !isS3NotFound(err) {
		return 0, storageErr("put", key, "failed to check existence: %w", err)
	}

	st, err := stage(ctx, s.stagingDir, stagePrefix(key), r, s.chunkSize)
	if err != nil {
		return 0, writeErr("put", key, err)
	}
	defer st.release()

	err = resiliency.Do(ctx, s.policy, func() error {
		if err := st.rewind(); err != nil {
			return resiliency.Permanent(err)
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objKey),
			Body:          st.body,
			ContentLength: aws.Int64(st.size),
			ContentType:   aws.String(DefaultContentType),
		})
		return err
	}, s.notify("put", key))
	if err != nil {
		s.logger.ErrorContext(ctx, "package storage failed", "package", key.String(), "error", err)
		return 0, writeErr("put", key, fmt.Errorf("failed to upload object: %w", err))
	}

	if err := s.putSidecar(ctx, NewMetadata(key, st.size, time.Now())); err != nil {
		s.logger.WarnContext(ctx, "metadata sidecar write failed, metadata will be synthesized",
			"package", key.String(), "error", err)
	}

	s.logger.InfoContext(ctx, "package stored", "package", key.String(), "object", objKey, "size", st.size)
	return st.size, nil
}

func (s *S3Store) putSidecar(ctx context.Context, m *Metadata) error {
	data, err := EncodeSidecar(m)
	if err != nil {
		return err
	}
	key := m.Key()
	return resiliency.Do(ctx, s.policy, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.metaKey(key)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/json"),
		})
		return err
	}, s.notify("put", key))
}

func (s *S3Store) Delete(ctx context.Context, key Key) error {
	if err := s.checkKey("delete", key); err != nil {
		return err
	}
	if _, err := s.statObject(ctx, "delete", key); err != nil {
		return err
	}

	if err := s.deleteObject(ctx, key, s.objectKey(key)); err != nil {
		s.logger.ErrorContext(ctx, "package deletion failed", "package", key.String(), "error", err)
		return storageErr("delete", key, "failed to delete object: %w", err)
	}
	if err := s.deleteObject(ctx, key, s.metaKey(key)); err != nil && !isS3NotFound(err) {
		s.logger.WarnContext(ctx, "metadata sidecar removal failed", "package", key.String(), "error", err)
	}

	s.logger.InfoContext(ctx, "package deleted", "package", key.String())
	return nil
}

func (s *S3Store) deleteObject(ctx context.Context, key Key, objKey string) error {
	return resiliency.Do(ctx, s.policy, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil && isS3NotFound(err) {
			return resiliency.Permanent(err)
		}
		return err
	}, s.notify("delete", key))
}

func (s *S3Store) GetMetadata(ctx context.Context, key Key) (*Metadata, error) {
	if err := s.checkKey("get_metadata", key); err != nil {
		return nil, err
	}
	head, err := s.statObject(ctx, "get_metadata", key)
	if err != nil {
		return nil, err
	}

	data, err := resiliency.Retry(ctx, s.policy, func() ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.metaKey(key)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, resiliency.Permanent(err)
			}
			return nil, err
		}
		defer func() { _ = out.Body.Close() }()
		return io.ReadAll(io.LimitReader(out.Body, maxSidecarSize))
	}, s.notify("get_metadata", key))
	if err != nil {
		if isS3NotFound(err) {
			s.logger.DebugContext(ctx, "metadata sidecar missing, synthesizing", "package", key.String())
			return SynthesizeMetadata(key, aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified)), nil
		}
		return nil, storageErr("get_metadata", key, "failed to read metadata: %w", err)
	}

	m, err := DecodeSidecar(data)
	if err != nil {
		return nil, storageErr("get_metadata", key, "failed to get metadata: %w", err)
	}
	return m, nil
}

func (s *S3Store) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := withOp("list_versions", validateListArgs(name)); err != nil {
		return nil, err
	}
	prefix := s.prefix + name + "/"

	versions := []string{}
	err := s.listPages(ctx, "list_versions", prefix, func(page *s3.ListObjectsV2Output) {
		for _, cp := range page.CommonPrefixes {
			v := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if v != "" {
				versions = append(versions, v)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

func (s *S3Store) ListKeys(ctx context.Context, name, version string) ([]Key, error) {
	if err := withOp("list_keys", validateListArgs(name, version)); err != nil {
		return nil, err
	}
	prefix := s.prefix + name + "/" + version + "/"

	keys := []Key{}
	err := s.listPages(ctx, "list_keys", prefix, func(page *s3.ListObjectsV2Output) {
		for _, obj := range page.Contents {
			digest := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.HasSuffix(digest, objectMetaSuffix) {
				continue
			}
			k := Key{Name: name, Version: version, Digest: digest}
			if k.Validate() != nil {
				continue
			}
			keys = append(keys, k)
		}
	})
	if err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

// listPages walks one directory level under prefix. A missing bucket reads as
// an empty listing.
func (s *S3Store) listPages(ctx context.Context, op, prefix string, visit func(*s3.ListObjectsV2Output)) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := resiliency.Retry(ctx, s.policy, func() (*s3.ListObjectsV2Output, error) {
			out, err := p.NextPage(ctx)
			if err != nil && isS3NotFound(err) {
				return nil, resiliency.Permanent(err)
			}
			return out, err
		}, s.notify(op, Key{}))
		if err != nil {
			if isS3NotFound(err) {
				return nil
			}
			return storageErr(op, Key{}, "failed to list %s: %w", prefix, err)
		}
		visit(page)
	}
	return nil
}

func (s *S3Store) Cleanup(ctx context.Context) error {
	if s.stagingDir == "" {
		return nil
	}
	removed, err := removeFilesIn(s.stagingDir)
	if err != nil {
		s.logger.ErrorContext(ctx, "cleanup failed", "staging_dir", s.stagingDir, "removed", removed, "error", err)
		return storageErr("cleanup", Key{}, "failed to clean %s: %w", s.stagingDir, err)
	}
	s.logger.InfoContext(ctx, "storage cleaned up", "staging_dir", s.stagingDir, "removed", removed)
	return nil
}

// headObject issues a retried HeadObject. Not-found is returned unretried.
func (s *S3Store) headObject(ctx context.Context, op string, key Key, objKey string) (*s3.HeadObjectOutput, error) {
	return resiliency.Retry(ctx, s.policy, func() (*s3.HeadObjectOutput, error) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil && isS3NotFound(err) {
			return nil, resiliency.Permanent(err)
		}
		return out, err
	}, s.notify(op, key))
}

// statObject is headObject on the payload with errors mapped to the taxonomy.
func (s *S3Store) statObject(ctx context.Context, op string, key Key) (*s3.HeadObjectOutput, error) {
	out, err := s.headObject(ctx, op, key, s.objectKey(key))
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(op, key)
		}
		return nil, storageErr(op, key, "failed to stat object: %w", err)
	}
	return out, nil
}

func (s *S3Store) notify(op string, key Key) resiliency.Notify {
	return func(err error, next time.Duration) {
		s.logger.Warn("object storage request failed, retrying",
			"op", op, "package", key.String(), "retry_in", next, "error", err)
	}
}

func (s *S3Store) objectKey(key Key) string {
	return s.prefix + key.String()
}

func (s *S3Store) metaKey(key Key) string {
	return s.objectKey(key) + objectMetaSuffix
}

func (s *S3Store) checkKey(op string, key Key) error {
	if err := checkKey(op, key); err != nil {
		return err
	}
	if strings.HasSuffix(key.Digest, objectMetaSuffix) {
		return newError(KindValidation, op, Key{}, fmt.Errorf("digest must not end in %q", objectMetaSuffix))
	}
	return nil
}

// isS3NotFound matches the shapes S3 and S3-compatible servers use for a
// missing object or bucket.
func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
