//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/rennerdo30/vcpkg-harbor/pkg/util/resiliency"
)

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket     string
	Project    string // required only when the bucket must be created
	Prefix     string // optional object name prefix
	StagingDir string // empty stages uploads in memory
	ChunkSize  int
	Retry      resiliency.Policy
	Logger     *slog.Logger
}

// GCSStore implements Store on Google Cloud Storage with the same object
// layout as S3Store.
type GCSStore struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	bucketName string
	project    string
	prefix     string
	stagingDir string
	chunkSize  int
	policy     resiliency.Policy
	logger     *slog.Logger
}

// NewGCSStore creates a GCS-backed store using Application Default
// Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, storageErr("new", Key{}, "bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, storageErr("new", Key{}, "failed to create GCS client: %w", err)
	}

	s := &GCSStore{
		client:     client,
		bucket:     client.Bucket(cfg.Bucket),
		bucketName: cfg.Bucket,
		project:    cfg.Project,
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
		s.logger = slog.Default().With("component", "artifacts.gcs")
	}
	return s, nil
}

func (s *GCSStore) Initialize(ctx context.Context) error {
	if s.stagingDir != "" {
		//nolint:gosec // G301: staging dir shared with the service user
		if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
			return storageErr("initialize", Key{}, "failed to create staging dir: %w", err)
		}
	}

	_, err := resiliency.Retry(ctx, s.policy, func() (*storage.BucketAttrs, error) {
		attrs, err := s.bucket.Attrs(ctx)
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil, resiliency.Permanent(err)
		}
		return attrs, err
	}, s.notify("initialize", Key{}))
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "object storage initialized", "bucket", s.bucketName, "prefix", s.prefix)
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return storageErr("initialize", Key{}, "bucket %s unreachable: %w", s.bucketName, err)
	case s.project == "":
		return storageErr("initialize", Key{}, "bucket %s does not exist and no project is configured", s.bucketName)
	}

	if err := s.bucket.Create(ctx, s.project, nil); err != nil {
		return storageErr("initialize", Key{}, "failed to create bucket %s: %w", s.bucketName, err)
	}
	s.logger.InfoContext(ctx, "bucket created", "bucket", s.bucketName, "project", s.project)
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := s.checkKey("exists", key); err != nil {
		return false, err
	}
	_, err := s.attrs(ctx, "exists", key, s.objectName(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, storageErr("exists", key, "failed to check object: %w", err)
	}
}

func (s *GCSStore) Head(ctx context.Context, key Key) (int64, error) {
	if err := s.checkKey("head", key); err != nil {
		return 0, err
	}
	attrs, err := s.statObject(ctx, "head", key)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (s *GCSStore) Get(ctx context.Context, key Key, w io.Writer) (int64, error) {
	if err := s.checkKey("get", key); err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, s.chunkSize)
	err := resiliency.Do(ctx, s.policy, func() error {
		r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return resiliency.Permanent(notFound("get", key))
			}
			return storageErr("get", key, "failed to open object: %w", err)
		}
		defer func() { _ = r.Close() }()

		n, err := copyChunks(ctx, w, r, buf)
		written += n
		if err == nil {
			return nil
		}
		if written > 0 {
			return resiliency.Permanent(readErr("get", key, err))
		}
		return readErr("get", key, err)
	}, s.notify("get", key))
	if err != nil {
		s.logger.ErrorContext(ctx, "package retrieval failed", "package", key.String(), "written", written, "error", err)
		return written, err
	}
	return written, nil
}

func (s *GCSStore) Put(ctx context.Context, key Key, r io.Reader) (int64, error) {
	if err := s.checkKey("put", key); err != nil {
		return 0, err
	}
	name := s.objectName(key)

	if _, err := s.attrs(ctx, "put", key, name); err == nil {
		return 0, alreadyExists("put", key)
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return 0, storageErr("put", key, "failed to check existence: %w", err)
	}

	st, err := stage(ctx, s.stagingDir, stagePrefix(key), r, s.chunkSize)
	if err != nil {
		return 0, writeErr("put", key, err)
	}
	defer st.release()

	// DoesNotExist turns the check-then-write race into a 412 from the server.
	obj := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
	attempt := 0
	err = resiliency.Do(ctx, s.policy, func() error {
		attempt++
		if err := st.rewind(); err != nil {
			return resiliency.Permanent(err)
		}
		err := s.writeObject(ctx, obj, st.body, DefaultContentType)
		if isPreconditionFailed(err) {
			// An earlier attempt may have landed with its response lost.
			if a, aerr := s.bucket.Object(name).Attrs(ctx); aerr == nil && replayedWrite(attempt, a.Size, st.size) {
				return nil
			}
			return resiliency.Permanent(alreadyExists("put", key))
		}
		return err
	}, s.notify("put", key))
	if err != nil {
		if IsAlreadyExists(err) {
			return 0, err
		}
		s.logger.ErrorContext(ctx, "package storage failed", "package", key.String(), "error", err)
		return 0, writeErr("put", key, fmt.Errorf("failed to upload object: %w", err))
	}

	if err := s.putSidecar(ctx, NewMetadata(key, st.size, time.Now())); err != nil {
		s.logger.WarnContext(ctx, "metadata sidecar write failed, metadata will be synthesized",
			"package", key.String(), "error", err)
	}

	s.logger.InfoContext(ctx, "package stored", "package", key.String(), "object", name, "size", st.size)
	return st.size, nil
}

func (s *GCSStore) writeObject(ctx context.Context, obj *storage.ObjectHandle, body io.Reader, contentType string) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := copyChunks(ctx, w, body, make([]byte, s.chunkSize)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) putSidecar(ctx context.Context, m *Metadata) error {
	data, err := EncodeSidecar(m)
	if err != nil {
		return err
	}
	obj := s.bucket.Object(s.metaName(m.Key()))
	return resiliency.Do(ctx, s.policy, func() error {
		return s.writeObject(ctx, obj, strings.NewReader(string(data)), "application/json")
	}, s.notify("put", m.Key()))
}

func (s *GCSStore) Delete(ctx context.Context, key Key) error {
	if err := s.checkKey("delete", key); err != nil {
		return err
	}
	if _, err := s.statObject(ctx, "delete", key); err != nil {
		return err
	}

	err := resiliency.Do(ctx, s.policy, func() error {
		err := s.bucket.Object(s.objectName(key)).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return resiliency.Permanent(notFound("delete", key))
		}
		return err
	}, s.notify("delete", key))
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return storageErr("delete", key, "failed to delete object: %w", err)
	}
	if err := s.bucket.Object(s.metaName(key)).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		s.logger.WarnContext(ctx, "metadata sidecar removal failed", "package", key.String(), "error", err)
	}

	s.logger.InfoContext(ctx, "package deleted", "package", key.String())
	return nil
}

func (s *GCSStore) GetMetadata(ctx context.Context, key Key) (*Metadata, error) {
	if err := s.checkKey("get_metadata", key); err != nil {
		return nil, err
	}
	attrs, err := s.statObject(ctx, "get_metadata", key)
	if err != nil {
		return nil, err
	}

	data, err := resiliency.Retry(ctx, s.policy, func() ([]byte, error) {
		r, err := s.bucket.Object(s.metaName(key)).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil, resiliency.Permanent(err)
			}
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(io.LimitReader(r, maxSidecarSize))
	}, s.notify("get_metadata", key))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return SynthesizeMetadata(key, attrs.Size, attrs.Updated), nil
		}
		return nil, storageErr("get_metadata", key, "failed to read metadata: %w", err)
	}

	m, err := DecodeSidecar(data)
	if err != nil {
		return nil, storageErr("get_metadata", key, "failed to get metadata: %w", err)
	}
	return m, nil
}

func (s *GCSStore) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := withOp("list_versions", validateListArgs(name)); err != nil {
		return nil, err
	}
	prefix := s.prefix + name + "/"

	versions := []string{}
	err := s.list(ctx, prefix, func(a *storage.ObjectAttrs) {
		if a.Prefix == "" {
			return
		}
		if v := strings.TrimSuffix(strings.TrimPrefix(a.Prefix, prefix), "/"); v != "" {
			versions = append(versions, v)
		}
	})
	if err != nil {
		return nil, storageErr("list_versions", Key{}, "failed to list %s: %w", prefix, err)
	}
	sortVersions(versions)
	return versions, nil
}

func (s *GCSStore) ListKeys(ctx context.Context, name, version string) ([]Key, error) {
	if err := withOp("list_keys", validateListArgs(name, version)); err != nil {
		return nil, err
	}
	prefix := s.prefix + name + "/" + version + "/"

	keys := []Key{}
	err := s.list(ctx, prefix, func(a *storage.ObjectAttrs) {
		if a.Name == "" || strings.HasSuffix(a.Name, objectMetaSuffix) {
			return
		}
		k := Key{Name: name, Version: version, Digest: strings.TrimPrefix(a.Name, prefix)}
		if k.Validate() == nil {
			keys = append(keys, k)
		}
	})
	if err != nil {
		return nil, storageErr("list_keys", Key{}, "failed to list %s: %w", prefix, err)
	}
	sortKeys(keys)
	return keys, nil
}

// list walks one level under prefix. The client retries page fetches itself.
func (s *GCSStore) list(ctx context.Context, prefix string, visit func(*storage.ObjectAttrs)) error {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		visit(attrs)
	}
}

func (s *GCSStore) Cleanup(ctx context.Context) error {
	if s.stagingDir == "" {
		return nil
	}
	removed, err := removeFilesIn(s.stagingDir)
	if err != nil {
		return storageErr("cleanup", Key{}, "failed to clean %s: %w", s.stagingDir, err)
	}
	s.logger.InfoContext(ctx, "storage cleaned up", "staging_dir", s.stagingDir, "removed", removed)
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) attrs(ctx context.Context, op string, key Key, name string) (*storage.ObjectAttrs, error) {
	return resiliency.Retry(ctx, s.policy, func() (*storage.ObjectAttrs, error) {
		a, err := s.bucket.Object(name).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, resiliency.Permanent(err)
		}
		return a, err
	}, s.notify(op, key))
}

func (s *GCSStore) statObject(ctx context.Context, op string, key Key) (*storage.ObjectAttrs, error) {
	a, err := s.attrs(ctx, op, key, s.objectName(key))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, notFound(op, key)
		}
		return nil, storageErr(op, key, "failed to stat object: %w", err)
	}
	return a, nil
}

func (s *GCSStore) notify(op string, key Key) resiliency.Notify {
	return func(err error, next time.Duration) {
		s.logger.Warn("object storage request failed, retrying",
			"op", op, "package", key.String(), "retry_in", next, "error", err)
	}
}

func (s *GCSStore) objectName(key Key) string { return s.prefix + key.String() }

func (s *GCSStore) metaName(key Key) string { return s.objectName(key) + objectMetaSuffix }

func (s *GCSStore) checkKey(op string, key Key) error {
	if err := checkKey(op, key); err != nil {
		return err
	}
	if strings.HasSuffix(key.Digest, objectMetaSuffix) {
		return newError(KindValidation, op, Key{}, fmt.Errorf("digest must not end in %q", objectMetaSuffix))
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
