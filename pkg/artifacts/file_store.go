package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// metaSuffix is appended to a payload path to name its sidecar.
const metaSuffix = ".meta"

// publishAttempts bounds rename retries when a concurrent Delete prunes the
// target directory between MkdirAll and Rename.
const publishAttempts = 3

// FileStore is a filesystem-backed implementation of Store.
//
// Layout:
//
//	root/name/version/digest       payload
//	root/name/version/digest.meta  sidecar
//	workDir/pkg-<name>-*           in-flight uploads (default root/.work)
type FileStore struct {
	root      string
	workDir   string
	reserved  string // top-level name shadowed by workDir, if it lives under root
	chunkSize int
	logger    *slog.Logger
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithWorkDir sets the staging directory. It must be on the same volume as
// root so the final rename is atomic.
func WithWorkDir(dir string) FileOption {
	return func(s *FileStore) { s.workDir = dir }
}

// WithChunkSize sets the streaming buffer size.
func WithChunkSize(n int) FileOption {
	return func(s *FileStore) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileStore creates a store rooted at root. Nothing is touched on disk
// until Initialize.
func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	if root == "" {
		return nil, storageErr("new", Key{}, "root directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, storageErr("new", Key{}, "failed to resolve root: %w", err)
	}

	s := &FileStore{
		root:      absRoot,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default().With("component", "artifacts.fs"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.workDir == "" {
		s.workDir = filepath.Join(absRoot, ".work")
	}
	if s.workDir, err = filepath.Abs(s.workDir); err != nil {
		return nil, storageErr("new", Key{}, "failed to resolve work dir: %w", err)
	}
	if rel, err := filepath.Rel(absRoot, s.workDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		s.reserved = strings.Split(rel, string(filepath.Separator))[0]
	}

	return s, nil
}

// Root returns the absolute storage root.
func (s *FileStore) Root() string { return s.root }

// WorkDir returns the absolute staging directory.
func (s *FileStore) WorkDir() string { return s.workDir }

func (s *FileStore) Initialize(ctx context.Context) error {
	for _, dir := range []string{s.root, s.workDir} {
		//nolint:gosec // G301: 0755 is intentional for shared cache directories
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storageErr("initialize", Key{}, "failed to create %s: %w", dir, err)
		}
	}
	if err := s.selfTest(); err != nil {
		return newError(KindStorage, "initialize", Key{}, err)
	}

	s.logger.InfoContext(ctx, "file storage initialized", "root", s.root, "work_dir", s.workDir)
	return nil
}

// selfTest writes, reads back and deletes a probe file so permission problems
// surface at startup instead of on the first upload.
func (s *FileStore) selfTest() error {
	probe := []byte("test")
	f, err := os.CreateTemp(s.workDir, fmt.Sprintf("test-%d-*", os.Getpid()))
	if err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}
	name := f.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := f.Write(probe); err != nil {
		_ = f.Close()
		return fmt.Errorf("permission validation failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}
	got, err := os.ReadFile(name) //nolint:gosec // path created above
	if err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}
	if string(got) != string(probe) {
		return errors.New("permission validation failed: data verification failed")
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("permission validation failed: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := s.checkKey("exists", key); err != nil {
		return false, err
	}
	info, err := os.Stat(s.payloadPath(key))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, storageErr("exists", key, "failed to stat artifact: %w", err)
}

func (s *FileStore) Head(ctx context.Context, key Key) (int64, error) {
	if err := s.checkKey("head", key); err != nil {
		return 0, err
	}
	info, err := s.statPayload("head", key)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileStore) Get(ctx context.Context, key Key, w io.Writer) (int64, error) {
	if err := s.checkKey("get", key); err != nil {
		return 0, err
	}
	path := s.payloadPath(key)

	f, err := os.Open(path) //nolint:gosec // key validated against traversal
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notFound("get", key)
		}
		return 0, readErr("get", key, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	if info, err := f.Stat(); err != nil {
		return 0, readErr("get", key, err)
	} else if !info.Mode().IsRegular() {
		return 0, notFound("get", key)
	}

	n, err := copyChunks(ctx, w, f, make([]byte, s.chunkSize))
	if err != nil {
		s.logger.ErrorContext(ctx, "package retrieval failed", "package", key.String(), "written", n, "error", err)
		return n, readErr("get", key, err)
	}

	s.logger.DebugContext(ctx, "package retrieved", "package", key.String(), "size", n)
	return n, nil
}

func (s *FileStore) Put(ctx context.Context, key Key, r io.Reader) (int64, error) {
	if err := s.checkKey("put", key); err != nil {
		return 0, err
	}
	final := s.payloadPath(key)

	if _, err := os.Lstat(final); err == nil {
		return 0, alreadyExists("put", key)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, storageErr("put", key, "failed to check existence: %w", err)
	}

	tmp, err := os.CreateTemp(s.workDir, stagePrefix(key)+"*")
	if err != nil {
		return 0, writeErr("put", key, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := copyChunks(ctx, tmp, r, make([]byte, s.chunkSize))
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = tmp.Close()
	}
	if err == nil {
		//nolint:gosec // G302: 0644 is intentional for readable blob files
		err = os.Chmod(tmpPath, 0o644)
	}
	if err == nil {
		err = s.publish(tmpPath, final)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "package storage failed", "package", key.String(), "error", err)
		return 0, writeErr("put", key, err)
	}
	published = true

	if err := s.writeSidecar(NewMetadata(key, n, time.Now())); err != nil {
		s.logger.WarnContext(ctx, "metadata sidecar write failed, metadata will be synthesized",
			"package", key.String(), "error", err)
	}

	s.logger.InfoContext(ctx, "package stored", "package", key.String(), "path", final, "size", n)
	return n, nil
}

// publish renames tmpPath onto final, creating final's directory. The rename
// is the atomic step that makes the file visible.
func (s *FileStore) publish(tmpPath, final string) error {
	dir := filepath.Dir(final)
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		//nolint:gosec // G301: 0755 is intentional for shared cache directories
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err = os.Rename(tmpPath, final); err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return fmt.Errorf("failed to commit artifact: %w", err)
}

func (s *FileStore) writeSidecar(m *Metadata) error {
	data, err := EncodeSidecar(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.workDir, "meta-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		//nolint:gosec // G302: sidecars are as readable as payloads
		err = os.Chmod(tmpPath, 0o644)
	}
	if err == nil {
		err = s.publish(tmpPath, s.metaPath(m.Key()))
	}
	if err != nil {
		_ = os.Remove(tmpPath)
	}
	return err
}

func (s *FileStore) Delete(ctx context.Context, key Key) error {
	if err := s.checkKey("delete", key); err != nil {
		return err
	}
	path := s.payloadPath(key)

	if _, err := s.statPayload("delete", key); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound("delete", key)
		}
		s.logger.ErrorContext(ctx, "package deletion failed", "package", key.String(), "error", err)
		return storageErr("delete", key, "failed to delete artifact: %w", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WarnContext(ctx, "metadata sidecar removal failed", "package", key.String(), "error", err)
	}
	s.pruneEmptyParents(filepath.Dir(path))

	s.logger.InfoContext(ctx, "package deleted", "package", key.String())
	return nil
}

// pruneEmptyParents removes dir and its ancestors while they are empty,
// stopping below root.
func (s *FileStore) pruneEmptyParents(dir string) {
	prefix := s.root + string(filepath.Separator)
	for dir != s.root && strings.HasPrefix(dir, prefix) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *FileStore) GetMetadata(ctx context.Context, key Key) (*Metadata, error) {
	if err := s.checkKey("get_metadata", key); err != nil {
		return nil, err
	}
	info, err := s.statPayload("get_metadata", key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.DebugContext(ctx, "metadata sidecar missing, synthesizing", "package", key.String())
			return SynthesizeMetadata(key, info.Size(), info.ModTime()), nil
		}
		return nil, storageErr("get_metadata", key, "failed to read metadata: %w", err)
	}
	m, err := DecodeSidecar(data)
	if err != nil {
		return nil, storageErr("get_metadata", key, "failed to get metadata: %w", err)
	}
	return m, nil
}

func (s *FileStore) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := s.checkListArgs("list_versions", name); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, storageErr("list_versions", Key{}, "failed to list versions of %s: %w", name, err)
	}

	versions := []string{}
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sortVersions(versions)
	return versions, nil
}

func (s *FileStore) ListKeys(ctx context.Context, name, version string) ([]Key, error) {
	if err := s.checkListArgs("list_keys", name, version); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, name, version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Key{}, nil
		}
		return nil, storageErr("list_keys", Key{}, "failed to list %s/%s: %w", name, version, err)
	}

	keys := []Key{}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		k := Key{Name: name, Version: version, Digest: e.Name()}
		if k.Validate() != nil {
			continue
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *FileStore) Cleanup(ctx context.Context) error {
	removed, err := removeFilesIn(s.workDir)
	if err != nil {
		s.logger.ErrorContext(ctx, "cleanup failed", "work_dir", s.workDir, "removed", removed, "error", err)
		return storageErr("cleanup", Key{}, "failed to clean %s: %w", s.workDir, err)
	}
	s.logger.InfoContext(ctx, "storage cleaned up", "work_dir", s.workDir, "removed", removed)
	return nil
}

func (s *FileStore) payloadPath(key Key) string {
	return filepath.Join(s.root, key.Path())
}

func (s *FileStore) metaPath(key Key) string {
	return s.payloadPath(key) + metaSuffix
}

// statPayload returns the payload's FileInfo or a not-found error.
func (s *FileStore) statPayload(op string, key Key) (fs.FileInfo, error) {
	info, err := os.Stat(s.payloadPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(op, key)
		}
		return nil, storageErr(op, key, "failed to stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, notFound(op, key)
	}
	return info, nil
}

// checkKey validates key and rejects keys that would alias the store's own
// files.
func (s *FileStore) checkKey(op string, key Key) error {
	if err := checkKey(op, key); err != nil {
		return err
	}
	if s.reserved != "" && key.Name == s.reserved {
		return newError(KindValidation, op, Key{}, fmt.Errorf("name %q is reserved", key.Name))
	}
	if strings.HasSuffix(key.Digest, metaSuffix) {
		return newError(KindValidation, op, Key{}, fmt.Errorf("digest must not end in %q", metaSuffix))
	}
	return nil
}

func (s *FileStore) checkListArgs(op, name string, version ...string) error {
	if err := withOp(op, validateListArgs(name, version...)); err != nil {
		return err
	}
	if s.reserved != "" && name == s.reserved {
		return newError(KindValidation, op, Key{}, fmt.Errorf("name %q is reserved", name))
	}
	return nil
}
