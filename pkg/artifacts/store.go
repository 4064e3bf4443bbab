package artifacts

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// DefaultChunkSize bounds every streaming read and write.
const DefaultChunkSize = 8 * 1024

// Store is the contract every artifact backend satisfies. Implementations
// must be safe for concurrent use; operations on different keys never
// serialize on each other.
//
// Every key-taking method validates the key before touching storage and
// returns an *Error whose Kind tells the caller what happened.
type Store interface {
	// Initialize prepares the backend (directories, bucket) and fails fast if
	// it is unusable.
	Initialize(ctx context.Context) error
	// Exists reports whether key is stored.
	Exists(ctx context.Context, key Key) (bool, error)
	// Head returns the payload size of key.
	Head(ctx context.Context, key Key) (int64, error)
	// Get streams the payload of key into w and returns the bytes written.
	Get(ctx context.Context, key Key, w io.Writer) (int64, error)
	// Put stores the payload read from r under key and returns its size.
	// It fails with KindAlreadyExists, without reading r, if key is taken.
	Put(ctx context.Context, key Key, r io.Reader) (int64, error)
	// Delete removes the payload and its metadata.
	Delete(ctx context.Context, key Key) error
	// GetMetadata returns the sidecar record, synthesized from stat
	// information when the sidecar is missing.
	GetMetadata(ctx context.Context, key Key) (*Metadata, error)
	// ListVersions returns the versions stored for name; unknown names
	// yield an empty list.
	ListVersions(ctx context.Context, name string) ([]string, error)
	// ListKeys returns the keys stored under name/version.
	ListKeys(ctx context.Context, name, version string) ([]Key, error)
	// Cleanup releases transient working resources. Failures are
	// best-effort and never fatal.
	Cleanup(ctx context.Context) error
}

// copyChunks copies src into dst through buf, one chunk at a time, and stops
// early when ctx is done.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write chunk: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write chunk: %w", io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read chunk: %w", rerr)
		}
	}
}

// sortVersions orders semver-parseable versions ascending, followed by the
// rest in lexical order.
func sortVersions(versions []string) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, v := range versions {
		if sv, err := semver.NewVersion(v); err == nil {
			parsed[v] = sv
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := parsed[versions[i]], parsed[versions[j]]
		switch {
		case a != nil && b != nil:
			if c := a.Compare(b); c != 0 {
				return c < 0
			}
			return versions[i] < versions[j]
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Digest < keys[j].Digest
	})
}

func validateListArgs(name string, version ...string) error {
	if err := ValidateSegment("name", name); err != nil {
		return err
	}
	for _, v := range version {
		if err := ValidateSegment("version", v); err != nil {
			return err
		}
	}
	return nil
}

// replayedWrite reports whether a create-only write that found the object
// already present on a retry is looking at its own earlier attempt. Keys are
// content addressed, so an object of the staged size under the same key is
// the same artifact.
func replayedWrite(attempt int, stored, staged int64) bool {
	return attempt > 1 && stored == staged
}
