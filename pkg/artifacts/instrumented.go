package artifacts

import (
	"context"
	"io"

	"github.com/rennerdo30/vcpkg-harbor/pkg/observability"
)

// instrumentedStore decorates a Store with spans and RED metrics.
type instrumentedStore struct {
	next    Store
	obs     *observability.Provider
	backend string
}

// Instrument wraps store so every operation is traced and measured under the
// given backend label. A nil provider returns store unchanged.
func Instrument(store Store, obs *observability.Provider, backend string) Store {
	if obs == nil {
		return store
	}
	return &instrumentedStore{next: store, obs: obs, backend: backend}
}

// Unwrap returns the decorated store.
func (s *instrumentedStore) Unwrap() Store { return s.next }

func (s *instrumentedStore) track(ctx context.Context, op string, key *Key) (context.Context, func(error)) {
	attrs := observability.StoreOperation(op, s.backend)
	ctx, finish := s.obs.TrackOperation(ctx, "artifacts."+op, attrs...)
	if key != nil {
		observability.SpanFromContext(ctx).SetAttributes(
			observability.PackageAttributes(key.Name, key.Version, key.Digest)...)
	}
	return ctx, func(err error) { finish(outcome(err)) }
}

// outcome drops results that are answers rather than failures: a miss or a
// duplicate upload is normal cache traffic.
func outcome(err error) error {
	if IsNotFound(err) || IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (s *instrumentedStore) bytes(ctx context.Context, n int64, direction string) {
	s.obs.RecordBytes(ctx, n,
		observability.AttrBackend.String(s.backend),
		observability.AttrDirection.String(direction),
	)
}

func (s *instrumentedStore) Initialize(ctx context.Context) (err error) {
	ctx, finish := s.track(ctx, "initialize", nil)
	defer func() { finish(err) }()
	return s.next.Initialize(ctx)
}

func (s *instrumentedStore) Exists(ctx context.Context, key Key) (ok bool, err error) {
	ctx, finish := s.track(ctx, "exists", &key)
	defer func() { finish(err) }()
	return s.next.Exists(ctx, key)
}

func (s *instrumentedStore) Head(ctx context.Context, key Key) (n int64, err error) {
	ctx, finish := s.track(ctx, "head", &key)
	defer func() { finish(err) }()
	return s.next.Head(ctx, key)
}

func (s *instrumentedStore) Get(ctx context.Context, key Key, w io.Writer) (n int64, err error) {
	ctx, finish := s.track(ctx, "get", &key)
	defer func() {
		s.bytes(ctx, n, "out")
		finish(err)
	}()
	return s.next.Get(ctx, key, w)
}

func (s *instrumentedStore) Put(ctx context.Context, key Key, r io.Reader) (n int64, err error) {
	ctx, finish := s.track(ctx, "put", &key)
	defer func() {
		s.bytes(ctx, n, "in")
		finish(err)
	}()
	return s.next.Put(ctx, key, r)
}

func (s *instrumentedStore) Delete(ctx context.Context, key Key) (err error) {
	ctx, finish := s.track(ctx, "delete", &key)
	defer func() { finish(err) }()
	return s.next.Delete(ctx, key)
}

func (s *instrumentedStore) GetMetadata(ctx context.Context, key Key) (m *Metadata, err error) {
	ctx, finish := s.track(ctx, "get_metadata", &key)
	defer func() { finish(err) }()
	return s.next.GetMetadata(ctx, key)
}

func (s *instrumentedStore) ListVersions(ctx context.Context, name string) (v []string, err error) {
	ctx, finish := s.track(ctx, "list_versions", nil)
	defer func() { finish(err) }()
	return s.next.ListVersions(ctx, name)
}

func (s *instrumentedStore) ListKeys(ctx context.Context, name, version string) (k []Key, err error) {
	ctx, finish := s.track(ctx, "list_keys", nil)
	defer func() { finish(err) }()
	return s.next.ListKeys(ctx, name, version)
}

func (s *instrumentedStore) Cleanup(ctx context.Context) (err error) {
	ctx, finish := s.track(ctx, "cleanup", nil)
	defer func() { finish(err) }()
	return s.next.Cleanup(ctx)
}
