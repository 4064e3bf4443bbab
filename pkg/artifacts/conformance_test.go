package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, uninitialized store for one subtest.
type storeFactory func(t *testing.T) Store

// runStoreConformance checks the behavior every Store must share.
func runStoreConformance(t *testing.T, newStore storeFactory) {
	ready := func(t *testing.T) Store {
		t.Helper()
		s := newStore(t)
		require.NoError(t, s.Initialize(context.Background()))
		return s
	}

	t.Run("RoundTrip", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		for i, size := range []int{0, 1, DefaultChunkSize - 1, DefaultChunkSize, DefaultChunkSize*3 + 17} {
			key := Key{"roundtrip", "1.0.0", fmt.Sprintf("digest-%04d", i)}
			payload := randomBytes(int64(i), size)

			n, err := s.Put(ctx, key, bytes.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, int64(size), n)

			head, err := s.Head(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(size), head)

			var buf bytes.Buffer
			got, err := s.Get(ctx, key, &buf)
			require.NoError(t, err)
			assert.Equal(t, int64(size), got)
			assert.True(t, bytes.Equal(payload, buf.Bytes()), "payload of size %d differs", size)
		}
	})

	t.Run("WriteOnce", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"writeonce", "1.0.0", "abcdef1234567890"}
		original := []byte("original payload")

		_, err := s.Put(ctx, key, bytes.NewReader(original))
		require.NoError(t, err)

		second := &countingReader{r: bytes.NewReader([]byte("replacement"))}
		n, err := s.Put(ctx, key, second)
		require.Error(t, err)
		assert.True(t, IsAlreadyExists(err), "got %v", err)
		assert.Zero(t, n)
		assert.Zero(t, second.n, "source must not be consumed")

		var buf bytes.Buffer
		_, err = s.Get(ctx, key, &buf)
		require.NoError(t, err)
		assert.Equal(t, original, buf.Bytes())
	})

	t.Run("NotFoundSymmetry", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"missing", "0.0.1", "0000000000000000"}

		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Head(ctx, key)
		assert.True(t, IsNotFound(err), "head: %v", err)

		var buf bytes.Buffer
		_, err = s.Get(ctx, key, &buf)
		assert.True(t, IsNotFound(err), "get: %v", err)
		assert.Zero(t, buf.Len())

		err = s.Delete(ctx, key)
		assert.True(t, IsNotFound(err), "delete: %v", err)

		m, err := s.GetMetadata(ctx, key)
		assert.True(t, IsNotFound(err), "get_metadata: %v", err)
		assert.Nil(t, m)
	})

	t.Run("ValidationRejects", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()

		for _, key := range invalidKeys() {
			src := &countingReader{r: bytes.NewReader([]byte("payload"))}

			_, err := s.Exists(ctx, key)
			assert.True(t, IsValidation(err), "exists %q: %v", key.String(), err)
			_, err = s.Head(ctx, key)
			assert.True(t, IsValidation(err), "head %q: %v", key.String(), err)
			_, err = s.Get(ctx, key, io.Discard)
			assert.True(t, IsValidation(err), "get %q: %v", key.String(), err)
			_, err = s.Put(ctx, key, src)
			assert.True(t, IsValidation(err), "put %q: %v", key.String(), err)
			err = s.Delete(ctx, key)
			assert.True(t, IsValidation(err), "delete %q: %v", key.String(), err)
			_, err = s.GetMetadata(ctx, key)
			assert.True(t, IsValidation(err), "get_metadata %q: %v", key.String(), err)

			assert.Zero(t, src.n, "put must not read the source of an invalid key")
		}

		for _, name := range []string{"", ".", "..", "a/b", "a\\b", "a\x00"} {
			_, err := s.ListVersions(ctx, name)
			assert.True(t, IsValidation(err), "list_versions %q: %v", name, err)
			_, err = s.ListKeys(ctx, "pkg", name)
			assert.True(t, IsValidation(err), "list_keys version %q: %v", name, err)
		}
	})

	t.Run("DeleteThenAbsent", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"deleteme", "2.0.0", "abcdef1234567890"}

		_, err := s.Put(ctx, key, bytes.NewReader([]byte("bye")))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, key))

		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		err = s.Delete(ctx, key)
		assert.True(t, IsNotFound(err), "second delete: %v", err)

		_, err = s.GetMetadata(ctx, key)
		assert.True(t, IsNotFound(err))

		// Deletion frees the key for a new upload.
		_, err = s.Put(ctx, key, bytes.NewReader([]byte("again")))
		require.NoError(t, err)
	})

	t.Run("MetadataConsistency", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"meta", "1.0.0", "abcdef1234567890"}
		payload := randomBytes(7, 5000)

		before := time.Now()
		_, err := s.Put(ctx, key, bytes.NewReader(payload))
		require.NoError(t, err)

		m, err := s.GetMetadata(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(payload)), m.Size)
		assert.Equal(t, key, m.Key())
		assert.Equal(t, DefaultContentType, m.ContentType)
		assert.WithinDuration(t, before, m.CreatedAt, 5*time.Second)
		assert.NotNil(t, m.Extra)
	})

	t.Run("ConcreteScenario", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"libfoo", "1.2.0", "abcdef1234567890"}
		payload := randomBytes(42, 24000)

		n, err := s.Put(ctx, key, bytes.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, int64(24000), n)

		size, err := s.Head(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(24000), size)

		var buf bytes.Buffer
		_, err = s.Get(ctx, key, &buf)
		require.NoError(t, err)
		assert.Equal(t, payload, buf.Bytes())

		_, err = s.Put(ctx, key, bytes.NewReader(payload))
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindAlreadyExists, e.Kind)

		require.NoError(t, s.Delete(ctx, key))

		_, err = s.Get(ctx, key, io.Discard)
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindNotFound, e.Kind)
	})

	t.Run("Listing", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		for _, k := range []Key{
			{"pkg", "1.0.0", "sha1aaaa"},
			{"pkg", "1.0.0", "sha2bbbb"},
			{"pkg", "1.0.1", "sha3cccc"},
			{"other", "9.9.9", "sha4dddd"},
		} {
			_, err := s.Put(ctx, k, bytes.NewReader([]byte(k.Digest)))
			require.NoError(t, err)
		}

		versions, err := s.ListVersions(ctx, "pkg")
		require.NoError(t, err)
		assert.Equal(t, []string{"1.0.0", "1.0.1"}, versions)

		keys, err := s.ListKeys(ctx, "pkg", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, []Key{
			{"pkg", "1.0.0", "sha1aaaa"},
			{"pkg", "1.0.0", "sha2bbbb"},
		}, keys)
	})

	t.Run("ListingUnknown", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()

		versions, err := s.ListVersions(ctx, "nothing-here")
		require.NoError(t, err)
		assert.NotNil(t, versions)
		assert.Empty(t, versions)

		keys, err := s.ListKeys(ctx, "nothing-here", "1.0.0")
		require.NoError(t, err)
		assert.NotNil(t, keys)
		assert.Empty(t, keys)
	})

	t.Run("ListingSemverOrder", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		for _, v := range []string{"1.10.0", "latest", "1.2.0", "1.9.0", "2024-01-01"} {
			_, err := s.Put(ctx, Key{"ordered", v, "abcdefgh"}, bytes.NewReader(nil))
			require.NoError(t, err)
		}

		versions, err := s.ListVersions(ctx, "ordered")
		require.NoError(t, err)
		assert.Equal(t, []string{"1.2.0", "1.9.0", "1.10.0", "2024-01-01", "latest"}, versions)
	})

	t.Run("ConcurrentDistinctKeys", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := Key{"concurrent", "1.0.0", fmt.Sprintf("worker-%04d", i)}
				payload := randomBytes(int64(i)+100, 2000+i*311)

				if _, err := s.Put(ctx, key, bytes.NewReader(payload)); !assert.NoError(t, err) {
					return
				}
				var buf bytes.Buffer
				if _, err := s.Get(ctx, key, &buf); !assert.NoError(t, err) {
					return
				}
				assert.True(t, bytes.Equal(payload, buf.Bytes()), "worker %d read a foreign payload", i)
			}(i)
		}
		wg.Wait()

		keys, err := s.ListKeys(ctx, "concurrent", "1.0.0")
		require.NoError(t, err)
		assert.Len(t, keys, workers)
	})

	t.Run("FailingSourceLeavesNothing", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"broken", "1.0.0", "abcdef1234567890"}

		src := io.MultiReader(bytes.NewReader(randomBytes(1, 3*DefaultChunkSize)), errReader{errors.New("connection reset")})
		_, err := s.Put(ctx, key, src)
		require.Error(t, err)
		assert.Equal(t, KindWrite, KindOf(err))

		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "a failed upload must not be visible")
	})

	t.Run("FailingSinkIsReadError", func(t *testing.T) {
		s := ready(t)
		ctx := context.Background()
		key := Key{"sink", "1.0.0", "abcdef1234567890"}
		_, err := s.Put(ctx, key, bytes.NewReader(randomBytes(3, 3*DefaultChunkSize)))
		require.NoError(t, err)

		_, err = s.Get(ctx, key, &failingWriter{limit: DefaultChunkSize})
		require.Error(t, err)
		assert.Equal(t, KindRead, KindOf(err))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := ready(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Put(ctx, Key{"canceled", "1.0.0", "abcdef1234567890"}, bytes.NewReader([]byte("x")))
		require.Error(t, err)

		ok, err := s.Exists(context.Background(), Key{"canceled", "1.0.0", "abcdef1234567890"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Cleanup", func(t *testing.T) {
		s := ready(t)
		assert.NoError(t, s.Cleanup(context.Background()))
		assert.NoError(t, s.Cleanup(context.Background()))
	})
}

func invalidKeys() []Key {
	return []Key{
		{"", "1.0.0", "abcdefgh"},
		{"pkg", "", "abcdefgh"},
		{"pkg", "1.0.0", ""},
		{"..", "1.0.0", "abcdefgh"},
		{"pkg", "..", "abcdefgh"},
		{".", "1.0.0", "abcdefgh"},
		{"pkg", ".", "abcdefgh"},
		{"pkg", "1.0.0", "../../etc/passwd"},
		{"pkg/evil", "1.0.0", "abcdefgh"},
		{"pkg", "1.0.0", `abcd\efgh`},
		{"pkg\x00", "1.0.0", "abcdefgh"},
		{"pkg", "1.0.0", "abcdefg"},
	}
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b) //nolint:gosec // test data
	return b
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// failingWriter accepts limit bytes and then fails.
type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errors.New("client went away")
	}
	w.written += len(p)
	return len(p), nil
}
