//go:build property
// +build property

package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRoundTripProperty verifies that any payload comes back byte for byte.
// Property: Get(Put(key, p)) == p and Head(key) == len(p)
func TestRoundTripProperty(t *testing.T) {
	stores := map[string]Store{
		"file": initFileStore(t, WithChunkSize(64)),
		"s3":   initS3Store(t, newFakeS3(testBucket)),
	}

	for name, store := range stores {
		store := store
		t.Run(name, func(t *testing.T) {
			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 50
			properties := gopter.NewProperties(parameters)
			ctx := context.Background()
			seq := 0

			properties.Property("get returns exactly what put stored", prop.ForAll(
				func(payload []byte) bool {
					seq++
					key := Key{"prop", "1.0.0", fmt.Sprintf("digest-%06d", seq)}

					n, err := store.Put(ctx, key, bytes.NewReader(payload))
					if err != nil || n != int64(len(payload)) {
						return false
					}
					size, err := store.Head(ctx, key)
					if err != nil || size != int64(len(payload)) {
						return false
					}
					var buf bytes.Buffer
					if _, err := store.Get(ctx, key, &buf); err != nil {
						return false
					}
					return bytes.Equal(buf.Bytes(), payload)
				},
				gen.SliceOf(gen.UInt8()),
			))

			properties.TestingRun(t)
		})
	}
}

// TestValidationProperty verifies that unsafe segments are always rejected.
// Property: a field containing a separator, "..", or a short digest never validates
func TestValidationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("short digests are rejected", prop.ForAll(
		func(digest string) bool {
			return IsValidation(Key{"pkg", "1.0.0", digest}.Validate())
		},
		gen.AlphaString().Map(func(s string) string {
			if len(s) >= MinDigestLength {
				return s[:MinDigestLength-1]
			}
			return s
		}),
	))

	properties.Property("separators in any field are rejected", prop.ForAll(
		func(a, b string, sep string, field int) bool {
			bad := a + sep + b
			k := Key{"pkg", "1.0.0", "abcdefgh"}
			switch field % 3 {
			case 0:
				k.Name = bad
			case 1:
				k.Version = bad
			default:
				k.Digest = bad + "abcdefgh"
			}
			return IsValidation(k.Validate())
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.OneConstOf("/", `\`, "..", "\x00"),
		gen.IntRange(0, 2),
	))

	properties.Property("alphanumeric keys validate", prop.ForAll(
		func(name, version, digest string) bool {
			if name == "" || version == "" || len(digest) < MinDigestLength {
				return true
			}
			return Key{name, version, digest}.Validate() == nil
		},
		gen.Identifier(),
		gen.NumString(),
		gen.Identifier().Map(func(s string) string { return s + strings.Repeat("0", MinDigestLength) }),
	))

	properties.TestingRun(t)
}
