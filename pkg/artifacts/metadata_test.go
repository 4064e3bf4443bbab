package artifacts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetadata(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	m := NewMetadata(Key{"zlib", "1.3.1", "abcdef1234567890"}, 4096, now)

	assert.Equal(t, "zlib", m.Name)
	assert.Equal(t, "1.3.1", m.Version)
	assert.Equal(t, "abcdef1234567890", m.Digest)
	assert.Equal(t, uint64(4096), m.Size)
	assert.Equal(t, time.UTC, m.CreatedAt.Location())
	assert.True(t, m.CreatedAt.Equal(now))
	assert.Equal(t, DefaultContentType, m.ContentType)
	assert.NotNil(t, m.Extra)
	assert.Equal(t, Key{"zlib", "1.3.1", "abcdef1234567890"}, m.Key())
}

func TestSidecarEncodeDecode(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	m := NewMetadata(Key{"zlib", "1.3.1", "abcdef1234567890"}, 24000, created)
	m.Extra["triplet"] = "x64-linux"

	data, err := EncodeSidecar(m)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, field := range []string{"name", "version", "digest", "size", "created_at", "content_type", "extra"} {
		assert.Contains(t, doc, field)
	}
	assert.NotContains(t, doc, "sha")

	got, err := DecodeSidecar(data)
	require.NoError(t, err)
	assert.Equal(t, m.Key(), got.Key())
	assert.Equal(t, m.Size, got.Size)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, "x64-linux", got.Extra["triplet"])
}

func TestDecodeSidecarLegacyShaField(t *testing.T) {
	legacy := []byte(`{
		"name": "zlib",
		"version": "1.3.1",
		"sha": "abcdef1234567890",
		"size": 10,
		"created_at": "2024-05-01T10:00:00Z"
	}`)

	m, err := DecodeSidecar(legacy)
	require.NoError(t, err)
	assert.Equal(t, "abcdef1234567890", m.Digest)
	assert.Equal(t, DefaultContentType, m.ContentType)
	assert.NotNil(t, m.Extra)
	assert.Equal(t, 2024, m.CreatedAt.Year())
}

func TestDecodeSidecarRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"not json":           `{"name":`,
		"missing digest":     `{"name":"a","version":"1","size":1,"created_at":"2024-05-01T10:00:00Z"}`,
		"negative size":      `{"name":"a","version":"1","digest":"abcdefgh","size":-1,"created_at":"2024-05-01T10:00:00Z"}`,
		"size is a string":   `{"name":"a","version":"1","digest":"abcdefgh","size":"1","created_at":"2024-05-01T10:00:00Z"}`,
		"bad timestamp":      `{"name":"a","version":"1","digest":"abcdefgh","size":1,"created_at":"yesterday"}`,
		"missing created_at": `{"name":"a","version":"1","digest":"abcdefgh","size":1}`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSidecar([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestEncodeSidecarNil(t *testing.T) {
	_, err := EncodeSidecar(nil)
	assert.Error(t, err)
}
