package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultContentType is recorded for every artifact; payloads are opaque.
const DefaultContentType = "application/octet-stream"

// Metadata is the descriptive record kept next to each artifact. It is
// written once by Put and never updated.
type Metadata struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Digest      string         `json:"digest"`
	Size        uint64         `json:"size"`
	CreatedAt   time.Time      `json:"created_at"`
	ContentType string         `json:"content_type"`
	Extra       map[string]any `json:"extra"`
}

// NewMetadata builds the record stored at write time.
func NewMetadata(key Key, size int64, now time.Time) *Metadata {
	return &Metadata{
		Name:        key.Name,
		Version:     key.Version,
		Digest:      key.Digest,
		Size:        uint64(size), //nolint:gosec // sizes are never negative
		CreatedAt:   now.UTC(),
		ContentType: DefaultContentType,
		Extra:       map[string]any{},
	}
}

// SynthesizeMetadata builds a record from substrate stat information for an
// artifact whose sidecar is missing.
func SynthesizeMetadata(key Key, size int64, modTime time.Time) *Metadata {
	return NewMetadata(key, size, modTime)
}

// Key returns the artifact key the record describes.
func (m *Metadata) Key() Key {
	return Key{Name: m.Name, Version: m.Version, Digest: m.Digest}
}

// sidecarDoc is the on-disk form. "sha" is the field name older caches used
// for the digest.
type sidecarDoc struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Digest      string         `json:"digest,omitempty"`
	Sha         string         `json:"sha,omitempty"`
	Size        uint64         `json:"size"`
	CreatedAt   string         `json:"created_at"`
	ContentType string         `json:"content_type"`
	Extra       map[string]any `json:"extra"`
}

const sidecarSchemaURL = "https://vcpkg-harbor.local/schemas/sidecar.schema.json"

const sidecarSchema = `{
  "type": "object",
  "required": ["name", "version", "size", "created_at"],
  "anyOf": [{"required": ["digest"]}, {"required": ["sha"]}],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "digest": {"type": "string"},
    "sha": {"type": "string"},
    "size": {"type": "integer", "minimum": 0},
    "created_at": {"type": "string", "minLength": 1},
    "content_type": {"type": "string"},
    "extra": {"type": ["object", "null"]}
  }
}`

var (
	sidecarOnce     sync.Once
	sidecarCompiled *jsonschema.Schema
	sidecarErr      error
)

func sidecarValidator() (*jsonschema.Schema, error) {
	sidecarOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(sidecarSchemaURL, strings.NewReader(sidecarSchema)); err != nil {
			sidecarErr = fmt.Errorf("sidecar schema load failed: %w", err)
			return
		}
		sidecarCompiled, sidecarErr = c.Compile(sidecarSchemaURL)
	})
	return sidecarCompiled, sidecarErr
}

// EncodeSidecar renders m as the indented JSON document stored beside the
// payload.
func EncodeSidecar(m *Metadata) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil metadata")
	}
	extra := m.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return json.MarshalIndent(sidecarDoc{
		Name:        m.Name,
		Version:     m.Version,
		Digest:      m.Digest,
		Size:        m.Size,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		ContentType: contentType,
		Extra:       extra,
	}, "", "  ")
}

// DecodeSidecar validates and parses a sidecar document.
func DecodeSidecar(data []byte) (*Metadata, error) {
	schema, err := sidecarValidator()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid sidecar: %w", err)
	}

	var doc sidecarDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid sidecar created_at: %w", err)
	}

	m := &Metadata{
		Name:        doc.Name,
		Version:     doc.Version,
		Digest:      doc.Digest,
		Size:        doc.Size,
		CreatedAt:   created.UTC(),
		ContentType: doc.ContentType,
		Extra:       doc.Extra,
	}
	if m.Digest == "" {
		m.Digest = doc.Sha
	}
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	return m, nil
}
