package artifacts

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MinDigestLength is the shortest digest a Key may carry.
const MinDigestLength = 8

// Key identifies one stored artifact. Two keys are equal iff all three
// fields match exactly.
type Key struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

// NewKey builds and validates a Key.
func NewKey(name, version, digest string) (Key, error) {
	k := Key{Name: name, Version: version, Digest: digest}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKey parses the canonical "name/version/digest" form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, newError(KindValidation, "parse", Key{}, fmt.Errorf("want name/version/digest, got %q", s))
	}
	return NewKey(parts[0], parts[1], parts[2])
}

// Validate rejects empty fields, short digests and any field that could
// escape or collapse its directory. It performs no I/O.
func (k Key) Validate() error {
	if err := ValidateSegment("name", k.Name); err != nil {
		return err
	}
	if err := ValidateSegment("version", k.Version); err != nil {
		return err
	}
	if err := ValidateSegment("digest", k.Digest); err != nil {
		return err
	}
	if len(k.Digest) < MinDigestLength {
		return newError(KindValidation, "validate", Key{},
			fmt.Errorf("digest must be at least %d characters, got %d", MinDigestLength, len(k.Digest)))
	}
	return nil
}

// ValidateSegment applies the per-field rule of Key.Validate to a single
// path segment such as the name passed to ListVersions.
func ValidateSegment(field, value string) error {
	var reason string
	switch {
	case value == "":
		reason = "must not be empty"
	case value == ".":
		reason = "must not be \".\""
	case strings.Contains(value, ".."):
		reason = "must not contain \"..\""
	case strings.ContainsAny(value, "/\\"):
		reason = "must not contain path separators"
	case strings.ContainsRune(value, 0):
		reason = "must not contain null bytes"
	default:
		return nil
	}
	return newError(KindValidation, "validate", Key{}, fmt.Errorf("%s %s", field, reason))
}

// String returns the canonical "name/version/digest" form. It doubles as the
// object-storage key.
func (k Key) String() string {
	return k.Name + "/" + k.Version + "/" + k.Digest
}

// Path returns the key as a relative filesystem path.
func (k Key) Path() string {
	return filepath.Join(k.Name, k.Version, k.Digest)
}
