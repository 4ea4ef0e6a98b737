// Package fsid provides opaque, type-tagged identifiers for remote
// filesystem items. An identifier carries a kind discriminator
// (directory or file) and the backend-native key, so callers can
// dispatch on the decoded kind instead of inspecting backend payloads.
//
// The wire form is "<tag>!<key>": "d!" for directories, "f!" for
// files. The key is opaque to this package; only the tag is parsed.
//
// This is a leaf package with zero external dependencies beyond stdlib.
package fsid

import (
	"encoding"
	"errors"
	"fmt"
	"strings"
)

// ErrFormat is the sentinel for malformed identifiers and, by
// convention, for malformed numeric fields elsewhere in the codebase.
// Check with errors.Is(err, fsid.ErrFormat).
var ErrFormat = errors.New("malformed value")

// Kind discriminates the two identifier variants.
type Kind uint8

const (
	// KindDirectory tags identifiers of directory items.
	KindDirectory Kind = iota + 1
	// KindFile tags identifiers of file items.
	KindFile
)

// tag returns the single-character wire tag for the kind.
func (k Kind) tag() string {
	switch k {
	case KindDirectory:
		return "d"
	case KindFile:
		return "f"
	default:
		return "?"
	}
}

// String returns a human-readable kind name for logs and errors.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const separator = "!"

// ID is an opaque item identifier: a kind tag plus the backend-native
// key. The zero value (ID{}) represents an absent identifier.
// Comparable; usable as a map key.
type ID struct {
	kind Kind
	key  string
}

// NewDirectory creates a directory identifier for a backend key.
func NewDirectory(key string) ID {
	return ID{kind: KindDirectory, key: key}
}

// NewFile creates a file identifier for a backend key.
func NewFile(key string) ID {
	return ID{kind: KindFile, key: key}
}

// Kind returns the identifier's variant tag.
func (id ID) Kind() Kind {
	return id.kind
}

// Key returns the backend-native key.
func (id ID) Key() string {
	return id.key
}

// IsZero reports whether this is the zero-value ID.
func (id ID) IsZero() bool {
	return id.kind == 0 && id.key == ""
}

// IsDirectory reports whether the identifier tags a directory.
func (id ID) IsDirectory() bool {
	return id.kind == KindDirectory
}

// IsFile reports whether the identifier tags a file.
func (id ID) IsFile() bool {
	return id.kind == KindFile
}

// String returns the wire form "<tag>!<key>". The zero ID renders as
// the empty string.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}

	return id.kind.tag() + separator + id.key
}

// Parse decodes a wire-form identifier of either kind.
func Parse(s string) (ID, error) {
	tag, key, ok := strings.Cut(s, separator)
	if !ok {
		return ID{}, fmt.Errorf("fsid: %q: missing kind tag: %w", s, ErrFormat)
	}

	if key == "" {
		return ID{}, fmt.Errorf("fsid: %q: empty backend key: %w", s, ErrFormat)
	}

	switch tag {
	case "d":
		return NewDirectory(key), nil
	case "f":
		return NewFile(key), nil
	default:
		return ID{}, fmt.Errorf("fsid: %q: unknown kind tag %q: %w", s, tag, ErrFormat)
	}
}

// ParseDirectory decodes a wire-form identifier that must tag a
// directory. A file-tagged value is rejected with ErrFormat.
func ParseDirectory(s string) (ID, error) {
	return parseKind(s, KindDirectory)
}

// ParseFile decodes a wire-form identifier that must tag a file.
// A directory-tagged value is rejected with ErrFormat.
func ParseFile(s string) (ID, error) {
	return parseKind(s, KindFile)
}

func parseKind(s string, want Kind) (ID, error) {
	id, err := Parse(s)
	if err != nil {
		return ID{}, err
	}

	if id.kind != want {
		return ID{}, fmt.Errorf("fsid: %q: expected %s identifier, got %s: %w",
			s, want, id.kind, ErrFormat)
	}

	return id, nil
}

// Expect verifies the identifier's kind before a kind-specific
// operation. Returns ErrFormat-wrapped detail on mismatch, raised
// before any backend call is issued.
func (id ID) Expect(want Kind) error {
	if id.IsZero() {
		return fmt.Errorf("fsid: empty identifier, expected %s: %w", want, ErrFormat)
	}

	if id.kind != want {
		return fmt.Errorf("fsid: %q: expected %s identifier, got %s: %w",
			id, want, id.kind, ErrFormat)
	}

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero ID.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
)
