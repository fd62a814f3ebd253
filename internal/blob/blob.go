// Package blob stores raw message bytes on the local filesystem,
// addressed by stable relative paths.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// Store persists raw message blobs. Paths are relative, forward-slash
// separated, and computed by PathFor.
type Store interface {
	// Put writes data at path. Writing a path that already holds data
	// is a no-op; blobs are immutable once stored.
	Put(path string, data []byte) error

	// Open reads the blob at path.
	Open(path string) (io.ReadCloser, error)

	// Exists reports whether a blob is stored at path.
	Exists(path string) (bool, error)
}

// FSStore implements Store under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store
// over it.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Put writes one blob. An existing blob at the same path is kept as is.
func (s *FSStore) Put(path string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))

	if _, err := os.Stat(full); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating blob directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing blob %s: %w", path, err)
	}
	return nil
}

// Open reads the blob at path.
func (s *FSStore) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", path, err)
	}
	return f, nil
}

// Exists reports whether a blob is stored at path.
func (s *FSStore) Exists(path string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(path)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking blob %s: %w", path, err)
}

// filenameUnsafe matches characters replaced when a provider message id
// becomes part of a filename.
var filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._+\-=]`)

// PathFor computes the sharded relative path for one message. The two
// leading hash segments keep directories small; the hash suffix keeps
// sanitized names collision-free.
func PathFor(sourceID, providerMessageID string) string {
	sum := sha256.Sum256([]byte(sourceID + "\x00" + providerMessageID))
	digest := hex.EncodeToString(sum[:])

	name := filenameUnsafe.ReplaceAllString(providerMessageID, "_")
	if len(name) > 120 {
		name = name[:120]
	}

	return digest[:2] + "/" + digest[2:4] + "/" + name + "-" + digest[:8] + ".eml"
}
