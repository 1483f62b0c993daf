// Package storage provides content-addressed storage for attachment blobs.
//
// Blobs are addressed by the hex BLAKE3-256 digest of their bytes and laid
// out as baseDir/{hash[0:2]}/{hash[2:4]}/{hash}. Identical photos captured
// for different submissions are stored once.
package storage

import (
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// BlobStore stores attachment bytes by content hash.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a new BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{
		baseDir: baseDir,
	}
}

// CalculateHash returns the hex BLAKE3-256 digest of data.
func CalculateHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateHashFromReader hashes everything read from r.
func CalculateHashFromReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHash reports whether h looks like a digest produced by CalculateHash.
// Anything else is rejected before touching the filesystem.
func ValidHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *BlobStore) path(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", apperrors.Newf(apperrors.ErrInvalid, "invalid blob hash %q", hash)
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash), nil
}

// Store writes data and returns its hash. The blob becomes visible only
// once fully written and synced; a crash never leaves a partial blob under
// its final name.
func (s *BlobStore) Store(data []byte) (string, error) {
	hash := CalculateHash(data)
	dest, _ := s.path(hash)

	// Check if file already exists (deduplication)
	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "create blob directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "create staging file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "write blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "close blob", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		cleanup()
		return "", apperrors.Wrap(apperrors.ErrStorage, "publish blob", err)
	}
	if err := syncDir(dir); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "sync blob directory", err)
	}
	return hash, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Open returns a reader over a stored blob.
func (s *BlobStore) Open(hash string) (io.ReadCloser, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "open blob", err)
	}
	return f, nil
}

// Retrieve reads a blob and verifies it still matches its hash.
func (s *BlobStore) Retrieve(hash string) ([]byte, error) {
	r, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read blob", err)
	}
	if got := CalculateHash(data); got != hash {
		return nil, apperrors.Newf(apperrors.ErrStorage, "hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Delete removes stored content by hash. Missing blobs are not an error.
func (s *BlobStore) Delete(hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(apperrors.ErrStorage, "delete blob", err)
	}

	// Try to remove empty directories
	dir := filepath.Dir(p)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// Exists checks if content exists for a given hash.
func (s *BlobStore) Exists(hash string) bool {
	p, err := s.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size returns the size of stored content in bytes.
func (s *BlobStore) Size(hash string) (int64, error) {
	p, err := s.path(hash)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return 0, apperrors.Newf(apperrors.ErrNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "stat blob", err)
	}
	return info.Size(), nil
}

// ListAll lists all stored content hashes. Staging leftovers are skipped.
func (s *BlobStore) ListAll() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.baseDir && stderrors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !ValidHash(name) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		if rel == filepath.Join(name[0:2], name[2:4], name) {
			hashes = append(hashes, name)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "walk blob store", err)
	}
	return hashes, nil
}

// VerifyAll recomputes every stored hash and returns the corrupted ones.
func (s *BlobStore) VerifyAll() ([]string, error) {
	hashes, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, h := range hashes {
		if _, err := s.Retrieve(h); err != nil {
			corrupted = append(corrupted, h)
		}
	}
	return corrupted, nil
}

// Prune deletes every blob not present in keep and any staging files left
// behind by an interrupted Store. It returns the number of blobs removed.
func (s *BlobStore) Prune(keep map[string]bool) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.baseDir && stderrors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case ValidHash(name):
			if keep[name] {
				return nil
			}
			if err := s.Delete(name); err != nil {
				return err
			}
			removed++
		case strings.HasPrefix(name, ".staging-"):
			os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return removed, apperrors.Wrap(apperrors.ErrStorage, "prune blob store", err)
	}
	return removed, nil
}
