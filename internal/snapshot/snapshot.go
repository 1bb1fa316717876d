package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Snapshot is a pinned, committed snapshot version.
type Snapshot struct {
	Ref
	dir   string
	store *Store
	once  sync.Once
}

// Close unpins the version.
func (s *Snapshot) Close() error {
	s.once.Do(func() { s.store.unpin(s.Version) })
	return nil
}

// Open returns the uncompressed content of a bundle file.
func (s *Snapshot) Open(name string) (io.ReadCloser, error) {
	info, ok := s.File(name)
	if !ok {
		return nil, fmt.Errorf("snapshot %s has no file %q", s.Identity, name)
	}
	if !info.Compressed {
		return os.Open(filepath.Join(s.dir, name))
	}
	f, err := os.Open(filepath.Join(s.dir, name+compressedExt))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return &decodedFile{Decoder: dec, f: f}, nil
}

type decodedFile struct {
	*zstd.Decoder
	f *os.File
}

func (d *decodedFile) Close() error {
	d.Decoder.Close()
	return d.f.Close()
}

// LocalPath returns a filesystem path holding the uncompressed content of a
// bundle file. Uncompressed files are served in place; compressed ones are
// decoded into scratchDir.
func (s *Snapshot) LocalPath(name, scratchDir string) (string, error) {
	info, ok := s.File(name)
	if !ok {
		return "", fmt.Errorf("snapshot %s has no file %q", s.Identity, name)
	}
	if !info.Compressed {
		return filepath.Join(s.dir, name), nil
	}

	r, err := s.Open(name)
	if err != nil {
		return "", err
	}
	defer r.Close()

	dst := filepath.Join(scratchDir, s.Version+"-"+name)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// Verify recomputes every file digest and compares it with the manifest.
func (s *Snapshot) Verify() error {
	for _, info := range s.Files {
		r, err := s.Open(info.Name)
		if err != nil {
			return err
		}
		h := sha256.New()
		n, err := io.Copy(h, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", info.Name, err)
		}
		if n != info.Size || hex.EncodeToString(h.Sum(nil)) != info.Digest {
			return fmt.Errorf("snapshot %s file %s is corrupt", s.Identity, info.Name)
		}
	}
	return nil
}
