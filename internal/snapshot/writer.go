package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
)

// Writer stages one snapshot version. The identity's writer slot is held
// from Begin until Commit or Abort.
type Writer struct {
	store    *Store
	identity string
	version  string
	dir      string
	unlock   func()
	done     bool
}

// Begin starts a new snapshot version for identity, waiting for any
// concurrent writer of the same identity to finish.
func (s *Store) Begin(ctx context.Context, identity string) (*Writer, error) {
	unlock, err := s.lockWriter(ctx, identity)
	if err != nil {
		return nil, err
	}
	version := ulid.Make().String()
	dir := s.stagingDir(version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		unlock()
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Writer{store: s, identity: identity, version: version, dir: dir, unlock: unlock}, nil
}

// Dir returns the staging directory files are written into.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the staging path of a bundle file.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Version returns the version being staged.
func (w *Writer) Version() string {
	return w.version
}

// Create opens a bundle file for writing.
func (w *Writer) Create(name string) (*os.File, error) {
	if w.done {
		return nil, ErrAborted
	}
	if name == manifestFile || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid snapshot file name %q", name)
	}
	return os.Create(w.Path(name))
}

// Abort discards the staged files and releases the writer slot.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.unlock()
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

// Commit seals the staged files and makes them the identity's snapshot,
// superseding any previous version. On error nothing becomes visible.
func (w *Writer) Commit(ctx context.Context, meta map[string]string) (*Ref, error) {
	if w.done {
		return nil, ErrAborted
	}
	ref, err := w.commit(ctx, meta)
	if err != nil {
		w.Abort()
		os.RemoveAll(w.store.objectDir(w.version))
		return nil, err
	}
	w.done = true
	w.unlock()
	return ref, nil
}

func (w *Writer) commit(ctx context.Context, meta map[string]string) (*Ref, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("snapshot %s has no files", w.identity)
	}

	ref := &Ref{
		Identity:  w.identity,
		Version:   w.version,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			return nil, fmt.Errorf("unexpected directory %q in snapshot", e.Name())
		}
		compress := w.store.opts.Compress && e.Name() == FileMemory
		info, err := sealFile(w.Path(e.Name()), compress)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", e.Name(), err)
		}
		info.Name = e.Name()
		ref.Files = append(ref.Files, info)
	}
	sort.Slice(ref.Files, func(i, j int) bool { return ref.Files[i].Name < ref.Files[j].Name })

	manifest, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileSync(w.Path(manifestFile), manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := syncDir(w.dir); err != nil {
		return nil, err
	}

	objDir := w.store.objectDir(w.version)
	if err := os.Rename(w.dir, objDir); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}
	if err := syncDir(filepath.Dir(objDir)); err != nil {
		return nil, err
	}

	value, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal ref: %w", err)
	}
	var previous string
	err = w.store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(w.identity))
		switch {
		case err == nil:
			var old Ref
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &old) }); err != nil {
				return err
			}
			previous = old.Version
		case err != badger.ErrKeyNotFound:
			return err
		}
		return txn.Set(refKey(w.identity), value)
	})
	if err != nil {
		return nil, fmt.Errorf("commit snapshot ref: %w", err)
	}

	if previous != "" {
		w.store.retire(previous)
	}
	return ref, nil
}

// sealFile digests path, optionally replacing it with a zstd-compressed copy,
// and flushes it to disk.
func sealFile(path string, compress bool) (FileInfo, error) {
	src, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer src.Close()

	h := sha256.New()
	info := FileInfo{Compressed: compress}

	if !compress {
		n, err := io.Copy(h, src)
		if err != nil {
			return FileInfo{}, err
		}
		if err := src.Sync(); err != nil {
			return FileInfo{}, err
		}
		info.Size = n
		info.Digest = hex.EncodeToString(h.Sum(nil))
		return info, nil
	}

	dst, err := os.Create(path + compressedExt)
	if err != nil {
		return FileInfo{}, err
	}
	defer dst.Close()
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return FileInfo{}, err
	}
	n, err := io.Copy(io.MultiWriter(enc, h), src)
	if err != nil {
		enc.Close()
		return FileInfo{}, err
	}
	if err := enc.Close(); err != nil {
		return FileInfo{}, err
	}
	if err := dst.Sync(); err != nil {
		return FileInfo{}, err
	}
	if err := os.Remove(path); err != nil {
		return FileInfo{}, err
	}
	info.Size = n
	info.Digest = hex.EncodeToString(h.Sum(nil))
	return info, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// Write commits a bundle given as readers, one per file name.
func (s *Store) Write(ctx context.Context, identity string, files map[string]io.Reader, meta map[string]string) (*Ref, error) {
	w, err := s.Begin(ctx, identity)
	if err != nil {
		return nil, err
	}
	for name, r := range files {
		f, err := w.Create(name)
		if err != nil {
			w.Abort()
			return nil, err
		}
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return w.Commit(ctx, meta)
}
