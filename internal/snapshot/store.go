// Package snapshot persists immutable microVM snapshots keyed by machine
// identity. A commit stages every file in a private directory, renames it into
// place and then swaps the identity's ref in a badger index, so readers only
// ever see fully written bundles. Superseded bundles are reclaimed once no
// reader pins them.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Well-known bundle file names.
const (
	FileState  = "vmstate"
	FileMemory = "memory"

	manifestFile  = "manifest.json"
	compressedExt = ".zst"
	refPrefix     = "ref/"
)

var (
	// ErrNotFound is returned when no committed snapshot exists for an identity.
	ErrNotFound = errors.New("snapshot not found")

	// ErrAborted is returned when using a writer after Commit or Abort.
	ErrAborted = errors.New("snapshot writer closed")
)

// FileInfo describes one file of a committed bundle. Size and Digest refer to
// the uncompressed content.
type FileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Ref identifies a committed snapshot version.
type Ref struct {
	Identity  string            `json:"identity"`
	Version   string            `json:"version"`
	Files     []FileInfo        `json:"files"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// File returns the info for name.
func (r *Ref) File(name string) (FileInfo, bool) {
	for _, f := range r.Files {
		if f.Name == name {
			return f, true
		}
	}
	return FileInfo{}, false
}

// Options configures a Store.
type Options struct {
	// Compress stores the memory image zstd-compressed.
	Compress bool
	Logger   *slog.Logger
}

// Store is a filesystem snapshot store with a badger ref index.
type Store struct {
	root   string
	db     *badger.DB
	opts   Options
	logger *slog.Logger

	writers sync.Map // identity → chan struct{} (single-writer semaphore)
	pins    sync.Map // version → *pin
}

type pin struct {
	mu         sync.Mutex
	readers    int
	superseded bool
	removed    bool
}

// Open opens or creates a store rooted at dir and sweeps leftovers of
// interrupted commits.
func Open(dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, sub := range []string{"objects", "staging", "index"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	bopts := badger.DefaultOptions(filepath.Join(dir, "index"))
	bopts.Logger = nil
	bopts = bopts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot index: %w", err)
	}

	s := &Store{root: dir, db: db, opts: opts, logger: logger}
	if err := s.sweep(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sweep snapshot store: %w", err)
	}
	return s, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) objectDir(version string) string {
	return filepath.Join(s.root, "objects", version)
}

func (s *Store) stagingDir(version string) string {
	return filepath.Join(s.root, "staging", version)
}

func refKey(identity string) []byte {
	return []byte(refPrefix + identity)
}

// lockWriter acquires the single-writer slot of identity.
func (s *Store) lockWriter(ctx context.Context, identity string) (func(), error) {
	v, _ := s.writers.LoadOrStore(identity, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for snapshot writer %s: %w", identity, ctx.Err())
	}
}

// Lookup returns the committed ref for identity without pinning it.
func (s *Store) Lookup(identity string) (*Ref, error) {
	var ref Ref
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(identity))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &ref)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// List returns every committed ref.
func (s *Store) List() ([]*Ref, error) {
	var refs []*Ref
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(refPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ref Ref
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ref)
			}); err != nil {
				return err
			}
			refs = append(refs, &ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return refs, nil
}

// Read pins and returns the committed snapshot of identity. The caller must
// Close it to let a superseded version be reclaimed.
func (s *Store) Read(ctx context.Context, identity string) (*Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref, err := s.Lookup(identity)
		if err != nil {
			return nil, err
		}

		v, _ := s.pins.LoadOrStore(ref.Version, &pin{})
		p := v.(*pin)
		p.mu.Lock()
		if p.removed {
			// Superseded and reclaimed between lookup and pin; the index
			// already points at a newer version.
			p.mu.Unlock()
			continue
		}
		p.readers++
		p.mu.Unlock()

		// Reclaimed pins leave the table, so p may be a fresh pin for a
		// version that is already gone. Keep it only if the index agrees.
		cur, err := s.Lookup(identity)
		switch {
		case err == nil && cur.Version == ref.Version:
		case err == nil || errors.Is(err, ErrNotFound):
			s.release(ref.Version, p, true)
			continue
		default:
			s.release(ref.Version, p, false)
			return nil, err
		}

		return &Snapshot{Ref: *ref, dir: s.objectDir(ref.Version), store: s}, nil
	}
}

// Delete removes the committed snapshot of identity. Deleting an identity
// without a snapshot is not an error.
func (s *Store) Delete(ctx context.Context, identity string) error {
	unlock, err := s.lockWriter(ctx, identity)
	if err != nil {
		return err
	}
	defer unlock()

	old, err := s.Lookup(identity)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(refKey(identity))
	}); err != nil {
		return fmt.Errorf("delete snapshot ref %s: %w", identity, err)
	}
	s.retire(old.Version)
	return nil
}

// retire marks version superseded and removes it unless pinned.
func (s *Store) retire(version string) {
	v, _ := s.pins.LoadOrStore(version, &pin{})
	p := v.(*pin)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.superseded = true
	if p.readers == 0 {
		s.remove(version, p)
	}
}

// unpin releases one reader of version.
func (s *Store) unpin(version string) {
	v, ok := s.pins.Load(version)
	if !ok {
		return
	}
	s.release(version, v.(*pin), false)
}

// release drops one reader of p, marking version superseded first if asked.
func (s *Store) release(version string, p *pin, superseded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers--
	p.superseded = p.superseded || superseded
	if p.readers == 0 && p.superseded {
		s.remove(version, p)
	}
}

// remove deletes the object dir of version and drops its pin. Caller holds
// p.mu.
func (s *Store) remove(version string, p *pin) {
	p.removed = true
	s.pins.CompareAndDelete(version, p)
	if err := os.RemoveAll(s.objectDir(version)); err != nil {
		s.logger.Warn("reclaim snapshot failed", "version", version, "error", err)
		return
	}
	s.logger.Debug("reclaimed snapshot", "version", version)
}

// sweep removes staging leftovers and object dirs no ref points at.
func (s *Store) sweep() error {
	staging, err := os.ReadDir(filepath.Join(s.root, "staging"))
	if err != nil {
		return err
	}
	for _, e := range staging {
		if err := os.RemoveAll(filepath.Join(s.root, "staging", e.Name())); err != nil {
			return err
		}
	}

	refs, err := s.List()
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(refs))
	for _, r := range refs {
		live[r.Version] = true
	}

	objects, err := os.ReadDir(filepath.Join(s.root, "objects"))
	if err != nil {
		return err
	}
	for _, e := range objects {
		if live[e.Name()] {
			continue
		}
		s.logger.Info("removing orphaned snapshot", "version", e.Name())
		if err := os.RemoveAll(s.objectDir(e.Name())); err != nil {
			return err
		}
	}
	return nil
}
