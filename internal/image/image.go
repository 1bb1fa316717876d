// Package image stores root filesystem images uploaded in chunks.
//
// An upload is opened with Begin, receives ordered chunks through Append and
// is sealed by Commit, which names the image after its content digest.
// Committed images live under <dir>/blobs and are recorded in the store.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/store"
)

const (
	uploadsDir = "uploads"
	blobsDir   = "blobs"
	blobExt    = ".ext4"

	// DefaultTag is applied when an upload names no tags.
	DefaultTag = "latest"
)

// Store manages image uploads and committed images.
type Store struct {
	dir    string
	db     store.Store
	logger *slog.Logger

	mu      sync.Mutex
	uploads map[string]*upload
}

type upload struct {
	mu      sync.Mutex
	id      string
	name    string
	tags    []string
	path    string
	file    *os.File
	hash    hash.Hash
	size    int64
	started time.Time
	done    bool
}

// Open prepares dir and discards uploads left over from a previous run.
func Open(dir string, db store.Store, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.RemoveAll(filepath.Join(dir, uploadsDir)); err != nil {
		return nil, fmt.Errorf("clear uploads: %w", err)
	}
	for _, sub := range []string{uploadsDir, blobsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Store{dir: dir, db: db, logger: logger, uploads: make(map[string]*upload)}, nil
}

// Begin opens an upload for image name with tags and returns its ID.
func (s *Store) Begin(name string, tags []string) (string, error) {
	if !model.ValidName(name) {
		return "", machine.Errorf(machine.KindInvalidSpec, "image name %q must be a lowercase DNS label", name)
	}
	if len(tags) == 0 {
		tags = []string{DefaultTag}
	}
	for _, tag := range tags {
		if tag == "" || strings.ContainsAny(tag, ":/ ") {
			return "", machine.Errorf(machine.KindInvalidSpec, "invalid image tag %q", tag)
		}
	}

	id := model.NewID()
	path := filepath.Join(s.dir, uploadsDir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", machine.Errorf(machine.KindInternal, "create upload file: %w", err)
	}

	s.mu.Lock()
	s.uploads[id] = &upload{
		id:      id,
		name:    name,
		tags:    slices.Compact(slices.Sorted(slices.Values(tags))),
		path:    path,
		file:    f,
		hash:    sha256.New(),
		started: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("image upload started", "upload", id, "image", name)
	return id, nil
}

func (s *Store) get(id string) (*upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, machine.Errorf(machine.KindNotFound, "upload %q not found", id)
	}
	return u, nil
}

// Append writes the next chunk of an upload and returns the bytes received
// so far.
func (s *Store) Append(_ context.Context, id string, r io.Reader) (int64, error) {
	u, err := s.get(id)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return 0, machine.Errorf(machine.KindConflict, "upload %s is already finished", id)
	}
	n, err := io.Copy(io.MultiWriter(u.file, u.hash), r)
	u.size += n
	if err != nil {
		return u.size, machine.Errorf(machine.KindInternal, "write chunk: %w", err)
	}
	return u.size, nil
}

// Commit seals an upload, stores its content under its digest and records
// the image.
func (s *Store) Commit(ctx context.Context, id string) (*model.Image, error) {
	u, err := s.get(id)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil, machine.Errorf(machine.KindConflict, "upload %s is already finished", id)
	}
	if u.size == 0 {
		return nil, machine.Errorf(machine.KindInvalidSpec, "upload %s is empty", id)
	}
	u.done = true
	defer s.forget(id)

	if err := u.file.Sync(); err != nil {
		s.discard(u)
		return nil, machine.Errorf(machine.KindInternal, "sync upload: %w", err)
	}
	if err := u.file.Close(); err != nil {
		s.discard(u)
		return nil, machine.Errorf(machine.KindInternal, "close upload: %w", err)
	}

	sum := hex.EncodeToString(u.hash.Sum(nil))
	blob := s.blobPath(sum)
	if err := os.Rename(u.path, blob); err != nil {
		s.discard(u)
		return nil, machine.Errorf(machine.KindInternal, "store image blob: %w", err)
	}

	img := &model.Image{
		ID:        model.NewID(),
		Name:      u.name,
		Tags:      u.tags,
		Digest:    "sha256:" + sum,
		SizeBytes: u.size,
		CreatedAt: time.Now().UTC(),
	}
	if prev, err := s.db.GetImage(ctx, u.name); err == nil {
		img.ID = prev.ID
	}
	if err := s.db.PutImage(ctx, img); err != nil {
		return nil, machine.Errorf(machine.KindInternal, "record image: %w", err)
	}

	s.logger.Info("image committed", "image", img.Name, "digest", img.Digest, "size", img.SizeBytes,
		"duration", time.Since(u.started))
	return img, nil
}

// Abort discards an unfinished upload.
func (s *Store) Abort(id string) error {
	u, err := s.get(id)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.done {
		u.done = true
		u.file.Close()
		s.discard(u)
	}
	s.forget(id)
	return nil
}

func (s *Store) discard(u *upload) {
	if err := os.Remove(u.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove upload file", "upload", u.id, "error", err)
	}
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.uploads, id)
	s.mu.Unlock()
}

func (s *Store) blobPath(sum string) string {
	return filepath.Join(s.dir, blobsDir, sum+blobExt)
}

// List returns every committed image.
func (s *Store) List(ctx context.Context) ([]*model.Image, error) {
	imgs, err := s.db.ListImages(ctx)
	if err != nil {
		return nil, machine.Errorf(machine.KindInternal, "list images: %w", err)
	}
	return imgs, nil
}

// Resolve returns the root filesystem path of image, written as "name" or
// "name:tag". Absolute paths are used as given.
func (s *Store) Resolve(ctx context.Context, image string) (string, error) {
	if filepath.IsAbs(image) {
		if _, err := os.Stat(image); err != nil {
			return "", fmt.Errorf("rootfs %s: %w", image, err)
		}
		return image, nil
	}

	name, tag, _ := strings.Cut(image, ":")
	img, err := s.db.GetImage(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("image %q not found", name)
	}
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", name, err)
	}
	if tag != "" && !slices.Contains(img.Tags, tag) {
		return "", fmt.Errorf("image %s has no tag %q", name, tag)
	}
	return s.blobPath(strings.TrimPrefix(img.Digest, "sha256:")), nil
}
