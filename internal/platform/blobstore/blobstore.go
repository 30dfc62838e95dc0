// Package blobstore stores registration documents (ID cards, selfies,
// vehicle photos) and returns a public URL for each upload.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidFolder      = errors.New("folder is invalid")
)

// DefaultMaxFileSize applies when a store is built with a zero limit.
const DefaultMaxFileSize = 10 << 20

// AllowedContentTypes maps accepted MIME types to the file extension used
// for stored objects.
var AllowedContentTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"application/pdf": ".pdf",
}

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store accepts a file plus a folder path and returns where it can be read.
type Store interface {
	Upload(ctx context.Context, folder, fileName, contentType string, content io.Reader) (*Object, error)
}

// prepare validates an upload, reads it fully and names it.
func prepare(folder, fileName, contentType string, content io.Reader, max int64) (*Object, []byte, error) {
	if fileName == "" {
		return nil, nil, ErrMissingFileName
	}
	ext, ok := AllowedContentTypes[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidContentType, contentType)
	}
	clean := path.Clean("/" + folder)
	if clean == "/" || strings.Contains(folder, "..") {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidFolder, folder)
	}

	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	obj := &Object{
		Key:         strings.TrimPrefix(clean, "/") + "/" + uuid.NewString() + ext,
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sum),
		CreatedAt:   time.Now().UTC(),
	}
	return obj, data, nil
}

// ---------------------------------------------------------------------------
// Local filesystem
// ---------------------------------------------------------------------------

// LocalStore writes objects under dir and serves them at baseURL/<key>.
type LocalStore struct {
	dir     string
	baseURL string
	maxSize int64
}

func NewLocalStore(dir, baseURL string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}, nil
}

// Dir is the root directory, used to mount the static file route.
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) Upload(ctx context.Context, folder, fileName, contentType string, content io.Reader) (*Object, error) {
	obj, data, err := prepare(folder, fileName, contentType, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := filepath.Join(s.dir, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("commit blob: %w", err)
	}

	obj.URL = s.baseURL + "/" + obj.Key
	return obj, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	maxSize int64
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: DefaultMaxFileSize,
	}
}

func (s *MemoryStore) Upload(_ context.Context, folder, fileName, contentType string, content io.Reader) (*Object, error) {
	obj, data, err := prepare(folder, fileName, contentType, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	obj.URL = s.baseURL + "/" + obj.Key

	s.mu.Lock()
	s.blobs[obj.Key] = &storedBlob{object: *obj, content: data}
	s.mu.Unlock()

	out := *obj
	return &out, nil
}

// Open returns the content stored under key.
func (s *MemoryStore) Open(key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return io.NopCloser(bytes.NewReader(blob.content)), &obj, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
