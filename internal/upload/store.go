// Package upload implements the token-keyed temp upload store and the
// spreadsheet schema detector. Uploaded files are staged in a private
// directory and referenced by an opaque token until a later apply call
// consumes them or their TTL expires.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to HTTP handlers.
var (
	// ErrNotFound is returned for unknown or expired tokens.
	ErrNotFound = errors.New("upload token not found or expired")

	// ErrUnsupportedFormat is returned when a file cannot be parsed as
	// tabular data (.csv, .xls, .xlsx).
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyFile is returned when a spreadsheet has no rows at all.
	ErrEmptyFile = errors.New("file contains no rows")

	// ErrHeaderAmbiguous is returned when the header row cannot be
	// determined, e.g. every header cell is blank.
	ErrHeaderAmbiguous = errors.New("header row could not be determined")
)

// Kind describes what an uploaded file is expected to contain.
type Kind string

const (
	KindSpreadsheet Kind = "spreadsheet"
	KindPDFArchive  Kind = "pdf-archive"
)

// Upload is a staged file awaiting apply.
type Upload struct {
	Token        string
	Path         string
	Kind         Kind
	OriginalName string
	CreatedAt    time.Time
	ExpiresAt    time.Time

	// Columns holds the detected header for spreadsheet uploads,
	// populated after detection so the apply step can resolve column
	// selections without re-reading the header.
	Columns []string
}

// Store stages uploaded files on disk, keyed by unguessable tokens with a
// bounded lifetime. Expiry is enforced both lazily on Get and by a
// background sweep.
type Store struct {
	dir string
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*Upload
}

// NewStore creates a Store writing staged files under dir.
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{
		dir:     dir,
		ttl:     ttl,
		entries: make(map[string]*Upload),
	}, nil
}

// Put stages the file bytes from r and returns the new upload.
// The file is written to a private path derived from the token; callers
// never learn the path through the HTTP surface.
func (s *Store) Put(r io.Reader, originalName string, kind Kind) (*Upload, error) {
	token := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(s.dir, "upload-"+token+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close staged file: %w", err)
	}

	now := time.Now()
	u := &Upload{
		Token:        token,
		Path:         path,
		Kind:         kind,
		OriginalName: filepath.Base(originalName),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	s.mu.Lock()
	s.entries[token] = u
	s.mu.Unlock()

	return u, nil
}

// Get returns the staged upload for token. Expired tokens fail with
// ErrNotFound even if the underlying file still exists on disk.
func (s *Store) Get(token string) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(u.ExpiresAt) {
		delete(s.entries, token)
		removeQuiet(u.Path)
		return nil, ErrNotFound
	}
	return u, nil
}

// SetColumns records the detected header for a spreadsheet upload.
func (s *Store) SetColumns(token string, columns []string) error {
	u, err := s.Get(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	u.Columns = columns
	s.mu.Unlock()
	return nil
}

// Remove deletes the staged entry and its file. Removing an unknown
// token is a no-op so apply paths can call it unconditionally.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	u, ok := s.entries[token]
	delete(s.entries, token)
	s.mu.Unlock()

	if ok {
		removeQuiet(u.Path)
	}
}

// Len returns the number of staged uploads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes all expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	var expired []*Upload
	for token, u := range s.entries {
		if now.After(u.ExpiresAt) {
			expired = append(expired, u)
			delete(s.entries, token)
		}
	}
	s.mu.Unlock()

	for _, u := range expired {
		removeQuiet(u.Path)
	}
	return len(expired)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
// Run it in its own goroutine from main.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("swept expired uploads", "count", n)
			}
		}
	}
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove staged file", "path", path, "error", err)
	}
}
