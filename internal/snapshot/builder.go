// Package snapshot builds and publishes the versioned order↔PDF mapping
// artifact consumed by remote print clients. A snapshot is immutable:
// readers always observe either the previous complete artifact or the
// new complete one, never a partial write.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labelflow/relabel/internal/store"
)

// ErrNoSnapshot is returned when no snapshot has ever been built, or a
// specific requested version does not exist on disk.
var ErrNoSnapshot = errors.New("snapshot not found")

// Source is the committed state the builder reads. It deliberately
// excludes temp uploads and in-flight jobs: snapshot freshness is
// decoupled from whatever the import pipeline is doing.
type Source interface {
	EnsureSchema(ctx context.Context) error
	AllOrders(ctx context.Context) ([]store.Order, error)
	AllLabelFiles(ctx context.Context) ([]store.LabelFile, error)
	CurrentSnapshotVersion(ctx context.Context) (int64, error)
	NextSnapshotVersion(ctx context.Context) (int64, error)
}

// Entry maps one tracking number to its order and label file.
type Entry struct {
	TrackingNo string `json:"tracking_no"`
	OrderID    string `json:"order_id"`
	PdfPath    string `json:"pdf_path"`
	PdfHash    string `json:"pdf_hash,omitempty"`
}

// Snapshot is one published version of the mapping.
type Snapshot struct {
	Version     int64     `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Builder rebuilds snapshots from committed state. A single mutex
// serializes the read-state/write-artifact/swap-pointer sequence, so at
// most one rebuild is in flight; callers blocked on the mutex simply run
// next, giving queued (not coalesced) semantics.
type Builder struct {
	src Source
	dir string

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// New creates a Builder writing artifacts under dir.
func New(src Source, dir string) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Builder{src: src, dir: dir}, nil
}

// Init loads the last published snapshot into memory on startup. A
// missing artifact is not an error; the first rebuild publishes one.
func (b *Builder) Init(ctx context.Context) error {
	if err := b.src.EnsureSchema(ctx); err != nil {
		return err
	}
	version, err := b.src.CurrentSnapshotVersion(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		return nil
	}
	snap, err := b.Load(version)
	if errors.Is(err, ErrNoSnapshot) {
		slog.Warn("snapshot artifact missing on startup, will rebuild", "version", version)
		return nil
	}
	if err != nil {
		return err
	}
	b.current.Store(snap)
	return nil
}

// Rebuild reads all committed order and label file rows, joins them on
// tracking number, drops entries whose PDF no longer exists on disk,
// assigns the next version and atomically publishes the artifact.
// Rebuilding with no underlying changes still increments the version:
// the number is a build counter, not a content hash.
func (b *Builder) Rebuild(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Deployment may invoke a rebuild before startup finished creating
	// tables; verify schema readiness here rather than assume it.
	if err := b.src.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	orders, err := b.src.AllOrders(ctx)
	if err != nil {
		return 0, err
	}
	files, err := b.src.AllLabelFiles(ctx)
	if err != nil {
		return 0, err
	}

	fileByTracking := make(map[string]store.LabelFile, len(files))
	for _, f := range files {
		fileByTracking[f.TrackingNo] = f
	}

	entries := make([]Entry, 0, len(orders))
	for _, o := range orders {
		f, ok := fileByTracking[o.TrackingNo]
		if !ok {
			continue
		}
		if _, err := os.Stat(f.Path); err != nil {
			// Inconsistent entry: mapped PDF is gone. Drop it from the
			// snapshot rather than fail the rebuild.
			slog.Warn("dropping snapshot entry, label file missing",
				"tracking_no", o.TrackingNo,
				"path", f.Path,
			)
			continue
		}
		entries = append(entries, Entry{
			TrackingNo: o.TrackingNo,
			OrderID:    o.OrderID,
			PdfPath:    f.Path,
			PdfHash:    f.ContentHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TrackingNo < entries[j].TrackingNo })

	version, err := b.src.NextSnapshotVersion(ctx)
	if err != nil {
		return 0, err
	}

	snap := &Snapshot{
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		Entries:     entries,
	}

	if err := b.publish(snap); err != nil {
		return 0, err
	}
	b.current.Store(snap)

	slog.Info("snapshot published", "version", version, "entries", len(entries))
	return version, nil
}

// Current returns the in-memory current snapshot, or nil before the
// first successful rebuild.
func (b *Builder) Current() *Snapshot {
	return b.current.Load()
}

// Load reads a specific retained version from disk.
func (b *Builder) Load(version int64) (*Snapshot, error) {
	data, err := os.ReadFile(b.versionPath(version))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot v%d: %w", version, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot v%d: %w", version, err)
	}
	return &snap, nil
}

// publish writes the versioned artifact and the "current" alias, each
// via write-then-rename so readers never see a partial file.
func (b *Builder) publish(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := writeAtomic(b.versionPath(snap.Version), data); err != nil {
		return fmt.Errorf("write snapshot v%d: %w", snap.Version, err)
	}
	if err := writeAtomic(filepath.Join(b.dir, "current.json"), data); err != nil {
		return fmt.Errorf("publish current snapshot: %w", err)
	}
	return nil
}

func (b *Builder) versionPath(version int64) string {
	return filepath.Join(b.dir, fmt.Sprintf("snapshot-v%d.json", version))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
