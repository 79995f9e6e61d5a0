package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Storage is the durable home of the rule snapshot.
type Storage interface {
	// Load reads the persisted snapshot, creating an empty default one when
	// nothing has been persisted yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, s *Snapshot) error

	// Marker returns a token that changes whenever the persisted snapshot
	// changes, including out-of-band edits.
	Marker(ctx context.Context) (string, error)

	Close() error
}

// Watchable is implemented by storages backed by a local file that can be
// observed for changes.
type Watchable interface {
	WatchPath() string
}

// FileStorage keeps the snapshot as an indented JSON document on disk.
type FileStorage struct {
	path string
	now  func() time.Time
}

// NewFileStorage creates a file storage rooted at path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path, now: time.Now}
}

func (f *FileStorage) WatchPath() string {
	return f.path
}

func (f *FileStorage) Load(ctx context.Context) (*Snapshot, error) {
	if err := f.ensure(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return decodeSnapshot(data)
}

// Save writes to a temporary file in the same directory and renames it over
// the target so a concurrent reader never sees a half-written document.
func (f *FileStorage) Save(_ context.Context, s *Snapshot) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".routes-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

// Marker combines modification time and size of the file.
func (f *FileStorage) Marker(_ context.Context) (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}

func (f *FileStorage) Close() error {
	return nil
}

func (f *FileStorage) ensure(ctx context.Context) error {
	_, err := os.Stat(f.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	empty := &Snapshot{Version: stamp(f.now()), Routes: []Rule{}}
	return f.Save(ctx, empty)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Routes == nil {
		s.Routes = []Rule{}
	}
	return &s, nil
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	out := s
	if s.Routes == nil {
		out = &Snapshot{Version: s.Version, Routes: []Rule{}}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// stamp formats t as the ISO-8601 timestamp used for versions and rule times.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
