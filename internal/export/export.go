// Package export writes snapshots to files and streams.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// File keeps the latest snapshot at Path. Each write goes to a temporary
// file in the same directory that is then renamed over Path, so readers
// never see a partial document.
type File struct {
	Path   string
	Indent bool
}

func NewFile(path string) *File { return &File{Path: path, Indent: true} }

func (f *File) Publish(_ context.Context, snap *model.Snapshot) error {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(snap, "", "  ")
	} else {
		data, err = json.Marshal(snap)
	}
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return WriteAtomic(f.Path, append(data, '\n'))
}

// WriteAtomic replaces path with data via a temp file and rename.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// Stream writes one JSON document per line.
type Stream struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStream(w io.Writer) *Stream {
	return &Stream{enc: json.NewEncoder(w)}
}

func (s *Stream) Publish(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
