package project

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileBackend rewrites the whole snapshot file on every transaction.
type JSONFileBackend struct {
	Path string
	mu   sync.Mutex
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Init(ctx context.Context, src SnapshotSource) error {
	return b.save(ctx, src)
}

func (b *JSONFileBackend) Transaction(ctx context.Context, txn Transaction) error {
	return b.save(ctx, txn.Source)
}

func (b *JSONFileBackend) save(ctx context.Context, src SnapshotSource) error {
	if b == nil || b.Path == "" || src == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Exported under the lock: files land in export order.
	data, err := json.Marshal(src.ExportSnapshot())
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data)
}

// Load reads the last written snapshot; a missing file yields nil.
func (b *JSONFileBackend) Load() (*Snapshot, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

// writeFileAtomic writes data to a unique temp file beside path and renames
// it into place, so concurrent writers never share a temp file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
