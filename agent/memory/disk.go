package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore is the durable tier: one self-describing JSON document per
// entity id, organized by kind. Writes go to a temp file first and are
// renamed into place so a crashed write never leaves a half-record behind.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("disk store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create disk store root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) path(kind Kind, id string) string {
	return filepath.Join(d.root, string(kind), sanitize(id)+".json")
}

// sanitize keeps record ids filesystem-safe without losing uniqueness for
// the id alphabets we produce (uuid-ish plus the "@" session separator).
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}

func (d *DiskStore) Write(kind Kind, id string, payload []byte) error {
	dir := filepath.Join(d.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk mkdir %s: %w", kind, err)
	}

	tmp, err := os.CreateTemp(dir, sanitize(id)+".*.tmp")
	if err != nil {
		return fmt.Errorf("disk temp %s/%s: %w", kind, id, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk write %s/%s: %w", kind, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk close %s/%s: %w", kind, id, err)
	}
	if err := os.Rename(tmpName, d.path(kind, id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk rename %s/%s: %w", kind, id, err)
	}
	return nil
}

func (d *DiskStore) Read(kind Kind, id string) ([]byte, error) {
	payload, err := os.ReadFile(d.path(kind, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("disk read %s/%s: %w", kind, id, err)
	}
	return payload, nil
}

func (d *DiskStore) Remove(kind Kind, id string) error {
	if err := os.Remove(d.path(kind, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk remove %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns the record ids persisted for one kind.
func (d *DiskStore) List(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, string(kind)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk list %s: %w", kind, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
