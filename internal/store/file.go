package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/flags"
)

// FileStore keeps every flag in one YAML document:
//
//	flags:
//	  - name: checkout
//	    status: percentage
//	    rollout_percentage: 10
//	    ...
//
// Field names follow the JSON shape of flags.Config. Every save rewrites the
// file through a temporary file and a rename.
type FileStore struct {
	path string

	mu    sync.Mutex
	flags map[string]flags.Config
}

// NewFileStore returns a store backed by path. The file is read by LoadFlags.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, flags: make(map[string]flags.Config)}
}

// LoadFlags reads the document. A missing file is an empty document; a
// malformed document or flag fails the whole load.
func (s *FileStore) LoadFlags(_ context.Context) ([]flags.Config, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flags file: %w", err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("flags file %s: %w", s.path, err)
	}

	loaded := make(map[string]flags.Config, len(doc.Flags))
	for i, cfg := range doc.Flags {
		if _, err := flags.FromConfig(cfg); err != nil {
			return nil, fmt.Errorf("flags file %s: entry %d: %w", s.path, i, err)
		}
		if _, dup := loaded[cfg.Name]; dup {
			return nil, fmt.Errorf("flags file %s: flag %q appears twice", s.path, cfg.Name)
		}
		loaded[cfg.Name] = cfg
	}

	s.mu.Lock()
	s.flags = loaded
	s.mu.Unlock()

	return doc.Flags, nil
}

func (s *FileStore) SaveFlag(_ context.Context, cfg flags.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.flags[cfg.Name]; ok && cur.Version > cfg.Version {
		return nil
	}
	s.flags[cfg.Name] = cfg
	return s.flush()
}

func (s *FileStore) DeleteFlag(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[name]; !ok {
		return nil
	}
	delete(s.flags, name)
	return s.flush()
}

// flush writes the document sorted by name. Callers hold mu.
func (s *FileStore) flush() error {
	doc := flags.Document{Flags: make([]flags.Config, 0, len(s.flags))}
	for _, cfg := range s.flags {
		doc.Flags = append(doc.Flags, cfg)
	}
	slices.SortFunc(doc.Flags, func(a, b flags.Config) int { return strings.Compare(a.Name, b.Name) })

	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".flags-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp flags file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write flags file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write flags file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace flags file: %w", err)
	}
	return nil
}

// The document goes through JSON on both sides so condition values keep
// their raw JSON form.

func encodeDocument(doc flags.Document) ([]byte, error) {
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flags: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode flags: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flags as yaml: %w", err)
	}
	return out, nil
}

func decodeDocument(raw []byte) (flags.Document, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return flags.Document{}, fmt.Errorf("invalid yaml: %w", err)
	}
	if generic == nil {
		return flags.Document{}, nil
	}
	if _, ok := generic["flags"]; !ok {
		return flags.Document{}, fmt.Errorf("missing top-level flags sequence")
	}

	asJSON, err := json.Marshal(generic)
	if err != nil {
		return flags.Document{}, fmt.Errorf("unsupported yaml content: %w", err)
	}
	var doc flags.Document
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return flags.Document{}, fmt.Errorf("invalid flags document: %w", err)
	}
	return doc, nil
}
