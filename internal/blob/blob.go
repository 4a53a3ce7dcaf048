// Package blob lays PoC bytes and captured run output out on disk. Each
// record gets its own directory keyed by poc id, so concurrent writers for
// different records never collide.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/oriys/cybergym/internal/domain"
)

const pocFileName = "poc.bin"

// Store is a content-addressed file layout rooted at the configured log
// directory: <root>/<id[0:2]>/<id[2:4]>/<id>/.
type Store struct {
	root string
}

// NewStore creates the root directory if absent and returns the store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory that holds every file for a poc id.
func (s *Store) Dir(pocID string) string {
	return filepath.Join(s.root, pocID[0:2], pocID[2:4], pocID)
}

// PoCPath returns the path of the raw PoC bytes for a record.
func (s *Store) PoCPath(pocID string) string {
	return filepath.Join(s.Dir(pocID), pocFileName)
}

// OutputPath returns the path of the captured output for one mode.
func (s *Store) OutputPath(pocID string, mode domain.Mode) string {
	return filepath.Join(s.Dir(pocID), "output."+string(mode))
}

// WritePoC persists the raw PoC bytes, creating the record directory as
// needed. Whole-file writes only; rewriting identical content is a no-op
// in effect.
func (s *Store) WritePoC(pocID string, data []byte) error {
	dir := s.Dir(pocID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create poc dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pocFileName), data, 0644); err != nil {
		return fmt.Errorf("write poc: %w", err)
	}
	return nil
}

// HasPoC reports whether the raw PoC bytes exist for a record.
func (s *Store) HasPoC(pocID string) bool {
	_, err := os.Stat(s.PoCPath(pocID))
	return err == nil
}

// WriteOutput persists the captured container output for one mode.
func (s *Store) WriteOutput(pocID string, mode domain.Mode, data []byte) error {
	dir := s.Dir(pocID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create poc dir: %w", err)
	}
	if err := os.WriteFile(s.OutputPath(pocID, mode), data, 0644); err != nil {
		return fmt.Errorf("write output.%s: %w", mode, err)
	}
	return nil
}

// ReadOutput returns the captured output for mode as UTF-8 text. Exit
// codes gate reads, so a missing or undecodable file reads as empty
// rather than an error.
func (s *Store) ReadOutput(pocID string, mode domain.Mode) string {
	data, err := os.ReadFile(s.OutputPath(pocID, mode))
	if err != nil {
		return ""
	}
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

// ReadPoC returns the raw PoC bytes for a record.
func (s *Store) ReadPoC(pocID string) ([]byte, error) {
	data, err := os.ReadFile(s.PoCPath(pocID))
	if err != nil {
		return nil, fmt.Errorf("read poc: %w", err)
	}
	return data, nil
}
