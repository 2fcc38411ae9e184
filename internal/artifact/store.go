// Package artifact maps transfer ids to files in a local store directory.
package artifact

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

// ErrInvalidName is returned when no usable file name can be derived from an id.
var ErrInvalidName = errors.New("cannot derive a file name from id")

// Kind describes a family of assets and where they are kept.
type Kind struct {
	Name string
	// Subdir is relative to the store root. Empty keeps files at the root.
	Subdir string
	// Extension is appended to names that do not already carry it.
	Extension string
}

var (
	Audio    = Kind{Name: "audio"}
	Document = Kind{Name: "document", Subdir: "documents", Extension: ".pdf"}
)

// KindByName returns the built-in kind called name.
func KindByName(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case Audio.Name, "":
		return Audio, nil
	case Document.Name:
		return Document, nil
	default:
		return Kind{}, fmt.Errorf("unknown artifact kind %q", name)
	}
}

// Store places completed downloads under a root directory. Every lookup hits
// the filesystem.
type Store struct {
	root string
	kind Kind
}

// NewStore returns a Store rooted at root for assets of the given kind.
func NewStore(root string, kind Kind) *Store {
	return &Store{root: root, kind: kind}
}

// Kind returns the kind of assets the store holds.
func (s *Store) Kind() Kind {
	return s.kind
}

// Path returns the permanent location for id: the store directory plus the
// last path segment of the id's URI.
func (s *Store) Path(id string) (string, error) {
	name, err := fileName(id)
	if err != nil {
		return "", err
	}

	if s.kind.Extension != "" && !strings.EqualFold(filepath.Ext(name), s.kind.Extension) {
		name += s.kind.Extension
	}

	return filepath.Join(s.root, s.kind.Subdir, name), nil
}

// Exists reports whether a local copy of id is present.
func (s *Store) Exists(id string) bool {
	p, err := s.Path(id)
	if err != nil {
		return false
	}

	info, err := os.Stat(p)

	return err == nil && info.Mode().IsRegular()
}

// Place moves tempPath to the permanent location of id, replacing any file
// already there. When a rename is not possible, for instance across devices,
// the data is copied next to the destination first and renamed into place.
func (s *Store) Place(tempPath, id string) error {
	dest, err := s.Path(id)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing artifact: %w", err)
	}

	if err := os.Rename(tempPath, dest); err == nil {
		return nil
	}

	partial := dest + ".partial"
	if err := copy.Copy(tempPath, partial); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("failed to copy %s into store: %w", tempPath, err)
	}

	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifact placed but temp file remains: %w", err)
	}

	return nil
}

func fileName(id string) (string, error) {
	p := id
	if u, err := url.Parse(id); err == nil && u.Path != "" {
		p = u.Path
	}

	name := path.Base(strings.TrimRight(p, "/"))

	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, id)
	}

	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, id)
	}

	return name, nil
}
