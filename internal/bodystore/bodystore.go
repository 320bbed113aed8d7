// Package bodystore persists raw wire message bodies. Records in the
// datastore carry only a location token; the body itself lives here.
package bodystore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
)

// Store saves and loads serialized message bodies by location token.
type Store interface {
	// SaveMessageStream drains the stream and returns the token under
	// which the body can be loaded later.
	SaveMessageStream(ctx context.Context, r io.Reader) (string, error)

	// LoadMessageBody returns the body saved under the token.
	LoadMessageBody(ctx context.Context, location string) ([]byte, error)

	// Delete removes the body; missing bodies are not an error.
	Delete(ctx context.Context, location string) error
}

const fileScheme = "file:///"

// FileStore keeps bodies as flat files in one directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating body store directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) SaveMessageStream(_ context.Context, r io.Reader) (string, error) {
	name := uuid.New().String() + ".as4"
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", faults.Transient("creating message body file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", faults.Transient("writing message body", err)
	}
	return fileScheme + name, nil
}

func (s *FileStore) LoadMessageBody(_ context.Context, location string) ([]byte, error) {
	name, err := s.fileName(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, faults.Transient("reading message body", err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, location string) error {
	name, err := s.fileName(location)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return faults.Transient("deleting message body", err)
	}
	return nil
}

// fileName validates the token and guards against path escapes.
func (s *FileStore) fileName(location string) (string, error) {
	if !strings.HasPrefix(location, fileScheme) {
		return "", errors.Errorf("not a file body location: %q", location)
	}
	name := strings.TrimPrefix(location, fileScheme)
	if name == "" || name != filepath.Base(name) {
		return "", errors.Errorf("invalid body location: %q", location)
	}
	return name, nil
}
