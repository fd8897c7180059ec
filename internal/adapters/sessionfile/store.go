// Package sessionfile persists the session credential as a JSON file.
package sessionfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
	"go.trai.ch/zerr"
)

// FileName is the default session file name.
const FileName = "session.json"

// Store implements ports.SessionStore on a single file.
type Store struct {
	path string
}

var _ ports.SessionStore = (*Store)(nil)

// New creates a Store at path. A leading ~ expands to the home directory and an
// empty path selects the user cache directory.
func New(path string) (*Store, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: resolved}, nil
}

// DefaultPath returns the session file location used when none is configured.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", zerr.Wrap(err, "resolve user cache directory")
	}
	return filepath.Join(dir, "tally", FileName), nil
}

func resolvePath(path string) (string, error) {
	switch {
	case path == "":
		return DefaultPath()
	case path == "~" || strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", zerr.Wrap(err, "resolve home directory")
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	default:
		return filepath.Clean(path), nil
	}
}

// Path returns the resolved file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential. A missing file reports ok=false.
func (s *Store) Load() (domain.Credential, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Credential{}, false, nil
	}
	if err != nil {
		return domain.Credential{}, false, zerr.With(domain.Fail(domain.ErrSessionReadFailed, err), "path", s.path)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, false, zerr.With(domain.Fail(domain.ErrSessionUnmarshalFailed, err), "path", s.path)
	}
	return cred, cred.AccessToken != "", nil
}

// Save writes cred atomically with owner-only permissions.
func (s *Store) Save(cred domain.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return domain.Fail(domain.ErrSessionWriteFailed, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", dir)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", tmpName)
	}
	if err := tmp.Chmod(domain.FilePerm); err != nil {
		_ = tmp.Close()
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", tmpName)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", s.path)
	}
	return nil
}

// Clear removes the file. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return zerr.With(domain.Fail(domain.ErrSessionWriteFailed, err), "path", s.path)
	}
	return nil
}
