// -----------------------------------------------------------------------
// Store - local artifact files with short unique names
// -----------------------------------------------------------------------

package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// Store owns the artifact directory. Files are named with 8 hex characters
// from a fresh uuid plus the original extension; Save re-rolls the name if
// it is already taken, so an unlucky draw cannot overwrite another artifact.
type Store struct {
	dir     string
	logger  arbor.ILogger
	newName func() string
}

func randomName() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// NewStore creates the artifact directory if needed
func NewStore(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{dir: dir, logger: logger, newName: randomName}, nil
}

// Dir returns the store's root directory
func (s *Store) Dir() string {
	return s.dir
}

// Save writes bytes atomically (temp file then rename) and returns the local
// filename and full path.
func (s *Store) Save(data []byte, originalFilename string) (localFilename, localPath string, err error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	for attempt := 0; ; attempt++ {
		localFilename = s.newName() + ext
		localPath = filepath.Join(s.dir, localFilename)
		if _, err := os.Lstat(localPath); os.IsNotExist(err) {
			break
		}
		if attempt >= 16 {
			return "", "", fmt.Errorf("could not find a free artifact filename for %s", originalFilename)
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return "", "", fmt.Errorf("failed to finalize artifact file: %w", err)
	}

	s.logger.Debug().
		Str("local_filename", localFilename).
		Int("size", len(data)).
		Msg("Artifact file saved")
	return localFilename, localPath, nil
}

// Serve returns the bytes of a stored file
func (s *Store) Serve(localFilename string) ([]byte, error) {
	path, err := s.resolve(localFilename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact file not found: %s", localFilename)
		}
		return nil, fmt.Errorf("failed to read artifact file: %w", err)
	}
	return data, nil
}

// Path returns the full path of a stored file without reading it
func (s *Store) Path(localFilename string) (string, error) {
	path, err := s.resolve(localFilename)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact file not found: %s", localFilename)
	}
	return path, nil
}

// Delete removes a stored file; returns false if it did not exist
func (s *Store) Delete(localFilename string) (bool, error) {
	path, err := s.resolve(localFilename)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete artifact file: %w", err)
	}
	return true, nil
}

// Sweep removes files whose mtime is older than the cutoff, skipping any
// filename the caller still references. Returns the number removed.
func (s *Store) Sweep(olderThan time.Duration, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		if keep[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Sweep failed to remove file")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Artifact sweep completed")
	}
	return removed, nil
}

// resolve rejects names that would escape the store directory
func (s *Store) resolve(localFilename string) (string, error) {
	if localFilename == "" || localFilename != filepath.Base(localFilename) {
		return "", fmt.Errorf("invalid artifact filename: %s", localFilename)
	}
	return filepath.Join(s.dir, localFilename), nil
}
