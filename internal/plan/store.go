// Package plan reads and writes the plan document.
package plan

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"calplan/internal/apperr"
	"calplan/internal/models"
	"calplan/internal/normalize"
)

const emptyPlanHint = "Add events under the 'events' key. Use subject, repeat/byday or start/end."

// Store loads and saves plan documents on a filesystem.
type Store struct {
	fs afero.Fs
}

// NewStore creates a Store. A nil fs means the OS filesystem.
func NewStore(fsys afero.Fs) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys}
}

// Load reads the plan at path and normalises every entry. A missing file, a
// document that is not a mapping, or a missing or malformed "events" list are
// reported as *apperr.ConfigError.
func (s *Store) Load(path string) (*models.Plan, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, &apperr.ConfigError{Msg: "failed to read plan " + path, Err: err}
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &apperr.ConfigError{Msg: "failed to parse plan " + path, Err: err}
	}
	if doc == nil {
		return nil, apperr.Configf("invalid plan %s: top-level document must be a mapping", path)
	}

	rawEvents, ok := doc["events"]
	if !ok {
		return nil, apperr.Configf("invalid plan %s: missing 'events' list", path)
	}
	var items []any
	switch v := rawEvents.(type) {
	case nil:
	case []any:
		items = v
	default:
		return nil, apperr.Configf("invalid plan %s: 'events' must be a list", path)
	}

	p := &models.Plan{Events: make([]models.Event, 0, len(items))}
	for i, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			return nil, apperr.Configf("invalid plan %s: event %d is not a mapping", path, i+1)
		}
		p.Events = append(p.Events, normalize.Normalize(raw))
	}
	return p, nil
}

// Save writes the plan atomically: the document goes to a temp file in the same
// directory which is then renamed over path.
func (s *Store) Save(path string, p *models.Plan) error {
	if path == "" {
		return errors.New("plan path is empty")
	}
	if p == nil {
		return errors.New("plan is nil")
	}

	doc := models.Plan{Events: p.Events}
	if doc.Events == nil {
		doc.Events = []models.Event{}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if len(doc.Events) == 0 {
		data = append([]byte("# "+emptyPlanHint+"\n"), data...)
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".plan-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer s.fs.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set plan permissions: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
