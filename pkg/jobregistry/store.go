package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("job record not found")

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<id>/job.json
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) JobPath(id string) string {
	return filepath.Join(s.JobDir(id), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write stores record, replacing any previous version atomically.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(id)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(id)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads the record with the given id.
func (s *Store) Get(id string) (*JobRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	b, err := os.ReadFile(s.JobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// Resolve finds a record by local id, unique local id prefix, job URL or
// remote job id.
func (s *Store) Resolve(ref string) (*JobRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("job reference is required")
	}
	if r, err := s.Get(ref); err == nil {
		return r, nil
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var prefixed []JobRecord
	for _, r := range records {
		if r.JobURL == ref || r.RemoteID == ref {
			return &r, nil
		}
		if strings.HasPrefix(r.ID, ref) {
			prefixed = append(prefixed, r)
		}
	}
	switch len(prefixed) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return &prefixed[0], nil
	default:
		return nil, fmt.Errorf("job reference %q is ambiguous (%d matches)", ref, len(prefixed))
	}
}

// List returns all readable records, newest first. Unreadable records are
// skipped.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.UTC().After(out[j].CreatedAt.UTC())
	})
	return out, nil
}

// Remove deletes the record directory for id.
func (s *Store) Remove(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := os.Stat(s.JobPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return os.RemoveAll(s.JobDir(id))
}

// Prune removes records of deleted or finished jobs that ended before
// cutoff. It returns the number of records removed.
func (s *Store) Prune(cutoff time.Time, dryRun bool) (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		ended := r.DeletedAt
		if ended == nil {
			ended = r.EndedAt
		}
		if ended == nil || !ended.Before(cutoff) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := os.RemoveAll(s.JobDir(r.ID)); err != nil {
			return n - 1, fmt.Errorf("remove %s: %w", r.ID, err)
		}
	}
	return n, nil
}

// ExportYAML writes records as a YAML sequence.
func ExportYAML(w io.Writer, records []JobRecord) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode job records: %w", err)
	}
	return enc.Close()
}
