// Package store persists blueprints as one YAML document each under the data
// directory. Keeping a blueprint, its nodes, artifacts, and executions in a
// single document makes every state transition a single atomic write.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/rfujimoto/macroplan/internal/lock"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/yamlutil"
)

// ErrNotFound is returned when a blueprint file does not exist.
var ErrNotFound = errors.New("blueprint not found")

// Store reads and writes blueprint files under <dataDir>/blueprints/.
// All writes go through a per-blueprint mutex so concurrent mutations of the
// same document serialize; different blueprints do not contend.
type Store struct {
	dataDir string
	locks   *lock.MutexMap
}

func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		locks:   lock.NewMutexMap(),
	}
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) blueprintsDir() string {
	return filepath.Join(s.dataDir, "blueprints")
}

func (s *Store) path(blueprintID string) string {
	return filepath.Join(s.blueprintsDir(), blueprintID+".yaml")
}

// Create writes a new blueprint file. It fails if the blueprint already
// exists.
func (s *Store) Create(bf *model.BlueprintFile) error {
	if bf.Blueprint.ID == "" {
		return fmt.Errorf("blueprint id is empty")
	}
	if err := os.MkdirAll(s.blueprintsDir(), 0755); err != nil {
		return fmt.Errorf("create blueprints dir: %w", err)
	}

	path := s.path(bf.Blueprint.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("blueprint %s already exists", bf.Blueprint.ID)
	}

	bf.SchemaVersion = model.CurrentSchemaVersion
	bf.FileType = model.FileTypeBlueprint

	s.locks.Lock(bf.Blueprint.ID)
	defer s.locks.Unlock(bf.Blueprint.ID)
	return yamlutil.AtomicWrite(path, bf)
}

// Load reads one blueprint file. A corrupted file is quarantined and
// recovered from its .bak (or a skeleton) before a second parse attempt.
func (s *Store) Load(blueprintID string) (*model.BlueprintFile, error) {
	path := s.path(blueprintID)

	bf, err := s.read(path)
	if err == nil {
		return bf, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Corrupted on disk: quarantine, restore from backup or skeleton, retry.
	if rerr := yamlutil.RecoverCorruptedFile(s.dataDir, path, model.FileTypeBlueprint); rerr != nil {
		return nil, fmt.Errorf("recover %s: %w (original error: %v)", blueprintID, rerr, err)
	}
	return s.read(path)
}

func (s *Store) read(path string) (*model.BlueprintFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blueprint file: %w", err)
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, model.FileTypeBlueprint); err != nil {
		return nil, fmt.Errorf("schema header: %w", err)
	}

	var bf model.BlueprintFile
	if err := yamlv3.Unmarshal(content, &bf); err != nil {
		return nil, fmt.Errorf("parse blueprint file: %w", err)
	}
	return &bf, nil
}

// Save atomically rewrites the blueprint file. Callers that read-modify-write
// should prefer Mutate, which holds the per-blueprint lock across the whole
// cycle.
func (s *Store) Save(bf *model.BlueprintFile) error {
	s.locks.Lock(bf.Blueprint.ID)
	defer s.locks.Unlock(bf.Blueprint.ID)
	return s.save(bf)
}

func (s *Store) save(bf *model.BlueprintFile) error {
	bf.SchemaVersion = model.CurrentSchemaVersion
	bf.FileType = model.FileTypeBlueprint
	bf.Blueprint.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return yamlutil.AtomicWrite(s.path(bf.Blueprint.ID), bf)
}

// Mutate loads the blueprint, applies fn, and saves the result, all under the
// per-blueprint lock. If fn returns an error nothing is written. The saved
// document is returned so callers can inspect the post-mutation state.
func (s *Store) Mutate(blueprintID string, fn func(*model.BlueprintFile) error) (*model.BlueprintFile, error) {
	s.locks.Lock(blueprintID)
	defer s.locks.Unlock(blueprintID)

	bf, err := s.Load(blueprintID)
	if err != nil {
		return nil, err
	}
	if err := fn(bf); err != nil {
		return nil, err
	}
	if err := s.save(bf); err != nil {
		return nil, fmt.Errorf("save blueprint %s: %w", blueprintID, err)
	}
	return bf, nil
}

// ListIDs returns the blueprint ids present on disk, sorted.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.blueprintsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read blueprints dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue // temp files from in-flight atomic writes
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// List loads every blueprint file. Files that fail even after recovery are
// skipped, not fatal, so one bad document cannot hide the rest.
func (s *Store) List() ([]*model.BlueprintFile, []error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, []error{err}
	}

	var files []*model.BlueprintFile
	var errs []error
	for _, id := range ids {
		bf, err := s.Load(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		files = append(files, bf)
	}
	return files, errs
}
