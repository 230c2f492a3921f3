// Package file provides file-based persistence for the execution state
// store. Every write lands durably on disk (write to a temp file, fsync,
// rename) before it is acknowledged, so a crash between decide and persist
// never loses an acknowledged transition.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gateflow/gateflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system. A single mutex serializes read-modify-write cycles so the
// optimistic-concurrency checks are atomic within one process.
type Persistence struct {
	root string
	mu   sync.Mutex

	definitionRepo *DefinitionRepository
	runRepo        *RunRepository
	approvalRepo   *ApprovalRepository
	namespaceRepo  *NamespaceRepository
}

// NewPersistence creates a new instance of Persistence rooted at the given
// directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.definitionRepo = &DefinitionRepository{store: p}
	p.runRepo = &RunRepository{store: p}
	p.approvalRepo = &ApprovalRepository{store: p}
	p.namespaceRepo = &NamespaceRepository{store: p}

	return p
}

// Definitions returns the definition repository.
func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

// Runs returns the run repository.
func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

// Approvals returns the approval repository.
func (p *Persistence) Approvals() persistence.ApprovalRepository {
	return p.approvalRepo
}

// Namespaces returns the namespace repository.
func (p *Persistence) Namespaces() persistence.NamespaceRepository {
	return p.namespaceRepo
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// writeJSON durably persists v at dir/name.json via temp file, fsync and
// atomic rename.
func (p *Persistence) writeJSON(dir, name string, v any) error {
	fullDir := filepath.Join(p.root, dir)

	err := os.MkdirAll(fullDir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", fullDir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(fullDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	err = os.Rename(tmpPath, filepath.Join(fullDir, name+".json"))
	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to persist %s: %w", name, err)
	}

	return nil
}

// readJSON loads dir/name.json into v, reporting os.ErrNotExist when absent.
func (p *Persistence) readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(p.root, dir, name+".json"))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// listJSON decodes every .json record under dir via decode. A directory that
// does not exist yet simply holds no records.
func listJSON(p *Persistence, dir string, decode func(data []byte) error) error {
	fullDir := filepath.Join(p.root, dir)
	if _, err := os.Stat(fullDir); os.IsNotExist(err) {
		return nil
	}

	root := os.DirFS(fullDir)

	names, err := fs.Glob(root, "*.json")
	if err != nil {
		return fmt.Errorf("failed to list %s records: %w", dir, err)
	}

	for _, name := range names {
		data, err := fs.ReadFile(root, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}

		err = decode(data)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", name, err)
		}
	}

	return nil
}

func (p *Persistence) remove(dir, name string) error {
	return os.Remove(filepath.Join(p.root, dir, name+".json"))
}
