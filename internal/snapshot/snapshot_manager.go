package snapshot

// ============================================================================
// Registry snapshot manager
// 1. Serializes the coordinator's worker registry to a JSON file
// 2. Writes atomically (temp file + rename) so a crash never leaves a
//    half-written snapshot behind
// 3. Checks the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/spf13/afero"
)

// SchemaVersion is the version written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewManager manages the snapshot at path on the OS filesystem.
func NewManager(path string) *Manager {
	return NewManagerFs(afero.NewOsFs(), path)
}

// NewManagerFs manages the snapshot at path on fs.
func NewManagerFs(fs afero.Fs, path string) *Manager {
	return &Manager{fs: fs, path: path}
}

// Path returns the snapshot file location.
func (m *Manager) Path() string {
	return m.path
}

// Write replaces the snapshot with data. SchemaVer and TakenAt are set
// here.
func (m *Manager) Write(data types.RegistrySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	data.TakenAt = time.Now().UnixMilli()
	if data.Workers == nil {
		data.Workers = []types.WorkerRecord{}
	}

	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmpPath, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.path); err != nil {
		_ = m.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (m *Manager) Load() (types.RegistrySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.RegistrySnapshot
	buf, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.RegistrySnapshot{SchemaVer: SchemaVersion, Workers: []types.WorkerRecord{}}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(buf, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Workers == nil {
		data.Workers = []types.WorkerRecord{}
	}
	return data, nil
}

// Exists reports whether a snapshot has been written.
func (m *Manager) Exists() bool {
	ok, err := afero.Exists(m.fs, m.path)
	return err == nil && ok
}

// Remove deletes the snapshot; a missing file is not an error.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fs.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
