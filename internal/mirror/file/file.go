// Package file keeps the mirror as JSON files in one directory. Every write
// goes to a temp file first and is renamed into place.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/comandos-hq/fieldlink/internal/mirror"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

const (
	operationFile = "operation.json"
	rankingFile   = "ranking.json"
	deviceFile    = "device_id"
)

// Mirror stores state under Dir.
type Mirror struct {
	dir string
	mu  sync.Mutex
}

var _ mirror.Mirror = (*Mirror)(nil)

// New creates dir if needed.
func New(dir string) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

func (m *Mirror) Load() (mirror.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st mirror.State
	var op core.Operation
	okOp, err := m.readJSON(operationFile, &op)
	if err != nil {
		return st, false, err
	}
	var ranking []core.Operator
	okRank, err := m.readJSON(rankingFile, &ranking)
	if err != nil {
		return st, false, err
	}
	if !okOp && !okRank {
		return st, false, nil
	}
	st.Operation = op
	st.Ranking = ranking
	return st, true, nil
}

func (m *Mirror) Save(st mirror.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeJSON(operationFile, st.Operation); err != nil {
		return err
	}
	ranking := st.Ranking
	if ranking == nil {
		ranking = []core.Operator{}
	}
	return m.writeJSON(rankingFile, ranking)
}

func (m *Mirror) LoadDeviceID() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(m.dir, deviceFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read device id: %w", err)
	}
	return strings.TrimSpace(string(raw)), true, nil
}

func (m *Mirror) SaveDeviceID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeAtomic(deviceFile, []byte(id+"\n"))
}

func (m *Mirror) Close() error { return nil }

func (m *Mirror) readJSON(name string, v any) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(m.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (m *Mirror) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return m.writeAtomic(name, raw)
}

func (m *Mirror) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(m.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
