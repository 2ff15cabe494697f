package snapshot

// ============================================================================
// 職責說明：
// 1. 將 memory store 完整狀態序列化為 JSON 快照檔（含 wal_seq）
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性，數字以 json.Number 保留
// 4. 重啟時配合 WAL 重放與 store.Unfinished() 重新投遞未完成任務
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
//
// 讀者永遠只會看到舊快照或新快照，不會看到寫到一半的檔案。
func (m *Manager) Write(data types.SnapshotData) error {
	data.SchemaVer = types.SnapshotSchemaVersion
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return writeAtomic(m.path, body)
}

// Load 載入快照。檔案不存在時回傳空的 SnapshotData（首次啟動）。
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	body, err := os.ReadFile(m.path)
	m.mu.Unlock()

	switch {
	case errors.Is(err, os.ErrNotExist):
		return types.SnapshotData{SchemaVer: types.SnapshotSchemaVersion}, nil
	case err != nil:
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decode(body)
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}

func decode(body []byte) (types.SnapshotData, error) {
	var data types.SnapshotData

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if dec.More() {
		return data, fmt.Errorf("%w: trailing data after snapshot", ErrCorruptedSnapshot)
	}
	if data.SchemaVer != types.SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.SnapshotSchemaVersion)
	}
	return data, nil
}

// writeAtomic writes body to a temp file next to path, syncs it and renames
// it over path. The temp file is removed on every failure.
func writeAtomic(path string, body []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(body); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}
