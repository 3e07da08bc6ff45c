// file: pkg/checkpoint/filestore.go

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

// FileStore 实现了 Store 接口，每个 key 对应 basePath 下的一个 JSON 文件。
// 例如 key "core/v1/pods" 保存在 <basePath>/core/v1/pods.json。
type FileStore struct {
	basePath string
}

var _ Store = &FileStore{}

func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path for checkpoint filestore: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key)+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	return s.read(key)
}

func (s *FileStore) read(key string) (Entry, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, notFound(key)
		}
		return Entry{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode checkpoint file %s: %w", s.pathFor(key), err)
	}
	return entry, nil
}

func (s *FileStore) Save(_ context.Context, key string, cp eventv1.WatchCheckpoint) error {
	if err := validateKey(key); err != nil {
		return err
	}

	entry := Entry{Key: key, Checkpoint: cp, Revision: 1}
	if prev, err := s.read(key); err == nil {
		entry.Revision = prev.Revision + 1
	} else if !IsNotFound(err) {
		return err
	}

	path := s.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for checkpoint: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint to json: %w", err)
	}

	// 先写临时文件再 rename，进程中途退出不会留下半个文件
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		entry, err := s.read(strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
