// file: pkg/checkpoint/bolt.go

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"k8s.io/klog/v2"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

var (
	// _checkpointsBucketKey 存放所有 checkpoint，key 就是 watch 目标的 key
	_checkpointsBucketKey = []byte("checkpoints")
	// _metadataBucketKey 存放 store 自身的元数据
	_metadataBucketKey = []byte("_metadata")
	_schemaVersionKey  = []byte("schemaVersion")
)

const boltSchemaVersion = "1"

// 编译时检查
var _ Store = &BoltStore{}

// BoltStore 使用 bbolt 保存 checkpoint。每次 Save 都在一个事务中完成。
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore 打开 (或创建) path 处的数据库文件。
// 另一个进程持有文件锁时，最多等待 timeout。
func OpenBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database %s: %w", path, err)
	}
	s, err := NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewBoltStore 使用一个已经打开的 bbolt 数据库。
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(_checkpointsBucketKey); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(_metadataBucketKey)
		if err != nil {
			return err
		}
		if v := meta.Get(_schemaVersionKey); v != nil && string(v) != boltSchemaVersion {
			return fmt.Errorf("unsupported checkpoint database schema version %q", v)
		}
		return meta.Put(_schemaVersionKey, []byte(boltSchemaVersion))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(_checkpointsBucketKey).Get([]byte(key))
		if data == nil {
			return notFound(key)
		}
		return json.Unmarshal(data, &entry)
	})
	return entry, err
}

func (s *BoltStore) Save(_ context.Context, key string, cp eventv1.WatchCheckpoint) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_checkpointsBucketKey)

		// 读取旧的 revision 并递增，与写入在同一个事务中
		entry := Entry{Key: key, Checkpoint: cp}
		if old := bucket.Get([]byte(key)); old != nil {
			var prev Entry
			if err := json.Unmarshal(old, &prev); err != nil {
				klog.Warningf("Overwriting unreadable checkpoint %s: %v", key, err)
			}
			entry.Revision = prev.Revision
		}
		entry.Revision++

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
}

func (s *BoltStore) List(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		// bbolt 按 key 的字节序遍历
		return tx.Bucket(_checkpointsBucketKey).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode checkpoint %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(_checkpointsBucketKey).Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
