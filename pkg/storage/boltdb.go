package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances = []byte("instances")
	bucketMeta      = []byte("meta")

	keyOperationVersion = []byte("operation_version")
	keyOverrides        = []byte("override_env_vars")
	keyOnlineTime       = []byte("online_time")
)

func instanceKey(id model.InstanceIdent) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", id.ServiceID, id.SubjectID, id.InstanceIndex))
}

// BoltStore implements Store using a single BoltDB file: one bucket of
// InstanceInfo records keyed by InstanceIdent, one bucket of scalar
// metadata (operation version, override set, online time).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed Store rooted at
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "edgelauncher.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// AddInstance persists a new instance record, keyed by its identity.
func (s *BoltStore) AddInstance(info model.InstanceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(info.Ident), data)
	})
}

// UpdateInstance overwrites the persisted record for info.Ident.
func (s *BoltStore) UpdateInstance(info model.InstanceInfo) error {
	return s.AddInstance(info)
}

// RemoveInstance deletes the persisted record for ident, if any.
func (s *BoltStore) RemoveInstance(ident model.InstanceIdent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(instanceKey(ident))
	})
}

// GetAllInstances returns every persisted InstanceInfo.
func (s *BoltStore) GetAllInstances() ([]model.InstanceInfo, error) {
	var infos []model.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var info model.InstanceInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "GetAllInstances", err)
	}
	return infos, nil
}

// PurgeInstances drops every persisted instance record (spec §6,
// operation-version gate).
func (s *BoltStore) PurgeInstances() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketInstances); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketInstances)
		return err
	})
}

// GetOperationVersion reads the persisted operation-version counter,
// returning 0 if none has been written yet.
func (s *BoltStore) GetOperationVersion() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyOperationVersion)
		if data == nil {
			return nil
		}
		v = binary.BigEndian.Uint64(data)
		return nil
	})
	return v, err
}

// SetOperationVersion persists the operation-version counter.
func (s *BoltStore) SetOperationVersion(v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyOperationVersion, buf)
	})
}

// GetOverrideEnvVars reads the persisted override set.
func (s *BoltStore) GetOverrideEnvVars() ([]model.OverrideEnvVar, error) {
	var overrides []model.OverrideEnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyOverrides)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &overrides)
	})
	return overrides, err
}

// SetOverrideEnvVars persists the override set.
func (s *BoltStore) SetOverrideEnvVars(overrides []model.OverrideEnvVar) error {
	data, err := json.Marshal(overrides)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyOverrides, data)
	})
}

// GetOnlineTime reads the last-recorded cloud-online timestamp.
func (s *BoltStore) GetOnlineTime() (int64, error) {
	var v int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyOnlineTime)
		if data == nil {
			return nil
		}
		v = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return v, err
}

// SetOnlineTime persists the last-recorded cloud-online timestamp.
func (s *BoltStore) SetOnlineTime(unixSeconds int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(unixSeconds))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyOnlineTime, buf)
	})
}
