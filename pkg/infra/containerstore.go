package infra

import (
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/portacode-agent/pkg/types"
)

var bucketContainers = []byte("containers")

// ContainerStore is a bbolt-backed index of every container this agent
// has provisioned, keyed by vmid: single bucket, JSON values, put-by-ID.
type ContainerStore struct {
	db *bolt.DB
}

// OpenContainerStore opens (creating if absent) the container index at
// dbPath, inside a dedicated bucket.
func OpenContainerStore(dbPath string) (*ContainerStore, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open container store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ContainerStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *ContainerStore) Close() error { return s.db.Close() }

// Put upserts a container record.
func (s *ContainerStore) Put(record types.ContainerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put(vmidKey(record.VMID), data)
	})
}

// Get returns the record for vmid, or (zero, false) if absent.
func (s *ContainerStore) Get(vmid int) (types.ContainerRecord, bool, error) {
	var record types.ContainerRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get(vmidKey(vmid))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	return record, found, err
}

// List returns every stored container record.
func (s *ContainerStore) List() ([]types.ContainerRecord, error) {
	var records []types.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var record types.ContainerRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

func vmidKey(vmid int) []byte {
	return []byte(strconv.Itoa(vmid))
}
