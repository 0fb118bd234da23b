package poolservice

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quarrydb/quarry/pkg/types"
)

var (
	// Bucket names
	bucketPools      = []byte("pools")
	bucketPlacements = []byte("placements")
	bucketSettings   = []byte("settings")

	keyDefaultPool = []byte("default_pool")
)

// Store persists resource pool configurations and user placement rules in
// BoltDB.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the pool database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "pools.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPools,
			bucketPlacements,
			bucketSettings,
		}

		for _, bucket := range buckets {
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

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// PutPool creates or replaces a pool configuration.
func (s *Store) PutPool(cfg types.PoolConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("pool name must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

// GetPool returns the configuration for the named pool.
func (s *Store) GetPool(name string) (types.PoolConfig, error) {
	var cfg types.PoolConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("pool not found: %s", name)
		}
		return json.Unmarshal(data, &cfg)
	})
	return cfg, err
}

// ListPools returns all pool configurations.
func (s *Store) ListPools() ([]types.PoolConfig, error) {
	var pools []types.PoolConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.PoolConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			pools = append(pools, cfg)
			return nil
		})
	})
	return pools, err
}

// DeletePool removes a pool configuration.
func (s *Store) DeletePool(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(name))
	})
}

// PutPlacement maps a user to a pool.
func (s *Store) PutPlacement(user, pool string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).Put([]byte(user), []byte(pool))
	})
}

// GetPlacement returns the pool the user is mapped to, or "" if unmapped.
func (s *Store) GetPlacement(user string) (string, error) {
	var pool string
	err := s.db.View(func(tx *bolt.Tx) error {
		pool = string(tx.Bucket(bucketPlacements).Get([]byte(user)))
		return nil
	})
	return pool, err
}

// SetDefaultPool records the pool used when no placement rule matches.
func (s *Store) SetDefaultPool(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyDefaultPool, []byte(name))
	})
}

// DefaultPool returns the configured default pool, or "" if unset.
func (s *Store) DefaultPool() (string, error) {
	var name string
	err := s.db.View(func(tx *bolt.Tx) error {
		name = string(tx.Bucket(bucketSettings).Get(keyDefaultPool))
		return nil
	})
	return name, err
}
