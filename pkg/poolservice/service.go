package poolservice

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/metrics"
	"github.com/quarrydb/quarry/pkg/types"
)

// Default applied to pools that do not configure their own queue bound.
const DefaultMaxQueued = 200

// Config holds service-wide defaults applied to pool configurations that
// leave the corresponding field unset.
type Config struct {
	DefaultPool           string
	DefaultQueueTimeoutMs int64
}

// Service resolves users to resource pools and serves pool configuration
// snapshots.
type Service struct {
	store *Store
	cfg   Config
}

// NewService creates a pool service over the given store.
func NewService(store *Store, cfg Config) *Service {
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = "default"
	}
	return &Service{store: store, cfg: cfg}
}

// ResolveRequestPool returns the pool a query should be submitted to. An
// explicitly requested pool wins; otherwise the user's placement rule
// applies, then the default pool.
func (s *Service) ResolveRequestPool(user, requestedPool string) (string, error) {
	if requestedPool != "" {
		if _, err := s.store.GetPool(requestedPool); err != nil {
			return "", fmt.Errorf("request pool %s does not exist", requestedPool)
		}
		return requestedPool, nil
	}

	if user != "" {
		placed, err := s.store.GetPlacement(user)
		if err != nil {
			return "", err
		}
		if placed != "" {
			return placed, nil
		}
	}

	defaultPool, err := s.store.DefaultPool()
	if err != nil {
		return "", err
	}
	if defaultPool == "" {
		defaultPool = s.cfg.DefaultPool
	}
	return defaultPool, nil
}

// GetPoolConfig returns a configuration snapshot for the named pool with
// service defaults filled in.
func (s *Service) GetPoolConfig(name string) (types.PoolConfig, error) {
	cfg, err := s.store.GetPool(name)
	if err != nil {
		return types.PoolConfig{}, err
	}
	s.applyDefaults(&cfg)
	return cfg, nil
}

func (s *Service) applyDefaults(cfg *types.PoolConfig) {
	if cfg.MaxQueued == 0 && cfg.MaxQueuedQueriesMultiple == 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.QueueTimeoutMs == 0 {
		cfg.QueueTimeoutMs = s.cfg.DefaultQueueTimeoutMs
	}
}

// poolFile is the on-disk YAML layout consumed by ApplyFile.
type poolFile struct {
	DefaultPool string             `yaml:"default_pool"`
	Pools       []types.PoolConfig `yaml:"pools"`
	Placements  []struct {
		User string `yaml:"user"`
		Pool string `yaml:"pool"`
	} `yaml:"placements"`
}

// ApplyFile imports pool definitions and placement rules from a YAML file
// into the store. Existing pools with the same name are replaced; pools not
// mentioned in the file are left alone.
func (s *Service) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pool file: %w", err)
	}

	var file poolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pool file: %w", err)
	}

	logger := log.WithComponent("poolservice")
	for _, cfg := range file.Pools {
		if err := s.store.PutPool(cfg); err != nil {
			return fmt.Errorf("failed to store pool %s: %w", cfg.Name, err)
		}
		logger.Info().Str("pool", cfg.Name).Msg("pool configuration applied")
	}

	for _, placement := range file.Placements {
		if err := s.store.PutPlacement(placement.User, placement.Pool); err != nil {
			return fmt.Errorf("failed to store placement for %s: %w", placement.User, err)
		}
	}

	if file.DefaultPool != "" {
		if err := s.store.SetDefaultPool(file.DefaultPool); err != nil {
			return err
		}
	}

	if pools, err := s.store.ListPools(); err == nil {
		metrics.PoolsConfigured.Set(float64(len(pools)))
	}

	return nil
}
