package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/config"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// Factory builds an unopened backend from configuration
type Factory func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[models.BackendKind]Factory{
		models.BackendDurableKV: func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
			return storage.NewRedisStore(cfg.RedisOptions(), logger), nil
		},
		models.BackendEmbeddedTransactional: func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
			return storage.NewSQLiteStore(cfg.SQLiteOptions(), logger), nil
		},
		models.BackendFlatFile: func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
			return storage.NewFileStore(cfg.FileOptions(), logger), nil
		},
		models.BackendEmbeddedKV: func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
			return storage.NewBadgerStore(cfg.BadgerOptions(), logger), nil
		},
	}
)

// Register adds or replaces the factory for kind
func Register(kind models.BackendKind, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Kinds lists the registered backend kinds, sorted
func Kinds() []models.BackendKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]models.BackendKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// lookup resolves aliases, then finds the factory
func lookup(kind models.BackendKind) (models.BackendKind, Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if factory, ok := registry[kind]; ok {
		return kind, factory, nil
	}
	parsed, err := models.ParseBackendKind(string(kind))
	if err != nil {
		return kind, nil, fmt.Errorf("%w: %w", utils.ErrUnknownBackend, err)
	}
	factory, ok := registry[parsed]
	if !ok {
		return parsed, nil, fmt.Errorf("%w: no factory registered for %s", utils.ErrUnknownBackend, parsed)
	}
	return parsed, factory, nil
}
