package database

import (
	"context"
	"fmt"
	"sync"
)

var (
	storeFactory func() Store
	storeMu      sync.RWMutex
)

// RegisterPostgresBackend registers the PostgreSQL store constructor.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(factory func() Store) {
	storeMu.Lock()
	defer storeMu.Unlock()
	storeFactory = factory
}

// IsInitialized returns whether a store backend has been registered.
func IsInitialized() bool {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return storeFactory != nil
}

// GetStore returns the registered store.
func GetStore(ctx context.Context) (Store, error) {
	storeMu.RLock()
	defer storeMu.RUnlock()
	if storeFactory == nil {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	return storeFactory(), nil
}
