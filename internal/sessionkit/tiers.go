package sessionkit

import (
	"context"
	"errors"
	"sync"
)

// ErrTierKeyNotFound indicates the key is absent from the storage tier.
var ErrTierKeyNotFound = errors.New("storage_tier.key_not_found")

// StorageTier is one key-value scope holding serialized session state. The
// Store writes every record to two independent tiers so that the loss or
// corruption of one does not lose the session.
type StorageTier interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryTier is a process-scoped tier. It backs the durable tier the same way
// sessionStorage backs localStorage in a browser: it never fails, and it only
// lives as long as the gateway instance.
type MemoryTier struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryTier constructs an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{values: make(map[string]string)}
}

// Name identifies the tier in logs.
func (tier *MemoryTier) Name() string {
	return "memory"
}

// Get returns the value for key or ErrTierKeyNotFound.
func (tier *MemoryTier) Get(ctx context.Context, key string) (string, error) {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	value, ok := tier.values[key]
	if !ok {
		return "", ErrTierKeyNotFound
	}
	return value, nil
}

// Set stores the value under key.
func (tier *MemoryTier) Set(ctx context.Context, key string, value string) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.values[key] = value
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (tier *MemoryTier) Delete(ctx context.Context, key string) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	delete(tier.values, key)
	return nil
}
